package dimse

import (
	"bytes"
	"testing"

	"github.com/arborhealth/dicomdul/dicom/tag"
	"github.com/arborhealth/dicomdul/dimse/pdu"
	"github.com/arborhealth/dicomdul/internal/dataset"
)

// FuzzCommandSetFromDataSet tests CommandSet decoding from malformed DICOM datasets
func FuzzCommandSetFromDataSet(f *testing.F) {
	validCmd := &CommandSet{
		CommandField:        CommandCEchoRQ,
		MessageID:           1,
		CommandDataSetType:  DataSetNotPresent,
		AffectedSOPClassUID: "1.2.840.10008.1.1",
	}

	ds, _ := validCmd.ToDataSet()
	buf := &bytes.Buffer{}
	_ = dataset.EncodeImplicitVR(ds, buf)
	f.Add(buf.Bytes())

	f.Add([]byte{})
	f.Add(buf.Bytes()[:20])

	largeDS := dataset.NewDataSet()
	if err := largeDS.AddString(tag.New(0x0000, 0x0002), dataset.VRUniqueIdentifier, string(bytes.Repeat([]byte("1.2.3."), 100))); err == nil {
		largeBuf := &bytes.Buffer{}
		_ = dataset.EncodeImplicitVR(largeDS, largeBuf)
		f.Add(largeBuf.Bytes())
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		ds, err := dataset.DecodeImplicitVR(bytes.NewReader(data))
		if err != nil {
			return // Invalid DICOM is expected
		}

		cmd, _ := FromDataSet(ds)

		if cmd != nil {
			validCommands := []uint16{
				CommandCEchoRQ, CommandCEchoRSP,
				CommandNActionRQ, CommandNActionRSP,
				CommandNEventReportRQ, CommandNEventReportRSP,
			}

			isValidCommand := false
			for _, valid := range validCommands {
				if cmd.CommandField == valid {
					isValidCommand = true
					break
				}
			}

			if !isValidCommand && cmd.CommandField != 0 {
				t.Errorf("Invalid command field: 0x%04X", cmd.CommandField)
			}
		}
	})
}

// FuzzCommandSetRoundTrip tests CommandSet encode/decode round-trip
func FuzzCommandSetRoundTrip(f *testing.F) {
	commands := []*CommandSet{
		{CommandField: CommandCEchoRQ, MessageID: 1},
		{CommandField: CommandNActionRQ, MessageID: 2, RequestedSOPClassUID: "1.2.3"},
		{CommandField: CommandNEventReportRQ, MessageID: 3, EventTypeID: 1},
		{CommandField: CommandNActionRSP, MessageID: 4, Status: StatusSuccess},
	}

	for _, cmd := range commands {
		ds, _ := cmd.ToDataSet()
		buf := &bytes.Buffer{}
		_ = dataset.EncodeImplicitVR(ds, buf)
		f.Add(buf.Bytes())
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		ds, err := dataset.DecodeImplicitVR(bytes.NewReader(data))
		if err != nil {
			return
		}

		cmd1, err := FromDataSet(ds)
		if err != nil {
			return // Expected for malformed commands
		}

		ds2, err := cmd1.ToDataSet()
		if err != nil {
			t.Fatalf("Failed to encode valid command: %v", err)
		}

		cmd2, err := FromDataSet(ds2)
		if err != nil {
			t.Fatalf("Failed to decode after round-trip: %v", err)
		}

		if cmd1.CommandField != cmd2.CommandField {
			t.Errorf("CommandField mismatch: %d != %d", cmd1.CommandField, cmd2.CommandField)
		}
	})
}

// FuzzMessageEncoding tests Message encoding with malformed command/data
func FuzzMessageEncoding(f *testing.F) {
	f.Add(uint8(1), uint16(CommandCEchoRQ), uint16(1))
	f.Add(uint8(0), uint16(0), uint16(0))             // Invalid values
	f.Add(uint8(255), uint16(0xFFFF), uint16(0xFFFF)) // Max values

	f.Fuzz(func(t *testing.T, pcID uint8, cmdField uint16, msgID uint16) {
		msg := &Message{
			CommandSet: &CommandSet{
				CommandField:       cmdField,
				MessageID:          msgID,
				CommandDataSetType: DataSetNotPresent,
			},
			PresentationContextID: pcID,
		}

		pdus, err := msg.Encode(16384)

		if err == nil && len(pdus) > 0 {
			for _, p := range pdus {
				if p == nil {
					t.Error("Null PDU in result")
				}

				for _, item := range p.Items {
					if item.PresentationContextID != pcID {
						t.Errorf("PC ID mismatch: expected %d, got %d",
							pcID, item.PresentationContextID)
					}
				}
			}
		}
	})
}

// FuzzReassemblerAddPDU tests message reassembly with malformed PDU sequences
func FuzzReassemblerAddPDU(f *testing.F) {
	validMsg := &Message{
		CommandSet: &CommandSet{
			CommandField:       CommandCEchoRQ,
			MessageID:          1,
			CommandDataSetType: DataSetNotPresent,
		},
		PresentationContextID: 1,
	}

	pdus, _ := validMsg.Encode(16384)
	for _, p := range pdus {
		buf := &bytes.Buffer{}
		_ = p.Encode(buf)
		f.Add(buf.Bytes())
	}

	emptyPDU := &pdu.DataTF{Items: []pdu.PresentationDataValue{}}
	buf := &bytes.Buffer{}
	_ = emptyPDU.Encode(buf)
	f.Add(buf.Bytes())

	invalidFlagsPDU := &pdu.DataTF{
		Items: []pdu.PresentationDataValue{
			{
				PresentationContextID: 1,
				MessageControlHeader:  0xFF, // Invalid flags
				Data:                  []byte{0x00, 0x01, 0x02},
			},
		},
	}
	buf2 := &bytes.Buffer{}
	_ = invalidFlagsPDU.Encode(buf2)
	f.Add(buf2.Bytes())

	f.Fuzz(func(t *testing.T, data []byte) {
		dataPDU := &pdu.DataTF{}
		err := dataPDU.Decode(bytes.NewReader(data))
		if err != nil {
			return // Invalid PDU is expected
		}

		reassembler := NewMessageReassembler()
		msg, _ := reassembler.AddPDU(dataPDU)

		if msg != nil {
			if msg.CommandSet == nil {
				t.Error("Reassembled message has nil CommandSet")
			}
		}
	})
}

// FuzzStatusCodeHandling tests status code validation
func FuzzStatusCodeHandling(f *testing.F) {
	validStatuses := []uint16{
		StatusSuccess,
		StatusProcessingFailure,
		StatusNoSuchObject,
		StatusNoSuchAction,
		StatusDuplicateInvocation,
	}

	for _, status := range validStatuses {
		f.Add(status)
	}

	f.Add(uint16(0x0001))
	f.Add(uint16(0xFFFF))
	f.Add(uint16(0x0000))

	f.Fuzz(func(t *testing.T, status uint16) {
		cmd := &CommandSet{
			CommandField:       CommandCEchoRSP,
			MessageID:          1,
			CommandDataSetType: DataSetNotPresent,
			Status:             status,
		}

		ds, err := cmd.ToDataSet()
		if err != nil {
			t.Fatalf("Failed to encode command with status 0x%04X: %v", status, err)
		}

		decoded, err := FromDataSet(ds)
		if err != nil {
			t.Fatalf("Failed to decode command with status 0x%04X: %v", status, err)
		}

		if decoded.Status != status {
			t.Errorf("Status mismatch: expected 0x%04X, got 0x%04X", status, decoded.Status)
		}
	})
}

// FuzzMessageFragmentation tests message fragmentation at various PDU sizes
func FuzzMessageFragmentation(f *testing.F) {
	f.Add(uint32(512))        // Small
	f.Add(uint32(16384))      // Standard
	f.Add(uint32(65536))      // Large
	f.Add(uint32(1))          // Minimum
	f.Add(uint32(0))          // Invalid
	f.Add(uint32(0xFFFFFFFF)) // Max

	f.Fuzz(func(t *testing.T, maxPDUSize uint32) {
		if maxPDUSize < 512 {
			return // Skip invalid/too small sizes
		}

		ds := dataset.NewDataSet()
		_ = ds.AddString(tag.New(0x0008, 0x1195), dataset.VRUniqueIdentifier, "1.2.840.10008.1.1.1")

		msg := &Message{
			CommandSet: &CommandSet{
				CommandField:       CommandNActionRQ,
				MessageID:          1,
				CommandDataSetType: DataSetPresent,
			},
			DataSet:               ds,
			PresentationContextID: 1,
		}

		pdus, err := msg.Encode(maxPDUSize)
		if err != nil {
			return // May fail for extreme sizes
		}

		for i, p := range pdus {
			buf := &bytes.Buffer{}
			_ = p.Encode(buf)
			pduSize := uint32(buf.Len())

			if pduSize > maxPDUSize {
				t.Errorf("PDU %d size %d exceeds max %d", i, pduSize, maxPDUSize)
			}
		}
	})
}
