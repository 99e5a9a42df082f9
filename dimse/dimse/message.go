package dimse

import (
	"bytes"
	"fmt"

	"github.com/arborhealth/dicomdul/dimse/pdu"
	"github.com/arborhealth/dicomdul/internal/dataset"
)

// Message represents a complete DIMSE message with command and optional dataset.
type Message struct {
	CommandSet            *CommandSet
	DataSet               *dataset.DataSet
	PresentationContextID uint8
}

// Encode encodes the message into P-DATA-TF PDUs bounded by maxPDULength.
func (m *Message) Encode(maxPDULength uint32) ([]*pdu.DataTF, error) {
	var pdus []*pdu.DataTF

	cmdDS, err := m.CommandSet.ToDataSet()
	if err != nil {
		return nil, fmt.Errorf("encode command set: %w", err)
	}

	var cmdBuf bytes.Buffer
	if err := dataset.EncodeImplicitVR(cmdDS, &cmdBuf); err != nil {
		return nil, fmt.Errorf("serialize command: %w", err)
	}

	hasDataset := m.DataSet != nil

	cmdPDUs, err := fragmentData(cmdBuf.Bytes(), m.PresentationContextID, true, !hasDataset, maxPDULength)
	if err != nil {
		return nil, fmt.Errorf("fragment command: %w", err)
	}
	pdus = append(pdus, cmdPDUs...)

	if hasDataset {
		var dsBuf bytes.Buffer
		if err := dataset.EncodeExplicitVR(m.DataSet, &dsBuf); err != nil {
			return nil, fmt.Errorf("serialize dataset: %w", err)
		}

		dsPDUs, err := fragmentData(dsBuf.Bytes(), m.PresentationContextID, false, true, maxPDULength)
		if err != nil {
			return nil, fmt.Errorf("fragment dataset: %w", err)
		}
		pdus = append(pdus, dsPDUs...)
	}

	return pdus, nil
}

// Decode reassembles a message from a complete set of P-DATA-TF PDUs.
func Decode(pdus []*pdu.DataTF) (*Message, error) {
	var commandData []byte
	var datasetData []byte
	var pcID uint8
	hasDataset := false

	for _, dataPDU := range pdus {
		for _, item := range dataPDU.Items {
			if pcID == 0 {
				pcID = item.PresentationContextID
			}
			if item.IsCommand() {
				commandData = append(commandData, item.Data...)
			} else {
				hasDataset = true
				datasetData = append(datasetData, item.Data...)
			}
		}
	}

	if len(commandData) == 0 {
		return nil, fmt.Errorf("no command data found in PDUs")
	}

	cmdDS, err := dataset.DecodeImplicitVR(bytes.NewReader(commandData))
	if err != nil {
		return nil, fmt.Errorf("decode command dataset: %w", err)
	}

	cmdSet, err := FromDataSet(cmdDS)
	if err != nil {
		return nil, fmt.Errorf("parse command set: %w", err)
	}

	msg := &Message{
		CommandSet:            cmdSet,
		PresentationContextID: pcID,
	}

	if hasDataset {
		ds, err := dataset.DecodeExplicitVR(bytes.NewReader(datasetData))
		if err != nil {
			return nil, fmt.Errorf("decode dataset: %w", err)
		}
		msg.DataSet = ds
	}

	return msg, nil
}

// fragmentData fragments data into P-DATA-TF PDUs.
// isCommand: true if this is command data, false if dataset data.
// markAsLast: true if this is the last fragment of the entire DIMSE message.
func fragmentData(data []byte, pcID uint8, isCommand, markAsLast bool, maxPDULength uint32) ([]*pdu.DataTF, error) {
	var pdus []*pdu.DataTF

	if len(data) == 0 {
		var controlHeader uint8
		if isCommand {
			controlHeader = pdu.MessageControlCommand
			if markAsLast {
				controlHeader |= pdu.MessageControlLastFragment
			}
		} else {
			if markAsLast {
				controlHeader = pdu.MessageControlDatasetLast
			} else {
				controlHeader = pdu.MessageControlDataset
			}
		}

		pdv := pdu.PresentationDataValue{
			PresentationContextID: pcID,
			MessageControlHeader:  controlHeader,
			Data:                  []byte{},
		}

		return []*pdu.DataTF{{Items: []pdu.PresentationDataValue{pdv}}}, nil
	}

	// P-DATA-TF header: 6 bytes (type + reserved + length).
	// PDV item header: 4 bytes (length) + 1 byte (context ID) + 1 byte (control header).
	if maxPDULength < 12 {
		return nil, &pdu.MalformedPDU{Detail: fmt.Sprintf("max PDU length %d leaves no room for a PDV payload", maxPDULength)}
	}
	maxDataPerPDU := int(maxPDULength) - 6 - 6

	offset := 0
	for offset < len(data) {
		remaining := len(data) - offset
		chunkSize := remaining
		if chunkSize > maxDataPerPDU {
			chunkSize = maxDataPerPDU
		}

		chunk := data[offset : offset+chunkSize]
		isLastChunk := offset+chunkSize >= len(data)

		var controlHeader uint8
		if isCommand {
			controlHeader = pdu.MessageControlCommand
			if isLastChunk && markAsLast {
				controlHeader |= pdu.MessageControlLastFragment
			}
		} else {
			if isLastChunk && markAsLast {
				controlHeader = pdu.MessageControlDatasetLast
			} else {
				controlHeader = pdu.MessageControlDataset
			}
		}

		pdv := pdu.PresentationDataValue{
			PresentationContextID: pcID,
			MessageControlHeader:  controlHeader,
			Data:                  chunk,
		}

		pdus = append(pdus, &pdu.DataTF{Items: []pdu.PresentationDataValue{pdv}})
		offset += chunkSize
	}

	return pdus, nil
}

// MessageReassembler reassembles fragmented DIMSE messages arriving across
// multiple P-DATA-TF PDUs, keyed by presentation context ID.
type MessageReassembler struct {
	fragments map[uint8][]*pdu.DataTF
}

// NewMessageReassembler creates a new message reassembler.
func NewMessageReassembler() *MessageReassembler {
	return &MessageReassembler{
		fragments: make(map[uint8][]*pdu.DataTF),
	}
}

// AddPDU adds a P-DATA-TF PDU to the reassembler. It returns the completed
// message once the final fragment for its presentation context arrives, and
// nil otherwise.
func (r *MessageReassembler) AddPDU(dataPDU *pdu.DataTF) (*Message, error) {
	if len(dataPDU.Items) == 0 {
		return nil, nil
	}

	pcID := dataPDU.Items[0].PresentationContextID
	r.fragments[pcID] = append(r.fragments[pcID], dataPDU)

	lastItem := dataPDU.Items[len(dataPDU.Items)-1]
	if lastItem.IsLastFragment() {
		msg, err := Decode(r.fragments[pcID])
		if err != nil {
			return nil, err
		}
		delete(r.fragments, pcID)
		return msg, nil
	}

	return nil, nil
}
