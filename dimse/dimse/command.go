package dimse

import (
	"fmt"

	"github.com/arborhealth/dicomdul/dicom/tag"
	"github.com/arborhealth/dicomdul/internal/dataset"
)

// Command field values (DICOM Part 7, Annex E.1)
const (
	CommandCEchoRQ        uint16 = 0x0030
	CommandCEchoRSP       uint16 = 0x8030
	CommandNActionRQ      uint16 = 0x0130
	CommandNActionRSP     uint16 = 0x8130
	CommandNEventReportRQ uint16 = 0x0100
	CommandNEventReportRSP uint16 = 0x8100
)

// Status codes (DICOM Part 7, Annex C)
const (
	StatusSuccess           uint16 = 0x0000
	StatusProcessingFailure uint16 = 0x0110
	StatusNoSuchObject      uint16 = 0x0112
	StatusNoSuchAction      uint16 = 0x0123
	StatusDuplicateInvocation uint16 = 0x0210
)

// Command data set type values
const (
	DataSetPresent    uint16 = 0x0000
	DataSetNotPresent uint16 = 0x0101
)

// Priority values
const (
	PriorityLow    uint16 = 0x0002
	PriorityMedium uint16 = 0x0000
	PriorityHigh   uint16 = 0x0001
)

// Command Set element tags (DICOM Part 7, Annex E.1)
var (
	tagCommandField              = tag.New(0x0000, 0x0100)
	tagMessageID                 = tag.New(0x0000, 0x0110)
	tagMessageIDBeingRespondedTo = tag.New(0x0000, 0x0120)
	tagAffectedSOPClassUID       = tag.New(0x0000, 0x0002)
	tagRequestedSOPClassUID      = tag.New(0x0000, 0x0003)
	tagAffectedSOPInstanceUID    = tag.New(0x0000, 0x1000)
	tagRequestedSOPInstanceUID   = tag.New(0x0000, 0x1001)
	tagPriority                  = tag.New(0x0000, 0x0700)
	tagCommandDataSetType        = tag.New(0x0000, 0x0800)
	tagStatus                    = tag.New(0x0000, 0x0900)
	tagEventTypeID               = tag.New(0x0000, 0x1002)
	tagActionTypeID              = tag.New(0x0000, 0x1008)
)

// CommandSet represents a DIMSE command, restricted to the fields used by
// C-ECHO (Verification) and N-ACTION/N-EVENT-REPORT (Storage Commitment).
type CommandSet struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	RequestedSOPClassUID      string
	RequestedSOPInstanceUID   string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	EventTypeID               uint16
	ActionTypeID              uint16
}

// isResponse reports whether this command field is a response (high bit set).
func (cs *CommandSet) isResponse() bool {
	return cs.CommandField&0x8000 != 0
}

// ToDataSet converts a CommandSet to its Implicit VR element representation.
func (cs *CommandSet) ToDataSet() (*dataset.DataSet, error) {
	ds := dataset.NewDataSet()

	if err := ds.AddUint16(tagCommandField, cs.CommandField); err != nil {
		return nil, err
	}

	if !cs.isResponse() && cs.MessageID != 0 {
		if err := ds.AddUint16(tagMessageID, cs.MessageID); err != nil {
			return nil, err
		}
	}
	if cs.isResponse() {
		if err := ds.AddUint16(tagMessageIDBeingRespondedTo, cs.MessageIDBeingRespondedTo); err != nil {
			return nil, err
		}
	}

	if cs.AffectedSOPClassUID != "" {
		if err := ds.AddString(tagAffectedSOPClassUID, dataset.VRUniqueIdentifier, cs.AffectedSOPClassUID); err != nil {
			return nil, err
		}
	}
	if cs.RequestedSOPClassUID != "" {
		if err := ds.AddString(tagRequestedSOPClassUID, dataset.VRUniqueIdentifier, cs.RequestedSOPClassUID); err != nil {
			return nil, err
		}
	}
	if cs.AffectedSOPInstanceUID != "" {
		if err := ds.AddString(tagAffectedSOPInstanceUID, dataset.VRUniqueIdentifier, cs.AffectedSOPInstanceUID); err != nil {
			return nil, err
		}
	}
	if cs.RequestedSOPInstanceUID != "" {
		if err := ds.AddString(tagRequestedSOPInstanceUID, dataset.VRUniqueIdentifier, cs.RequestedSOPInstanceUID); err != nil {
			return nil, err
		}
	}

	if !cs.isResponse() {
		if err := ds.AddUint16(tagPriority, cs.Priority); err != nil {
			return nil, err
		}
	}

	if err := ds.AddUint16(tagCommandDataSetType, cs.CommandDataSetType); err != nil {
		return nil, err
	}

	if cs.isResponse() {
		if err := ds.AddUint16(tagStatus, cs.Status); err != nil {
			return nil, err
		}
	}

	switch cs.CommandField {
	case CommandNEventReportRQ, CommandNEventReportRSP:
		if err := ds.AddUint16(tagEventTypeID, cs.EventTypeID); err != nil {
			return nil, err
		}
	case CommandNActionRQ, CommandNActionRSP:
		if err := ds.AddUint16(tagActionTypeID, cs.ActionTypeID); err != nil {
			return nil, err
		}
	}

	return ds, nil
}

// FromDataSet parses a CommandSet from its decoded element representation.
func FromDataSet(ds *dataset.DataSet) (*CommandSet, error) {
	cs := &CommandSet{}

	cmdField, err := ds.GetUint16(tagCommandField)
	if err != nil {
		return nil, fmt.Errorf("missing required Command Field: %w", err)
	}
	cs.CommandField = cmdField

	if v, err := ds.GetUint16(tagMessageID); err == nil {
		cs.MessageID = v
	}
	if v, err := ds.GetUint16(tagMessageIDBeingRespondedTo); err == nil {
		cs.MessageIDBeingRespondedTo = v
	}
	if v, err := ds.GetString(tagAffectedSOPClassUID); err == nil {
		cs.AffectedSOPClassUID = v
	}
	if v, err := ds.GetString(tagAffectedSOPInstanceUID); err == nil {
		cs.AffectedSOPInstanceUID = v
	}
	if v, err := ds.GetString(tagRequestedSOPClassUID); err == nil {
		cs.RequestedSOPClassUID = v
	}
	if v, err := ds.GetString(tagRequestedSOPInstanceUID); err == nil {
		cs.RequestedSOPInstanceUID = v
	}
	if v, err := ds.GetUint16(tagPriority); err == nil {
		cs.Priority = v
	}
	if v, err := ds.GetUint16(tagCommandDataSetType); err == nil {
		cs.CommandDataSetType = v
	}
	if v, err := ds.GetUint16(tagStatus); err == nil {
		cs.Status = v
	}
	if v, err := ds.GetUint16(tagEventTypeID); err == nil {
		cs.EventTypeID = v
	}
	if v, err := ds.GetUint16(tagActionTypeID); err == nil {
		cs.ActionTypeID = v
	}

	return cs, nil
}
