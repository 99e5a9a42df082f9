package scp

import (
	"github.com/arborhealth/dicomdul/dicom/tag"
	"github.com/arborhealth/dicomdul/internal/dataset"
)

// Storage Commitment element tags (DICOM Part 3, Annex C.4.15 / Part 7).
var (
	tagTransactionUID           = tag.New(0x0008, 0x1195)
	tagReferencedSOPSequence    = tag.New(0x0008, 0x1199)
	tagFailedSOPSequence        = tag.New(0x0008, 0x1198)
	tagReferencedSOPClassUID    = tag.New(0x0008, 0x1150)
	tagReferencedSOPInstanceUID = tag.New(0x0008, 0x1155)
	tagFailureReason            = tag.New(0x0008, 0x1197)
)

// SOPReference names one SOP instance by its class and instance UID.
type SOPReference struct {
	SOPClassUID    string
	SOPInstanceUID string
}

// FailedSOPReference is a SOPReference that could not be committed, together
// with the DICOM failure reason code.
type FailedSOPReference struct {
	SOPReference
	FailureReason uint16
}

func referencedSOPSequenceItem(ref SOPReference) (*dataset.DataSet, error) {
	item := dataset.NewDataSet()
	if err := item.AddString(tagReferencedSOPClassUID, dataset.VRUniqueIdentifier, ref.SOPClassUID); err != nil {
		return nil, err
	}
	if err := item.AddString(tagReferencedSOPInstanceUID, dataset.VRUniqueIdentifier, ref.SOPInstanceUID); err != nil {
		return nil, err
	}
	return item, nil
}

func failedSOPSequenceItem(ref FailedSOPReference) (*dataset.DataSet, error) {
	item := dataset.NewDataSet()
	if err := item.AddString(tagReferencedSOPClassUID, dataset.VRUniqueIdentifier, ref.SOPClassUID); err != nil {
		return nil, err
	}
	if err := item.AddString(tagReferencedSOPInstanceUID, dataset.VRUniqueIdentifier, ref.SOPInstanceUID); err != nil {
		return nil, err
	}
	if err := item.AddUint16(tagFailureReason, ref.FailureReason); err != nil {
		return nil, err
	}
	return item, nil
}

// parseReferencedSOPSequence reads a Referenced SOP Sequence (0008,1199)
// element into plain Go values.
func parseReferencedSOPSequence(ds *dataset.DataSet) ([]SOPReference, error) {
	items, err := ds.GetSequence(tagReferencedSOPSequence)
	if err != nil {
		return nil, err
	}

	refs := make([]SOPReference, 0, len(items))
	for _, item := range items {
		classUID, err := item.GetString(tagReferencedSOPClassUID)
		if err != nil {
			return nil, err
		}
		instanceUID, err := item.GetString(tagReferencedSOPInstanceUID)
		if err != nil {
			return nil, err
		}
		refs = append(refs, SOPReference{SOPClassUID: classUID, SOPInstanceUID: instanceUID})
	}
	return refs, nil
}

// buildEventReportDataSet assembles the dataset for the N-EVENT-REPORT-RQ
// that follows a commitment decision: Transaction UID, the committed
// Referenced SOP Sequence, and, when non-empty, the Failed SOP Sequence.
func buildEventReportDataSet(transactionUID string, committed []SOPReference, failed []FailedSOPReference) (*dataset.DataSet, error) {
	ds := dataset.NewDataSet()
	if err := ds.AddString(tagTransactionUID, dataset.VRUniqueIdentifier, transactionUID); err != nil {
		return nil, err
	}

	refItems := make([]*dataset.DataSet, 0, len(committed))
	for _, ref := range committed {
		item, err := referencedSOPSequenceItem(ref)
		if err != nil {
			return nil, err
		}
		refItems = append(refItems, item)
	}
	if err := ds.AddSequence(tagReferencedSOPSequence, refItems...); err != nil {
		return nil, err
	}

	if len(failed) > 0 {
		failedItems := make([]*dataset.DataSet, 0, len(failed))
		for _, ref := range failed {
			item, err := failedSOPSequenceItem(ref)
			if err != nil {
				return nil, err
			}
			failedItems = append(failedItems, item)
		}
		if err := ds.AddSequence(tagFailedSOPSequence, failedItems...); err != nil {
			return nil, err
		}
	}

	return ds, nil
}
