// Package dataset implements a narrow DICOM data element codec limited to
// the elements the Storage Commitment and DIMSE command machinery need:
// Command Set fields (group 0000), Transaction UID (0008,1195), Referenced
// SOP Sequence (0008,1199) and Failed SOP Sequence (0008,1198) together with
// their item elements (0008,1150 / 0008,1155 / 0008,1197).
//
// It is not a general DICOM dataset library: there is no pixel data, no
// private element handling, and no public data dictionary. Encoding and
// decoding both Implicit VR Little Endian and Explicit VR Little Endian are
// supported since command sets are always Implicit VR while a negotiated
// presentation context's dataset may use either.
package dataset

import (
	"fmt"

	"github.com/arborhealth/dicomdul/dicom/tag"
)

// VR identifies a DICOM value representation, restricted to the ones this
// package knows how to read and write.
type VR string

const (
	VRUniqueIdentifier  VR = "UI"
	VRShortText         VR = "SH"
	VRLongString        VR = "LO"
	VRCodeString        VR = "CS"
	VRApplicationEntity VR = "AE"
	VRUnsignedShort     VR = "US"
	VRUnsignedLong      VR = "UL"
	VRSequence          VR = "SQ"
	VROtherByte         VR = "OB"
	VROtherWord         VR = "OW"
	VRUnknown           VR = "UN"
)

// isShortForm reports whether a VR uses the 2-byte explicit-VR length field.
func (v VR) isShortForm() bool {
	switch v {
	case VRUniqueIdentifier, VRShortText, VRLongString, VRCodeString,
		VRApplicationEntity, VRUnsignedShort, VRUnsignedLong:
		return true
	default:
		return false
	}
}

// Element is a single DICOM data element: a tag, its VR, and either a
// primitive byte value or, for VRSequence, nested item datasets.
type Element struct {
	Tag   tag.Tag
	VR    VR
	Bytes []byte
	Items []*DataSet
}

// DataSet is an ordered, tag-indexed collection of elements.
type DataSet struct {
	elements []*Element
	byTag    map[uint32]*Element
}

// NewDataSet creates an empty dataset.
func NewDataSet() *DataSet {
	return &DataSet{byTag: make(map[uint32]*Element)}
}

// Add appends an element to the dataset, indexed by tag.
func (ds *DataSet) Add(e *Element) error {
	if e == nil {
		return fmt.Errorf("dataset: nil element")
	}
	key := e.Tag.Uint32()
	if _, exists := ds.byTag[key]; exists {
		return fmt.Errorf("dataset: duplicate element %s", e.Tag)
	}
	ds.elements = append(ds.elements, e)
	ds.byTag[key] = e
	return nil
}

// Get returns the element for the given tag, if present.
func (ds *DataSet) Get(t tag.Tag) (*Element, bool) {
	e, ok := ds.byTag[t.Uint32()]
	return e, ok
}

// Elements returns all elements in insertion order.
func (ds *DataSet) Elements() []*Element {
	return ds.elements
}

// AddUint16 adds a US element.
func (ds *DataSet) AddUint16(t tag.Tag, val uint16) error {
	return ds.Add(&Element{Tag: t, VR: VRUnsignedShort, Bytes: encodeUint16(val)})
}

// AddString adds a string element encoded with the given VR (UI/SH/LO/CS/AE).
func (ds *DataSet) AddString(t tag.Tag, v VR, val string) error {
	return ds.Add(&Element{Tag: t, VR: v, Bytes: encodeString(val)})
}

// AddSequence adds an SQ element containing the given items.
func (ds *DataSet) AddSequence(t tag.Tag, items ...*DataSet) error {
	return ds.Add(&Element{Tag: t, VR: VRSequence, Items: items})
}

// GetUint16 reads a US element's value.
func (ds *DataSet) GetUint16(t tag.Tag) (uint16, error) {
	e, ok := ds.Get(t)
	if !ok {
		return 0, fmt.Errorf("dataset: tag %s not present", t)
	}
	return decodeUint16(e.Bytes)
}

// GetString reads a string-valued element, trimming DICOM space/null padding.
func (ds *DataSet) GetString(t tag.Tag) (string, error) {
	e, ok := ds.Get(t)
	if !ok {
		return "", fmt.Errorf("dataset: tag %s not present", t)
	}
	return decodeString(e.Bytes), nil
}

// GetSequence reads an SQ element's items.
func (ds *DataSet) GetSequence(t tag.Tag) ([]*DataSet, error) {
	e, ok := ds.Get(t)
	if !ok {
		return nil, fmt.Errorf("dataset: tag %s not present", t)
	}
	if e.VR != VRSequence {
		return nil, fmt.Errorf("dataset: tag %s is not a sequence (VR %s)", t, e.VR)
	}
	return e.Items, nil
}
