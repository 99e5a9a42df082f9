package dataset

import "github.com/arborhealth/dicomdul/dicom/tag"

// vrDictionary maps the tags this package ever encounters to their VR. It is
// consulted when decoding Implicit VR Little Endian, where the wire format
// does not carry the VR and a reader must already know it - the same way a
// DIMSE peer always knows the command fields' VRs ahead of time.
var vrDictionary = map[uint32]VR{
	// Command Set (DICOM Part 7, Annex E)
	tag.New(0x0000, 0x0002).Uint32(): VRUniqueIdentifier, // Affected SOP Class UID
	tag.New(0x0000, 0x0003).Uint32(): VRUniqueIdentifier, // Requested SOP Class UID
	tag.New(0x0000, 0x0100).Uint32(): VRUnsignedShort,    // Command Field
	tag.New(0x0000, 0x0110).Uint32(): VRUnsignedShort,    // Message ID
	tag.New(0x0000, 0x0120).Uint32(): VRUnsignedShort,    // Message ID Being Responded To
	tag.New(0x0000, 0x0700).Uint32(): VRUnsignedShort,    // Priority
	tag.New(0x0000, 0x0800).Uint32(): VRUnsignedShort,    // Command Data Set Type
	tag.New(0x0000, 0x0900).Uint32(): VRUnsignedShort,    // Status
	tag.New(0x0000, 0x1000).Uint32(): VRUniqueIdentifier, // Affected SOP Instance UID
	tag.New(0x0000, 0x1001).Uint32(): VRUniqueIdentifier, // Requested SOP Instance UID
	tag.New(0x0000, 0x1002).Uint32(): VRUnsignedShort,    // Event Type ID
	tag.New(0x0000, 0x1008).Uint32(): VRUnsignedShort,    // Action Type ID

	// Storage Commitment elements (DICOM Part 3, Annex C.2, C.15)
	tag.New(0x0008, 0x1195).Uint32(): VRUniqueIdentifier, // Transaction UID
	tag.New(0x0008, 0x1199).Uint32(): VRSequence,         // Referenced SOP Sequence
	tag.New(0x0008, 0x1198).Uint32(): VRSequence,         // Failed SOP Sequence
	tag.New(0x0008, 0x1150).Uint32(): VRUniqueIdentifier, // Referenced SOP Class UID
	tag.New(0x0008, 0x1155).Uint32(): VRUniqueIdentifier, // Referenced SOP Instance UID
	tag.New(0x0008, 0x1197).Uint32(): VRUnsignedShort,    // Failure Reason
}

// lookupVR returns the VR this package knows for t, or VRUnknown.
func lookupVR(t tag.Tag) VR {
	if v, ok := vrDictionary[t.Uint32()]; ok {
		return v
	}
	return VRUnknown
}
