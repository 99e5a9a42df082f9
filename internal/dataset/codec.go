package dataset

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/arborhealth/dicomdul/dicom/tag"
)

func encodeUint16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func decodeUint16(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("dataset: short US value (%d bytes)", len(b))
	}
	return binary.LittleEndian.Uint16(b), nil
}

// encodeString pads a string value to an even length with a trailing space,
// the DICOM convention for character string VRs.
func encodeString(s string) []byte {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, ' ')
	}
	return b
}

func decodeString(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

// itemTag and sequenceDelimiterTag are the structural tags used to frame
// undefined-length sequences (DICOM Part 5, Section 7.5).
var (
	itemTag              = tag.New(0xFFFE, 0xE000)
	itemDelimiterTag     = tag.New(0xFFFE, 0xE00D)
	sequenceDelimiterTag = tag.New(0xFFFE, 0xE0DD)
)

const undefinedLength = 0xFFFFFFFF

// EncodeImplicitVR serializes a dataset using Implicit VR Little Endian:
// each element is a 4-byte tag followed by a 4-byte length and the value.
func EncodeImplicitVR(ds *DataSet, w io.Writer) error {
	for _, e := range ds.Elements() {
		if err := writeTag(w, e.Tag); err != nil {
			return err
		}
		if e.VR == VRSequence {
			if err := binary.Write(w, binary.LittleEndian, uint32(undefinedLength)); err != nil {
				return err
			}
			for _, item := range e.Items {
				if err := writeImplicitItem(w, item); err != nil {
					return err
				}
			}
			if err := writeDelimiter(w, sequenceDelimiterTag); err != nil {
				return err
			}
			continue
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Bytes))); err != nil {
			return err
		}
		if len(e.Bytes) > 0 {
			if _, err := w.Write(e.Bytes); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeImplicitItem(w io.Writer, item *DataSet) error {
	var buf bytes.Buffer
	if err := EncodeImplicitVR(item, &buf); err != nil {
		return err
	}
	if err := writeTag(w, itemTag); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(buf.Len())); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func writeDelimiter(w io.Writer, t tag.Tag) error {
	if err := writeTag(w, t); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, uint32(0))
}

func writeTag(w io.Writer, t tag.Tag) error {
	if err := binary.Write(w, binary.LittleEndian, t.Group); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, t.Element)
}

func readTag(r io.Reader) (tag.Tag, error) {
	var group, element uint16
	if err := binary.Read(r, binary.LittleEndian, &group); err != nil {
		return tag.Tag{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &element); err != nil {
		return tag.Tag{}, err
	}
	return tag.New(group, element), nil
}

// DecodeImplicitVR parses an Implicit VR Little Endian byte stream into a
// dataset, looking up each tag's VR in the package's narrow dictionary.
func DecodeImplicitVR(r io.Reader) (*DataSet, error) {
	ds := NewDataSet()
	for {
		t, err := readTag(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: read tag: %w", err)
		}

		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("dataset: read length for %s: %w", t, err)
		}

		v := lookupVR(t)
		if v == VRSequence || length == undefinedLength {
			items, err := readUndefinedLengthSequenceImplicit(r)
			if err != nil {
				return nil, fmt.Errorf("dataset: sequence %s: %w", t, err)
			}
			if err := ds.Add(&Element{Tag: t, VR: VRSequence, Items: items}); err != nil {
				return nil, err
			}
			continue
		}

		value := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, value); err != nil {
				return nil, fmt.Errorf("dataset: read value for %s: %w", t, err)
			}
		}
		if err := ds.Add(&Element{Tag: t, VR: v, Bytes: value}); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

func readUndefinedLengthSequenceImplicit(r io.Reader) ([]*DataSet, error) {
	var items []*DataSet
	for {
		t, err := readTag(r)
		if err != nil {
			return nil, err
		}
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		if t.IsSequenceDelimiter() {
			return items, nil
		}
		if !t.IsItem() {
			return nil, fmt.Errorf("dataset: expected item tag, got %s", t)
		}
		itemBytes := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, itemBytes); err != nil {
				return nil, err
			}
		}
		item, err := DecodeImplicitVR(bytes.NewReader(itemBytes))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}

// EncodeExplicitVR serializes a dataset using Explicit VR Little Endian:
// short-form VRs (UI/SH/LO/CS/AE/US/UL) carry a 2-byte length, long-form VRs
// (SQ/OB/OW/UN) carry 2 reserved bytes and a 4-byte length.
func EncodeExplicitVR(ds *DataSet, w io.Writer) error {
	for _, e := range ds.Elements() {
		if err := writeTag(w, e.Tag); err != nil {
			return err
		}
		if _, err := w.Write([]byte(e.VR)); err != nil {
			return err
		}

		if e.VR == VRSequence {
			if _, err := w.Write([]byte{0, 0}); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(undefinedLength)); err != nil {
				return err
			}
			for _, item := range e.Items {
				if err := writeExplicitItem(w, item); err != nil {
					return err
				}
			}
			if err := writeDelimiter(w, sequenceDelimiterTag); err != nil {
				return err
			}
			continue
		}

		if e.VR.isShortForm() {
			if err := binary.Write(w, binary.LittleEndian, uint16(len(e.Bytes))); err != nil {
				return err
			}
		} else {
			if _, err := w.Write([]byte{0, 0}); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Bytes))); err != nil {
				return err
			}
		}
		if len(e.Bytes) > 0 {
			if _, err := w.Write(e.Bytes); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeExplicitItem(w io.Writer, item *DataSet) error {
	var buf bytes.Buffer
	if err := EncodeExplicitVR(item, &buf); err != nil {
		return err
	}
	if err := writeTag(w, itemTag); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(buf.Len())); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// DecodeExplicitVR parses an Explicit VR Little Endian byte stream.
func DecodeExplicitVR(r io.Reader) (*DataSet, error) {
	ds := NewDataSet()
	for {
		t, err := readTag(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: read tag: %w", err)
		}

		vrBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, vrBytes); err != nil {
			return nil, fmt.Errorf("dataset: read VR for %s: %w", t, err)
		}
		v := VR(vrBytes)

		var length uint32
		if v.isShortForm() {
			var l16 uint16
			if err := binary.Read(r, binary.LittleEndian, &l16); err != nil {
				return nil, err
			}
			length = uint32(l16)
		} else {
			if _, err := io.ReadFull(r, make([]byte, 2)); err != nil { // reserved
				return nil, err
			}
			if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
				return nil, err
			}
		}

		if v == VRSequence || length == undefinedLength {
			items, err := readUndefinedLengthSequenceExplicit(r)
			if err != nil {
				return nil, fmt.Errorf("dataset: sequence %s: %w", t, err)
			}
			if err := ds.Add(&Element{Tag: t, VR: VRSequence, Items: items}); err != nil {
				return nil, err
			}
			continue
		}

		value := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, value); err != nil {
				return nil, fmt.Errorf("dataset: read value for %s: %w", t, err)
			}
		}
		if err := ds.Add(&Element{Tag: t, VR: v, Bytes: value}); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

func readUndefinedLengthSequenceExplicit(r io.Reader) ([]*DataSet, error) {
	var items []*DataSet
	for {
		t, err := readTag(r)
		if err != nil {
			return nil, err
		}
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		if t.IsSequenceDelimiter() {
			return items, nil
		}
		if !t.IsItem() {
			return nil, fmt.Errorf("dataset: expected item tag, got %s", t)
		}
		itemBytes := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, itemBytes); err != nil {
				return nil, err
			}
		}
		item, err := DecodeExplicitVR(bytes.NewReader(itemBytes))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}
