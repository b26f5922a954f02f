package services

import "fmt"

// WhoIs is the Who-Is unconfirmed service (spec §3.1): an optional
// device-instance range. Both limits present or both absent.
type WhoIs struct {
	LowLimit  *uint32
	HighLimit *uint32
}

func (w WhoIs) Marshal() []byte {
	if w.LowLimit == nil || w.HighLimit == nil {
		return nil
	}
	var buf []byte
	buf = AppendContextUnsigned(buf, 0, uint64(*w.LowLimit))
	buf = AppendContextUnsigned(buf, 1, uint64(*w.HighLimit))
	return buf
}

func DecodeWhoIs(raw []byte) (WhoIs, error) {
	if len(raw) == 0 {
		return WhoIs{}, nil
	}
	low, n, err := ReadContextUnsigned(raw, 0)
	if err != nil {
		return WhoIs{}, err
	}
	high, _, err := ReadContextUnsigned(raw[n:], 1)
	if err != nil {
		return WhoIs{}, err
	}
	lowV, highV := uint32(low), uint32(high)
	return WhoIs{LowLimit: &lowV, HighLimit: &highV}, nil
}

// Segmentation support values (spec §4.5's segmentedTransmit/Receive/Both).
type Segmentation uint8

const (
	SegmentationBoth Segmentation = iota
	SegmentationTransmit
	SegmentationReceive
	SegmentationNone
)

// IAm is the I-Am unconfirmed service, the device's self-announcement.
type IAm struct {
	ObjectType            uint16
	ObjectInstance        uint32
	MaxApduLength         uint32
	SegmentationSupported Segmentation
	VendorID              uint32
}

func (a IAm) Marshal() []byte {
	var buf []byte
	buf = AppendObjectID(buf, 0, a.ObjectType, a.ObjectInstance)
	buf = AppendApplicationUnsigned(buf, uint64(a.MaxApduLength))
	buf = appendTag(buf, 9, false, 1) // application tag 9 = Enumerated
	buf = append(buf, byte(a.SegmentationSupported))
	buf = AppendApplicationUnsigned(buf, uint64(a.VendorID))
	return buf
}

func DecodeIAm(raw []byte) (IAm, error) {
	objType, instance, n, err := ReadObjectID(raw, 0)
	if err != nil {
		return IAm{}, err
	}
	raw = raw[n:]

	tag, err := parseTag(raw)
	if err != nil {
		return IAm{}, err
	}
	maxApdu := decodeUnsigned(raw[tag.consumed : tag.consumed+tag.lvt])
	raw = raw[tag.consumed+tag.lvt:]

	tag, err = parseTag(raw)
	if err != nil {
		return IAm{}, err
	}
	if tag.lvt != 1 {
		return IAm{}, fmt.Errorf("services: I-Am segmentation-supported must be 1 octet")
	}
	seg := Segmentation(raw[tag.consumed])
	raw = raw[tag.consumed+1:]

	tag, err = parseTag(raw)
	if err != nil {
		return IAm{}, err
	}
	vendor := decodeUnsigned(raw[tag.consumed : tag.consumed+tag.lvt])

	return IAm{
		ObjectType:            objType,
		ObjectInstance:        instance,
		MaxApduLength:         uint32(maxApdu),
		SegmentationSupported: seg,
		VendorID:              uint32(vendor),
	}, nil
}

// WhoHas identifies a device-announced object by name or by identifier;
// exactly one of ObjectName/(ObjectType,ObjectInstance) is populated.
type WhoHas struct {
	LowLimit       *uint32
	HighLimit      *uint32
	ObjectName     string
	ObjectType     uint16
	ObjectInstance uint32
	ByName         bool
}

func (w WhoHas) Marshal() []byte {
	var buf []byte
	if w.LowLimit != nil && w.HighLimit != nil {
		buf = AppendContextUnsigned(buf, 0, uint64(*w.LowLimit))
		buf = AppendContextUnsigned(buf, 1, uint64(*w.HighLimit))
	}
	if w.ByName {
		name := []byte(w.ObjectName)
		buf = appendTag(buf, 3, true, len(name)+1)
		buf = append(buf, 0) // ANSI X3.4 character set marker
		buf = append(buf, name...)
	} else {
		buf = AppendObjectID(buf, 2, w.ObjectType, w.ObjectInstance)
	}
	return buf
}

// DecodeWhoHas parses a Who-Has body. The optional device-instance range,
// if present, is skipped over (callers rarely act on it); only the
// object-name-or-identifier selector is returned.
func DecodeWhoHas(raw []byte) (WhoHas, error) {
	if len(raw) == 0 {
		return WhoHas{}, fmt.Errorf("services: Who-Has requires an object selector")
	}
	if num, context, _, ok := PeekTagNumber(raw); ok && context && num == 0 {
		_, n, err := ReadContextUnsigned(raw, 0)
		if err != nil {
			return WhoHas{}, err
		}
		raw = raw[n:]
		_, n, err = ReadContextUnsigned(raw, 1)
		if err != nil {
			return WhoHas{}, err
		}
		raw = raw[n:]
	}
	num, context, _, ok := PeekTagNumber(raw)
	if !ok || !context {
		return WhoHas{}, fmt.Errorf("services: malformed Who-Has selector")
	}
	if num == 3 {
		tag, err := parseTag(raw)
		if err != nil {
			return WhoHas{}, err
		}
		name := raw[tag.consumed+1 : tag.consumed+tag.lvt]
		return WhoHas{ByName: true, ObjectName: string(name)}, nil
	}
	objType, instance, _, err := ReadObjectID(raw, 2)
	if err != nil {
		return WhoHas{}, err
	}
	return WhoHas{ObjectType: objType, ObjectInstance: instance}, nil
}
