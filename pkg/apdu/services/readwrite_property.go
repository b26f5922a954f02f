package services

import "fmt"

// ReadProperty is the confirmed ReadProperty request body (spec §3.1).
type ReadProperty struct {
	ObjectType     uint16
	ObjectInstance uint32
	PropertyID     uint32
	ArrayIndex     *uint32
}

func (r ReadProperty) Marshal() []byte {
	var buf []byte
	buf = AppendObjectID(buf, 0, r.ObjectType, r.ObjectInstance)
	buf = AppendContextUnsigned(buf, 1, uint64(r.PropertyID))
	if r.ArrayIndex != nil {
		buf = AppendContextUnsigned(buf, 2, uint64(*r.ArrayIndex))
	}
	return buf
}

func DecodeReadProperty(raw []byte) (ReadProperty, error) {
	objType, instance, n, err := ReadObjectID(raw, 0)
	if err != nil {
		return ReadProperty{}, err
	}
	raw = raw[n:]
	prop, n, err := ReadContextUnsigned(raw, 1)
	if err != nil {
		return ReadProperty{}, err
	}
	raw = raw[n:]
	r := ReadProperty{ObjectType: objType, ObjectInstance: instance, PropertyID: uint32(prop)}
	if len(raw) > 0 {
		idx, _, err := ReadContextUnsigned(raw, 2)
		if err == nil {
			idxV := uint32(idx)
			r.ArrayIndex = &idxV
		}
	}
	return r, nil
}

// ReadPropertyAck is the ComplexAck body: the value is left as the opaque
// application-tagged blob the caller's handler produced (spec §1's
// object-model boundary).
type ReadPropertyAck struct {
	ObjectType     uint16
	ObjectInstance uint32
	PropertyID     uint32
	ArrayIndex     *uint32
	Value          []byte // already application-tag-encoded, opaque here
}

func (a ReadPropertyAck) Marshal() []byte {
	var buf []byte
	buf = AppendObjectID(buf, 0, a.ObjectType, a.ObjectInstance)
	buf = AppendContextUnsigned(buf, 1, uint64(a.PropertyID))
	if a.ArrayIndex != nil {
		buf = AppendContextUnsigned(buf, 2, uint64(*a.ArrayIndex))
	}
	buf = AppendOpeningTag(buf, 3)
	buf = append(buf, a.Value...)
	buf = AppendClosingTag(buf, 3)
	return buf
}

func DecodeReadPropertyAck(raw []byte) (ReadPropertyAck, error) {
	objType, instance, n, err := ReadObjectID(raw, 0)
	if err != nil {
		return ReadPropertyAck{}, err
	}
	raw = raw[n:]
	prop, n, err := ReadContextUnsigned(raw, 1)
	if err != nil {
		return ReadPropertyAck{}, err
	}
	raw = raw[n:]

	ack := ReadPropertyAck{ObjectType: objType, ObjectInstance: instance, PropertyID: uint32(prop)}
	if num, context, _, ok := PeekTagNumber(raw); ok && context && num == 2 {
		idx, n2, err := ReadContextUnsigned(raw, 2)
		if err != nil {
			return ReadPropertyAck{}, err
		}
		idxV := uint32(idx)
		ack.ArrayIndex = &idxV
		raw = raw[n2:]
	}
	value, _, err := extractBracketed(raw, 3)
	if err != nil {
		return ReadPropertyAck{}, err
	}
	ack.Value = value
	return ack, nil
}

// extractBracketed pulls the bytes between a context opening/closing tag
// pair numbered tagNumber out of raw, returning the inner bytes and
// whatever followed the closing tag.
func extractBracketed(raw []byte, tagNumber int) (inner []byte, rest []byte, err error) {
	open, err := parseTag(raw)
	if err != nil {
		return nil, nil, err
	}
	if !open.opening || open.number != tagNumber {
		return nil, nil, fmt.Errorf("services: expected opening tag %d", tagNumber)
	}
	depth := 1
	cursor := open.consumed
	start := cursor
	for depth > 0 {
		if cursor >= len(raw) {
			return nil, nil, shortTag()
		}
		tag, err := parseTag(raw[cursor:])
		if err != nil {
			return nil, nil, err
		}
		switch {
		case tag.opening:
			depth++
			cursor += tag.consumed
		case tag.closing:
			depth--
			if depth == 0 {
				inner = raw[start:cursor]
				cursor += tag.consumed
			} else {
				cursor += tag.consumed
			}
		default:
			cursor += tag.consumed + tag.lvt
		}
	}
	return inner, raw[cursor:], nil
}

// WriteProperty is the confirmed WriteProperty request body.
type WriteProperty struct {
	ObjectType     uint16
	ObjectInstance uint32
	PropertyID     uint32
	ArrayIndex     *uint32
	Value          []byte // opaque application-tagged value
	Priority       *uint8
}

func (w WriteProperty) Marshal() []byte {
	var buf []byte
	buf = AppendObjectID(buf, 0, w.ObjectType, w.ObjectInstance)
	buf = AppendContextUnsigned(buf, 1, uint64(w.PropertyID))
	if w.ArrayIndex != nil {
		buf = AppendContextUnsigned(buf, 2, uint64(*w.ArrayIndex))
	}
	buf = AppendOpeningTag(buf, 3)
	buf = append(buf, w.Value...)
	buf = AppendClosingTag(buf, 3)
	if w.Priority != nil {
		buf = AppendContextUnsigned(buf, 4, uint64(*w.Priority))
	}
	return buf
}

func DecodeWriteProperty(raw []byte) (WriteProperty, error) {
	objType, instance, n, err := ReadObjectID(raw, 0)
	if err != nil {
		return WriteProperty{}, err
	}
	raw = raw[n:]
	prop, n, err := ReadContextUnsigned(raw, 1)
	if err != nil {
		return WriteProperty{}, err
	}
	raw = raw[n:]

	w := WriteProperty{ObjectType: objType, ObjectInstance: instance, PropertyID: uint32(prop)}
	if num, context, _, ok := PeekTagNumber(raw); ok && context && num == 2 {
		idx, n2, err := ReadContextUnsigned(raw, 2)
		if err != nil {
			return WriteProperty{}, err
		}
		idxV := uint32(idx)
		w.ArrayIndex = &idxV
		raw = raw[n2:]
	}
	value, rest, err := extractBracketed(raw, 3)
	if err != nil {
		return WriteProperty{}, err
	}
	w.Value = value
	if len(rest) > 0 {
		prio, _, err := ReadContextUnsigned(rest, 4)
		if err == nil {
			prioV := uint8(prio)
			w.Priority = &prioV
		}
	}
	return w, nil
}
