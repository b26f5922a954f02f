// Package services holds the small set of BACnet service payload
// readers/writers bacstack needs to exercise the dispatcher end-to-end
// (spec §4.6, §7's opaque-payload boundary). It is not a property/object
// model: values read off ReadProperty/WriteProperty stay opaque byte blobs.
package services

import (
	"encoding/binary"
	"fmt"

	"github.com/hlv-io/bacstack/pkg/bacnet"
)

// Minimal ASHRAE 135 clause 20.2 tag codec: enough to read/write the
// context-tagged unsigned integers, enumerateds, and object identifiers
// that Who-Is/I-Am/ReadProperty/WriteProperty headers use. No example repo
// in the pack implements a BACnet tag codec, so this is stdlib
// encoding/binary only, grounded on the tag layout described in
// original_source/bacpypes (apdu/apci.py's neighboring primitivedata
// encoding convention) rather than on a third-party library.

const (
	tagClassApplication = 0
	tagClassContext     = 1
	tagOpening          = 6
	tagClosing          = 7
)

func appendTag(buf []byte, tagNumber int, context bool, lvt int) []byte {
	class := 0
	if context {
		class = 1
	}
	first := byte(class<<3) & 0x08
	if tagNumber <= 14 {
		first |= byte(tagNumber) << 4
	} else {
		first |= 0xF0
	}
	if lvt <= 4 {
		first |= byte(lvt)
	} else {
		first |= 5
	}
	buf = append(buf, first)
	if tagNumber > 14 {
		buf = append(buf, byte(tagNumber))
	}
	if lvt > 4 {
		if lvt < 254 {
			buf = append(buf, byte(lvt))
		} else {
			buf = append(buf, 254, byte(lvt>>8), byte(lvt))
		}
	}
	return buf
}

// AppendOpeningTag/AppendClosingTag bracket a constructed context-tagged
// value (e.g. an object-identifier-and-property-reference list).
func AppendOpeningTag(buf []byte, tagNumber int) []byte {
	return appendBracketTag(buf, tagNumber, tagOpening)
}

func AppendClosingTag(buf []byte, tagNumber int) []byte {
	return appendBracketTag(buf, tagNumber, tagClosing)
}

// appendBracketTag writes a context opening (6) or closing (7) tag with the
// marker in the length/value/type bits themselves, the form parseTag reads
// back as opening/closing (not as an extended length).
func appendBracketTag(buf []byte, tagNumber int, marker int) []byte {
	first := byte(0x08 | marker)
	if tagNumber <= 14 {
		return append(buf, first|byte(tagNumber)<<4)
	}
	return append(buf, first|0xF0, byte(tagNumber))
}

// AppendContextUnsigned encodes value as a context-tagged unsigned integer
// using the minimum number of octets.
func AppendContextUnsigned(buf []byte, tagNumber int, value uint64) []byte {
	enc := minimalUnsigned(value)
	buf = appendTag(buf, tagNumber, true, len(enc))
	return append(buf, enc...)
}

// AppendApplicationUnsigned is the application-tagged (class 0) equivalent.
func AppendApplicationUnsigned(buf []byte, value uint64) []byte {
	enc := minimalUnsigned(value)
	buf = appendTag(buf, 2, false, len(enc)) // application tag number 2 = Unsigned Integer
	return append(buf, enc...)
}

func minimalUnsigned(value uint64) []byte {
	full := make([]byte, 8)
	binary.BigEndian.PutUint64(full, value)
	i := 0
	for i < 7 && full[i] == 0 {
		i++
	}
	return full[i:]
}

// AppendObjectID encodes a BACnet object identifier (type in the high 10
// bits, instance in the low 22) as a context-tagged 4-octet value.
func AppendObjectID(buf []byte, tagNumber int, objType uint16, instance uint32) []byte {
	packed := (uint32(objType)&0x3FF)<<22 | (instance & 0x3FFFFF)
	buf = appendTag(buf, tagNumber, true, 4)
	enc := make([]byte, 4)
	binary.BigEndian.PutUint32(enc, packed)
	return append(buf, enc...)
}

// decodedTag is one parsed tag header.
type decodedTag struct {
	number   int
	context  bool
	lvt      int
	opening  bool
	closing  bool
	consumed int
}

func parseTag(raw []byte) (decodedTag, error) {
	if len(raw) < 1 {
		return decodedTag{}, shortTag()
	}
	first := raw[0]
	t := decodedTag{
		number:  int(first >> 4),
		context: first&0x08 != 0,
	}
	cursor := 1
	if t.number == 0x0F {
		if len(raw) < 2 {
			return decodedTag{}, shortTag()
		}
		t.number = int(raw[1])
		cursor++
	}
	lvt := int(first & 0x07)
	switch lvt {
	case tagOpening:
		t.opening = true
	case tagClosing:
		t.closing = true
	case 5:
		if len(raw) < cursor+1 {
			return decodedTag{}, shortTag()
		}
		if raw[cursor] < 254 {
			lvt = int(raw[cursor])
			cursor++
		} else {
			if len(raw) < cursor+3 {
				return decodedTag{}, shortTag()
			}
			lvt = int(binary.BigEndian.Uint16(raw[cursor+1 : cursor+3]))
			cursor += 3
		}
		t.lvt = lvt
	default:
		t.lvt = lvt
	}
	t.consumed = cursor
	return t, nil
}

// ReadContextUnsigned parses a context-tagged unsigned integer expected to
// carry tagNumber, returning the value and total bytes consumed (tag +
// data).
func ReadContextUnsigned(raw []byte, tagNumber int) (uint64, int, error) {
	tag, err := parseTag(raw)
	if err != nil {
		return 0, 0, err
	}
	if !tag.context || tag.number != tagNumber {
		return 0, 0, fmt.Errorf("services: expected context tag %d, got number=%d context=%v", tagNumber, tag.number, tag.context)
	}
	end := tag.consumed + tag.lvt
	if len(raw) < end {
		return 0, 0, shortTag()
	}
	return decodeUnsigned(raw[tag.consumed:end]), end, nil
}

func decodeUnsigned(b []byte) uint64 {
	var v uint64
	for _, by := range b {
		v = v<<8 | uint64(by)
	}
	return v
}

// ReadObjectID parses a context-tagged object identifier.
func ReadObjectID(raw []byte, tagNumber int) (objType uint16, instance uint32, consumed int, err error) {
	tag, err := parseTag(raw)
	if err != nil {
		return 0, 0, 0, err
	}
	if !tag.context || tag.number != tagNumber || tag.lvt != 4 {
		return 0, 0, 0, fmt.Errorf("services: expected 4-octet object-id context tag %d", tagNumber)
	}
	end := tag.consumed + 4
	if len(raw) < end {
		return 0, 0, 0, shortTag()
	}
	packed := binary.BigEndian.Uint32(raw[tag.consumed:end])
	return uint16(packed >> 22), packed & 0x3FFFFF, end, nil
}

// PeekTagNumber reports the next tag's (number, context, isClosing)
// without consuming it, so a caller can decide whether an optional field
// is present.
func PeekTagNumber(raw []byte) (number int, context bool, closing bool, ok bool) {
	tag, err := parseTag(raw)
	if err != nil {
		return 0, false, false, false
	}
	return tag.number, tag.context, tag.closing, true
}

func shortTag() error {
	return &bacnet.DecodingError{Layer: "apdu/services", Err: fmt.Errorf("truncated tag")}
}
