package services

import "fmt"

// AtomicReadFile is the confirmed request body, stream-access form only
// (record access is out of scope — bacstack uses this service purely to
// exercise segmentation with realistically large payloads, per §8 scenario
// 3's large-ReadPropertyMultiple-equivalent need).
type AtomicReadFile struct {
	ObjectType     uint16
	ObjectInstance uint32
	StartPosition  int32
	RequestedCount uint32
}

func (r AtomicReadFile) Marshal() []byte {
	var buf []byte
	buf = AppendObjectID(buf, 0, r.ObjectType, r.ObjectInstance)
	buf = AppendOpeningTag(buf, 0)
	buf = AppendApplicationSigned(buf, int64(r.StartPosition))
	buf = AppendApplicationUnsigned(buf, uint64(r.RequestedCount))
	buf = AppendClosingTag(buf, 0)
	return buf
}

// AppendApplicationSigned encodes a signed integer using two's-complement,
// application tag number 3 (ASHRAE 135 clause 20.2.5).
func AppendApplicationSigned(buf []byte, value int64) []byte {
	enc := minimalSigned(value)
	buf = appendTag(buf, 3, false, len(enc))
	return append(buf, enc...)
}

func minimalSigned(value int64) []byte {
	if value >= -128 && value <= 127 {
		return []byte{byte(value)}
	}
	full := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		full[i] = byte(value)
		value >>= 8
	}
	// Trim leading bytes that are pure sign extension.
	i := 0
	for i < 7 {
		sign := full[i] == 0xFF
		nextSign := full[i+1]&0x80 != 0
		if sign && nextSign {
			i++
			continue
		}
		zero := full[i] == 0x00
		nextZero := full[i+1]&0x80 == 0
		if zero && nextZero {
			i++
			continue
		}
		break
	}
	return full[i:]
}

func DecodeAtomicReadFile(raw []byte) (AtomicReadFile, error) {
	objType, instance, n, err := ReadObjectID(raw, 0)
	if err != nil {
		return AtomicReadFile{}, err
	}
	raw = raw[n:]
	inner, _, err := extractBracketed(raw, 0)
	if err != nil {
		return AtomicReadFile{}, err
	}
	tag, err := parseTag(inner)
	if err != nil {
		return AtomicReadFile{}, err
	}
	start := decodeSigned(inner[tag.consumed : tag.consumed+tag.lvt])
	inner = inner[tag.consumed+tag.lvt:]
	tag, err = parseTag(inner)
	if err != nil {
		return AtomicReadFile{}, err
	}
	count := decodeUnsigned(inner[tag.consumed : tag.consumed+tag.lvt])
	return AtomicReadFile{
		ObjectType:     objType,
		ObjectInstance: instance,
		StartPosition:  int32(start),
		RequestedCount: uint32(count),
	}, nil
}

func decodeSigned(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	v := int64(int8(b[0]))
	for _, by := range b[1:] {
		v = v<<8 | int64(by)
	}
	return v
}

// AtomicReadFileAck is the ComplexAck body.
type AtomicReadFileAck struct {
	EndOfFile bool
	Data      []byte
}

func (a AtomicReadFileAck) Marshal() []byte {
	buf := []byte{boolAppTag(a.EndOfFile)}
	buf = AppendOpeningTag(buf, 0)
	buf = appendTag(buf, 5, false, len(a.Data)) // application tag 5 = Octet String
	buf = append(buf, a.Data...)
	buf = AppendClosingTag(buf, 0)
	return buf
}

func boolAppTag(v bool) byte {
	if v {
		return 0x11 // application tag 1 (Boolean), length/value 1
	}
	return 0x10
}

func DecodeAtomicReadFileAck(raw []byte) (AtomicReadFileAck, error) {
	if len(raw) < 1 {
		return AtomicReadFileAck{}, shortTag()
	}
	eof := raw[0]&0x07 == 1
	raw = raw[1:]
	inner, _, err := extractBracketed(raw, 0)
	if err != nil {
		return AtomicReadFileAck{}, err
	}
	tag, err := parseTag(inner)
	if err != nil {
		return AtomicReadFileAck{}, err
	}
	return AtomicReadFileAck{EndOfFile: eof, Data: inner[tag.consumed : tag.consumed+tag.lvt]}, nil
}

// AtomicWriteFile is the confirmed request body.
type AtomicWriteFile struct {
	ObjectType     uint16
	ObjectInstance uint32
	StartPosition  int32
	Data           []byte
}

func (w AtomicWriteFile) Marshal() []byte {
	var buf []byte
	buf = AppendObjectID(buf, 0, w.ObjectType, w.ObjectInstance)
	buf = AppendOpeningTag(buf, 0)
	buf = AppendApplicationSigned(buf, int64(w.StartPosition))
	buf = appendTag(buf, 5, false, len(w.Data))
	buf = append(buf, w.Data...)
	buf = AppendClosingTag(buf, 0)
	return buf
}

func DecodeAtomicWriteFile(raw []byte) (AtomicWriteFile, error) {
	objType, instance, n, err := ReadObjectID(raw, 0)
	if err != nil {
		return AtomicWriteFile{}, err
	}
	raw = raw[n:]
	inner, _, err := extractBracketed(raw, 0)
	if err != nil {
		return AtomicWriteFile{}, err
	}
	tag, err := parseTag(inner)
	if err != nil {
		return AtomicWriteFile{}, err
	}
	start := decodeSigned(inner[tag.consumed : tag.consumed+tag.lvt])
	inner = inner[tag.consumed+tag.lvt:]
	tag, err = parseTag(inner)
	if err != nil {
		return AtomicWriteFile{}, err
	}
	if len(inner) < tag.consumed+tag.lvt {
		return AtomicWriteFile{}, fmt.Errorf("services: AtomicWriteFile data truncated")
	}
	return AtomicWriteFile{
		ObjectType:     objType,
		ObjectInstance: instance,
		StartPosition:  int32(start),
		Data:           inner[tag.consumed : tag.consumed+tag.lvt],
	}, nil
}

// AtomicWriteFileAck carries just the resulting start position.
type AtomicWriteFileAck struct {
	StartPosition int32
}

func (a AtomicWriteFileAck) Marshal() []byte {
	return AppendApplicationSigned(nil, int64(a.StartPosition))
}

func DecodeAtomicWriteFileAck(raw []byte) (AtomicWriteFileAck, error) {
	tag, err := parseTag(raw)
	if err != nil {
		return AtomicWriteFileAck{}, err
	}
	return AtomicWriteFileAck{StartPosition: int32(decodeSigned(raw[tag.consumed : tag.consumed+tag.lvt]))}, nil
}
