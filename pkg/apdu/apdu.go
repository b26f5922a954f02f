// Package apdu encodes and decodes the eight BACnet application-layer PDU
// types (spec §4.4) and their shared APCI fields.
package apdu

import (
	"fmt"

	"github.com/hlv-io/bacstack/pkg/bacnet"
)

// Type is the 3-bit apdu_type field packed into the high nibble of the
// first octet of every APDU.
type Type uint8

const (
	TypeConfirmedRequest Type = iota
	TypeUnconfirmedRequest
	TypeSimpleAck
	TypeComplexAck
	TypeSegmentAck
	TypeError
	TypeReject
	TypeAbort
)

func (t Type) String() string {
	switch t {
	case TypeConfirmedRequest:
		return "ConfirmedRequest"
	case TypeUnconfirmedRequest:
		return "UnconfirmedRequest"
	case TypeSimpleAck:
		return "SimpleAck"
	case TypeComplexAck:
		return "ComplexAck"
	case TypeSegmentAck:
		return "SegmentAck"
	case TypeError:
		return "Error"
	case TypeReject:
		return "Reject"
	case TypeAbort:
		return "Abort"
	default:
		return "Unknown"
	}
}

// maxApduTable implements spec §4.4's encoded max_apdu_length_accepted
// lookup; max_segments_accepted is computed by EncodeMaxSegments/
// DecodeMaxSegments, where encoded 0 means "unspecified" (no upper bound
// advertised).
var maxApduTable = [6]int{50, 128, 206, 480, 1024, 1476}

// EncodeMaxSegments packs a segment count into the 3-bit field: 0 stays
// "unspecified", otherwise the smallest n with 1<<n >= count, capped at 7
// ("more than 64").
func EncodeMaxSegments(count int) uint8 {
	if count <= 0 {
		return 0
	}
	for n := uint8(1); n < 7; n++ {
		if 1<<n >= count {
			return n
		}
	}
	return 7
}

// DecodeMaxSegments returns 0 for "unspecified", else 1<<n (n in 1..6), or
// 128 meaning "more than 64" for n==7, per spec §4.4.
func DecodeMaxSegments(n uint8) int {
	switch {
	case n == 0:
		return 0
	case n == 7:
		return 128
	default:
		return 1 << n
	}
}

// EncodeMaxApdu returns the table index whose capacity is >= length, or an
// error if length exceeds the largest supported size (1476).
func EncodeMaxApdu(length int) (uint8, error) {
	for i, size := range maxApduTable {
		if length <= size {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("apdu: %d exceeds max apdu length 1476", length)
}

// DecodeMaxApdu looks up the encoded index; DecodingError on an out-of-range
// value (spec §4.4: "Any out-of-range value fails with DecodingError").
func DecodeMaxApdu(n uint8) (int, error) {
	if int(n) >= len(maxApduTable) {
		return 0, &bacnet.DecodingError{Layer: "apdu", Err: fmt.Errorf("max_apdu_length_accepted index %d out of range", n)}
	}
	return maxApduTable[n], nil
}

// ConfirmedRequest is the decoded form of apdu_type 0.
type ConfirmedRequest struct {
	Segmented            bool
	MoreFollows           bool
	SegmentedResponseAccepted bool
	MaxSegments           uint8 // encoded 0..7
	MaxApdu               uint8 // encoded 0..5
	InvokeID              uint8
	SequenceNumber        uint8 // valid iff Segmented
	WindowSize            uint8 // valid iff Segmented
	ServiceChoice         uint8
	ServiceData           []byte
}

func (r ConfirmedRequest) Marshal() []byte {
	first := byte(TypeConfirmedRequest) << 4
	if r.Segmented {
		first |= 0x08
	}
	if r.MoreFollows {
		first |= 0x04
	}
	if r.SegmentedResponseAccepted {
		first |= 0x02
	}
	buf := []byte{first, r.MaxSegments<<4 | r.MaxApdu, r.InvokeID}
	if r.Segmented {
		buf = append(buf, r.SequenceNumber, r.WindowSize)
	}
	buf = append(buf, r.ServiceChoice)
	return append(buf, r.ServiceData...)
}

func decodeConfirmedRequest(raw []byte) (ConfirmedRequest, error) {
	if len(raw) < 3 {
		return ConfirmedRequest{}, shortFrame("ConfirmedRequest")
	}
	r := ConfirmedRequest{
		Segmented:                 raw[0]&0x08 != 0,
		MoreFollows:               raw[0]&0x04 != 0,
		SegmentedResponseAccepted: raw[0]&0x02 != 0,
		MaxSegments:               raw[1] >> 4,
		MaxApdu:                   raw[1] & 0x0F,
		InvokeID:                  raw[2],
	}
	cursor := 3
	if r.Segmented {
		if len(raw) < cursor+2 {
			return ConfirmedRequest{}, shortFrame("ConfirmedRequest segmentation header")
		}
		r.SequenceNumber = raw[cursor]
		r.WindowSize = raw[cursor+1]
		cursor += 2
	}
	if len(raw) < cursor+1 {
		return ConfirmedRequest{}, shortFrame("ConfirmedRequest service choice")
	}
	r.ServiceChoice = raw[cursor]
	r.ServiceData = cloneBytes(raw[cursor+1:])
	return r, nil
}

// UnconfirmedRequest is apdu_type 1.
type UnconfirmedRequest struct {
	ServiceChoice uint8
	ServiceData   []byte
}

func (r UnconfirmedRequest) Marshal() []byte {
	buf := []byte{byte(TypeUnconfirmedRequest) << 4, r.ServiceChoice}
	return append(buf, r.ServiceData...)
}

func decodeUnconfirmedRequest(raw []byte) (UnconfirmedRequest, error) {
	if len(raw) < 2 {
		return UnconfirmedRequest{}, shortFrame("UnconfirmedRequest")
	}
	return UnconfirmedRequest{ServiceChoice: raw[1], ServiceData: cloneBytes(raw[2:])}, nil
}

// SimpleAck is apdu_type 2.
type SimpleAck struct {
	InvokeID      uint8
	ServiceChoice uint8
}

func (a SimpleAck) Marshal() []byte {
	return []byte{byte(TypeSimpleAck) << 4, a.InvokeID, a.ServiceChoice}
}

func decodeSimpleAck(raw []byte) (SimpleAck, error) {
	if len(raw) < 3 {
		return SimpleAck{}, shortFrame("SimpleAck")
	}
	return SimpleAck{InvokeID: raw[1], ServiceChoice: raw[2]}, nil
}

// ComplexAck is apdu_type 3.
type ComplexAck struct {
	Segmented      bool
	MoreFollows    bool
	InvokeID       uint8
	SequenceNumber uint8
	WindowSize     uint8
	ServiceChoice  uint8
	ServiceData    []byte
}

func (a ComplexAck) Marshal() []byte {
	first := byte(TypeComplexAck) << 4
	if a.Segmented {
		first |= 0x08
	}
	if a.MoreFollows {
		first |= 0x04
	}
	buf := []byte{first, a.InvokeID}
	if a.Segmented {
		buf = append(buf, a.SequenceNumber, a.WindowSize)
	}
	buf = append(buf, a.ServiceChoice)
	return append(buf, a.ServiceData...)
}

func decodeComplexAck(raw []byte) (ComplexAck, error) {
	if len(raw) < 2 {
		return ComplexAck{}, shortFrame("ComplexAck")
	}
	a := ComplexAck{
		Segmented:   raw[0]&0x08 != 0,
		MoreFollows: raw[0]&0x04 != 0,
		InvokeID:    raw[1],
	}
	cursor := 2
	if a.Segmented {
		if len(raw) < cursor+2 {
			return ComplexAck{}, shortFrame("ComplexAck segmentation header")
		}
		a.SequenceNumber = raw[cursor]
		a.WindowSize = raw[cursor+1]
		cursor += 2
	}
	if len(raw) < cursor+1 {
		return ComplexAck{}, shortFrame("ComplexAck service choice")
	}
	a.ServiceChoice = raw[cursor]
	a.ServiceData = cloneBytes(raw[cursor+1:])
	return a, nil
}

// SegmentAck is apdu_type 4.
type SegmentAck struct {
	NegativeAck    bool
	SentByServer   bool
	InvokeID       uint8
	SequenceNumber uint8
	WindowSize     uint8
}

func (a SegmentAck) Marshal() []byte {
	first := byte(TypeSegmentAck) << 4
	if a.NegativeAck {
		first |= 0x02
	}
	if a.SentByServer {
		first |= 0x01
	}
	return []byte{first, a.InvokeID, a.SequenceNumber, a.WindowSize}
}

func decodeSegmentAck(raw []byte) (SegmentAck, error) {
	if len(raw) < 4 {
		return SegmentAck{}, shortFrame("SegmentAck")
	}
	return SegmentAck{
		NegativeAck:    raw[0]&0x02 != 0,
		SentByServer:   raw[0]&0x01 != 0,
		InvokeID:       raw[1],
		SequenceNumber: raw[2],
		WindowSize:     raw[3],
	}, nil
}

// ErrorPDU is apdu_type 5 (named to avoid colliding with the "Error"
// built-in verb).
type ErrorPDU struct {
	InvokeID      uint8
	ServiceChoice uint8
	ErrorData     []byte
}

func (e ErrorPDU) Marshal() []byte {
	buf := []byte{byte(TypeError) << 4, e.InvokeID, e.ServiceChoice}
	return append(buf, e.ErrorData...)
}

func decodeError(raw []byte) (ErrorPDU, error) {
	if len(raw) < 3 {
		return ErrorPDU{}, shortFrame("Error")
	}
	return ErrorPDU{InvokeID: raw[1], ServiceChoice: raw[2], ErrorData: cloneBytes(raw[3:])}, nil
}

// Reject is apdu_type 6.
type Reject struct {
	InvokeID uint8
	Reason   bacnet.RejectReason
}

func (r Reject) Marshal() []byte {
	return []byte{byte(TypeReject) << 4, r.InvokeID, byte(r.Reason)}
}

func decodeReject(raw []byte) (Reject, error) {
	if len(raw) < 3 {
		return Reject{}, shortFrame("Reject")
	}
	return Reject{InvokeID: raw[1], Reason: bacnet.RejectReason(raw[2])}, nil
}

// Abort is apdu_type 7.
type Abort struct {
	SentByServer bool
	InvokeID     uint8
	Reason       bacnet.AbortReason
}

func (a Abort) Marshal() []byte {
	first := byte(TypeAbort) << 4
	if a.SentByServer {
		first |= 0x01
	}
	return []byte{first, a.InvokeID, byte(a.Reason)}
}

func decodeAbort(raw []byte) (Abort, error) {
	if len(raw) < 3 {
		return Abort{}, shortFrame("Abort")
	}
	return Abort{SentByServer: raw[0]&0x01 != 0, InvokeID: raw[1], Reason: bacnet.AbortReason(raw[2])}, nil
}

// PeekType reads the apdu_type out of the first octet without decoding the
// rest of the frame; used by the transaction registry to route an inbound
// frame before fully parsing it.
func PeekType(raw []byte) (Type, error) {
	if len(raw) < 1 {
		return 0, shortFrame("apdu")
	}
	return Type(raw[0] >> 4), nil
}

// Decode dispatches on the apdu_type nibble and returns one of the eight
// typed structs above as an interface{}; callers type-switch on the result.
// Grounded on pkg/od/parser.go's type-byte dispatch table.
func Decode(raw []byte) (interface{}, error) {
	t, err := PeekType(raw)
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeConfirmedRequest:
		return decodeConfirmedRequest(raw)
	case TypeUnconfirmedRequest:
		return decodeUnconfirmedRequest(raw)
	case TypeSimpleAck:
		return decodeSimpleAck(raw)
	case TypeComplexAck:
		return decodeComplexAck(raw)
	case TypeSegmentAck:
		return decodeSegmentAck(raw)
	case TypeError:
		return decodeError(raw)
	case TypeReject:
		return decodeReject(raw)
	case TypeAbort:
		return decodeAbort(raw)
	default:
		return nil, &bacnet.DecodingError{Layer: "apdu", Err: fmt.Errorf("unknown apdu_type %d", t)}
	}
}

func shortFrame(what string) error {
	return &bacnet.DecodingError{Layer: "apdu", Err: fmt.Errorf("%s: frame too short", what)}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
