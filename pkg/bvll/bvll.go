// Package bvll implements the BACnet Virtual Link Layer (spec §4.2): the
// twelve BVLL functions and the three BIP role behaviors (Simple, Foreign,
// BBMD) layered over a pkg/transport.Transport.
//
// Grounded on pkg/od/parser.go's byte-keyed dispatch table for the function
// codec, and on pkg/nmt/nmt.go's processCommand/setState split for how a
// Role reacts to inbound functions while owning its own state.
package bvll

import (
	"encoding/binary"
	"fmt"
)

// Type is the fixed first octet of every BVLL message.
const Type byte = 0x81

// Function codes (spec §4.2).
type Function byte

const (
	FuncResult                       Function = 0x00
	FuncWriteBDT                     Function = 0x01
	FuncReadBDT                      Function = 0x02
	FuncReadBDTAck                   Function = 0x03
	FuncForwardedNPDU                Function = 0x04
	FuncRegisterForeignDevice        Function = 0x05
	FuncReadFDT                      Function = 0x06
	FuncReadFDTAck                   Function = 0x07
	FuncDeleteFDTEntry               Function = 0x08
	FuncDistributeBroadcastToNetwork Function = 0x09
	FuncOriginalUnicastNPDU          Function = 0x0A
	FuncOriginalBroadcastNPDU        Function = 0x0B
)

func (f Function) String() string {
	switch f {
	case FuncResult:
		return "Result"
	case FuncWriteBDT:
		return "Write-BDT"
	case FuncReadBDT:
		return "Read-BDT"
	case FuncReadBDTAck:
		return "Read-BDT-Ack"
	case FuncForwardedNPDU:
		return "Forwarded-NPDU"
	case FuncRegisterForeignDevice:
		return "Register-Foreign-Device"
	case FuncReadFDT:
		return "Read-FDT"
	case FuncReadFDTAck:
		return "Read-FDT-Ack"
	case FuncDeleteFDTEntry:
		return "Delete-FDT-Entry"
	case FuncDistributeBroadcastToNetwork:
		return "Distribute-Broadcast-to-Network"
	case FuncOriginalUnicastNPDU:
		return "Original-Unicast-NPDU"
	case FuncOriginalBroadcastNPDU:
		return "Original-Broadcast-NPDU"
	default:
		return fmt.Sprintf("Function(0x%02x)", byte(f))
	}
}

// Result codes surfaced to callers (spec §6). Opaque 16-bit integers; only
// the ones bacstack needs to compare against are named.
const (
	ResultSuccess                   uint16 = 0x0000
	ResultWriteBDTFailed            uint16 = 0x0010
	ResultReadBDTFailed             uint16 = 0x0020
	ResultRegisterForeignDeviceFail uint16 = 0x0030
	ResultReadFDTFailed             uint16 = 0x0040
	ResultDeleteFDTEntryFailed      uint16 = 0x0050
	ResultDistributeBroadcastFailed uint16 = 0x0060
)

// Message is a decoded BVLL frame: the function code and its
// function-specific payload, still undecoded at this layer except where
// the function itself carries addressing bacstack needs to route on
// (Forwarded-NPDU's originating address).
type Message struct {
	Function Function
	Payload  []byte
}

// Marshal frames a Message as type/function/length header + payload,
// exactly as spec §4.2 describes: "type=0x81, function, length (big-endian
// 16-bit)", length covering the full frame.
func (m Message) Marshal() []byte {
	total := 4 + len(m.Payload)
	buf := make([]byte, total)
	buf[0] = Type
	buf[1] = byte(m.Function)
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	copy(buf[4:], m.Payload)
	return buf
}

// Unmarshal parses a raw BVLL frame. Returns an error (never panics) on any
// malformed input, per spec §7's "drop silently" contract for inbound
// decode errors — the caller is expected to log and drop.
func Unmarshal(raw []byte) (Message, error) {
	if len(raw) < 4 {
		return Message{}, fmt.Errorf("bvll: frame too short (%d bytes)", len(raw))
	}
	if raw[0] != Type {
		return Message{}, fmt.Errorf("bvll: not a BACnet/IP frame (type=0x%02x)", raw[0])
	}
	length := binary.BigEndian.Uint16(raw[2:4])
	if int(length) != len(raw) {
		return Message{}, fmt.Errorf("bvll: length field %d does not match frame size %d", length, len(raw))
	}
	payload := make([]byte, len(raw)-4)
	copy(payload, raw[4:])
	return Message{Function: Function(raw[1]), Payload: payload}, nil
}

// EncodeResult builds a Result message payload (spec §4.2/§6).
func EncodeResult(code uint16) Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, code)
	return Message{Function: FuncResult, Payload: payload}
}

// DecodeResult extracts the result code from a Result message payload.
func DecodeResult(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("bvll: malformed Result payload (%d bytes)", len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}

// EncodeRegisterForeignDevice builds the Register-Foreign-Device payload:
// a single 16-bit TTL in seconds.
func EncodeRegisterForeignDevice(ttlSeconds uint16) Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, ttlSeconds)
	return Message{Function: FuncRegisterForeignDevice, Payload: payload}
}

// DecodeRegisterForeignDevice extracts the TTL.
func DecodeRegisterForeignDevice(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("bvll: malformed Register-Foreign-Device payload")
	}
	return binary.BigEndian.Uint16(payload), nil
}

// EncodeForwardedNPDU wraps an NPDU with the real originating 6-byte
// IP+port so the receiving BIP role can use it as the upstream source
// address (spec §4.2).
func EncodeForwardedNPDU(originatingIPPort [6]byte, npdu []byte) Message {
	payload := make([]byte, 6+len(npdu))
	copy(payload, originatingIPPort[:])
	copy(payload[6:], npdu)
	return Message{Function: FuncForwardedNPDU, Payload: payload}
}

// DecodeForwardedNPDU splits the originating address from the wrapped
// NPDU.
func DecodeForwardedNPDU(payload []byte) (origin [6]byte, npdu []byte, err error) {
	if len(payload) < 6 {
		return origin, nil, fmt.Errorf("bvll: malformed Forwarded-NPDU payload")
	}
	copy(origin[:], payload[:6])
	npdu = make([]byte, len(payload)-6)
	copy(npdu, payload[6:])
	return origin, npdu, nil
}

// EncodeDeleteFDTEntry builds a Delete-FDT-Entry payload naming the 6-byte
// IP+port of the entry to remove.
func EncodeDeleteFDTEntry(entry [6]byte) Message {
	payload := make([]byte, 6)
	copy(payload, entry[:])
	return Message{Function: FuncDeleteFDTEntry, Payload: payload}
}

// BDTEntry is one row of a Broadcast-Distribution-Table: peer IP+port and
// the broadcast distribution mask for that peer's subnet (spec §3).
type BDTEntry struct {
	IPPort [6]byte
	Mask   [4]byte
}

const bdtEntrySize = 10

// EncodeWriteBDT/EncodeReadBDTAck share the same 10-byte-per-entry wire
// format (6 bytes IP+port, 4 bytes mask).
func encodeBDT(entries []BDTEntry) []byte {
	payload := make([]byte, len(entries)*bdtEntrySize)
	for i, e := range entries {
		off := i * bdtEntrySize
		copy(payload[off:off+6], e.IPPort[:])
		copy(payload[off+6:off+10], e.Mask[:])
	}
	return payload
}

func decodeBDT(payload []byte) ([]BDTEntry, error) {
	if len(payload)%bdtEntrySize != 0 {
		return nil, fmt.Errorf("bvll: malformed BDT payload (%d bytes)", len(payload))
	}
	count := len(payload) / bdtEntrySize
	entries := make([]BDTEntry, count)
	for i := range entries {
		off := i * bdtEntrySize
		copy(entries[i].IPPort[:], payload[off:off+6])
		copy(entries[i].Mask[:], payload[off+6:off+10])
	}
	return entries, nil
}

// EncodeWriteBDT builds a Write-BDT request payload.
func EncodeWriteBDT(entries []BDTEntry) Message {
	return Message{Function: FuncWriteBDT, Payload: encodeBDT(entries)}
}

// DecodeWriteBDT / DecodeReadBDTAck parse the BDT entry list.
func DecodeWriteBDT(payload []byte) ([]BDTEntry, error) { return decodeBDT(payload) }
func DecodeReadBDTAck(payload []byte) ([]BDTEntry, error) { return decodeBDT(payload) }

// EncodeReadBDTAck builds a Read-BDT-Ack response payload.
func EncodeReadBDTAck(entries []BDTEntry) Message {
	return Message{Function: FuncReadBDTAck, Payload: encodeBDT(entries)}
}

// FDTEntry is one row of a Foreign-Device-Table as surfaced to callers:
// the registrant's IP+port, its requested TTL, and seconds remaining.
type FDTEntry struct {
	IPPort    [6]byte
	TTL       uint16
	Remaining uint16
}

const fdtEntrySize = 10

// EncodeReadFDTAck builds a Read-FDT-Ack response payload: for each entry,
// 6 bytes IP+port, 2 bytes TTL, 2 bytes remaining.
func EncodeReadFDTAck(entries []FDTEntry) Message {
	payload := make([]byte, len(entries)*fdtEntrySize)
	for i, e := range entries {
		off := i * fdtEntrySize
		copy(payload[off:off+6], e.IPPort[:])
		binary.BigEndian.PutUint16(payload[off+6:off+8], e.TTL)
		binary.BigEndian.PutUint16(payload[off+8:off+10], e.Remaining)
	}
	return Message{Function: FuncReadFDTAck, Payload: payload}
}

// DecodeReadFDTAck parses a Read-FDT-Ack payload.
func DecodeReadFDTAck(payload []byte) ([]FDTEntry, error) {
	if len(payload)%fdtEntrySize != 0 {
		return nil, fmt.Errorf("bvll: malformed FDT payload (%d bytes)", len(payload))
	}
	entries := make([]FDTEntry, len(payload)/fdtEntrySize)
	for i := range entries {
		off := i * fdtEntrySize
		copy(entries[i].IPPort[:], payload[off:off+6])
		entries[i].TTL = binary.BigEndian.Uint16(payload[off+6 : off+8])
		entries[i].Remaining = binary.BigEndian.Uint16(payload[off+8 : off+10])
	}
	return entries, nil
}

// EncodeOriginalUnicastNPDU / EncodeOriginalBroadcastNPDU /
// EncodeDistributeBroadcastToNetwork / EncodeReadBDT / EncodeReadFDT wrap a
// bare NPDU (or nothing) with their function code; these five carry no
// additional BVLL-layer fields.
func EncodeOriginalUnicastNPDU(npdu []byte) Message {
	return Message{Function: FuncOriginalUnicastNPDU, Payload: npdu}
}

func EncodeOriginalBroadcastNPDU(npdu []byte) Message {
	return Message{Function: FuncOriginalBroadcastNPDU, Payload: npdu}
}

func EncodeDistributeBroadcastToNetwork(npdu []byte) Message {
	return Message{Function: FuncDistributeBroadcastToNetwork, Payload: npdu}
}

func EncodeReadBDT() Message { return Message{Function: FuncReadBDT} }
func EncodeReadFDT() Message { return Message{Function: FuncReadFDT} }
