// Package npdu implements the BACnet network layer (spec §4.3): NPCI
// encode/decode and the NSAP routing service access point (adapters,
// router info cache, pending-PDU queue).
package npdu

import (
	"encoding/binary"
	"fmt"

	"github.com/hlv-io/bacstack/pkg/bacnet"
)

// Version is the only NPCI version this stack speaks (spec §3).
const Version uint8 = 1

// Control octet bit positions (ASHRAE 135 clause 6.2).
const (
	ctrlNetworkMessage  = 1 << 7
	ctrlDestPresent     = 1 << 5
	ctrlSrcPresent      = 1 << 3
	ctrlExpectingReply  = 1 << 2
	ctrlPriorityMask    = 0x03
)

// Priority levels (2-bit field, spec §3).
const (
	PriorityNormal               uint8 = 0
	PriorityUrgent               uint8 = 1
	PriorityCriticalEquipment    uint8 = 2
	PriorityLifeSafety           uint8 = 3
)

// Network layer message types this stack understands for routing (spec
// §4.3). Others are decoded generically and passed through as opaque
// payload for a caller that cares about them.
const (
	NetMsgWhoIsRouterToNetwork  uint8 = 0x00
	NetMsgIAmRouterToNetwork    uint8 = 0x01
	NetMsgICouldBeRouterTo      uint8 = 0x02
	NetMsgRejectMessageToNet    uint8 = 0x03
	NetMsgRouterBusyToNetwork   uint8 = 0x04
	NetMsgRouterAvailableToNet  uint8 = 0x05
	NetMsgInitRTTable           uint8 = 0x06
	NetMsgInitRTTableAck        uint8 = 0x07
	NetMsgEstablishConnTo       uint8 = 0x08
	NetMsgDisconnectConnTo      uint8 = 0x09
)

// NPCI is the decoded network-layer header (spec §3).
type NPCI struct {
	Version          uint8
	IsNetworkMessage bool
	ExpectingReply   bool
	Priority         uint8

	// Destination is set only for RemoteStation/RemoteBroadcast/
	// GlobalBroadcast. HopCount is meaningful only when Destination is set.
	Destination *bacnet.Address
	HopCount    uint8

	// Source is set only for RemoteStation; spec §3 forbids a broadcast
	// SADR.
	Source *bacnet.Address

	NetMessageType uint8
	VendorID       uint16
}

// Encode serializes the NPCI header followed by payload (the network-layer
// message body, or the APDU) into a single NPDU byte slice.
func Encode(npci NPCI, payload []byte) ([]byte, error) {
	if npci.Source != nil && npci.Source.IsBroadcast() {
		return nil, fmt.Errorf("npdu: SADR must not be a broadcast address")
	}

	control := byte(0)
	if npci.IsNetworkMessage {
		control |= ctrlNetworkMessage
	}
	if npci.Destination != nil {
		control |= ctrlDestPresent
	}
	if npci.Source != nil {
		control |= ctrlSrcPresent
	}
	if npci.ExpectingReply {
		control |= ctrlExpectingReply
	}
	control |= npci.Priority & ctrlPriorityMask

	buf := []byte{npci.Version, control}

	if npci.Destination != nil {
		dnet, dadr, err := destFields(*npci.Destination)
		if err != nil {
			return nil, err
		}
		buf = appendNetAddr(buf, dnet, dadr)
	}
	if npci.Source != nil {
		snet, sadr, err := srcFields(*npci.Source)
		if err != nil {
			return nil, err
		}
		buf = appendNetAddr(buf, snet, sadr)
	}
	if npci.Destination != nil {
		buf = append(buf, npci.HopCount)
	}
	if npci.IsNetworkMessage {
		buf = append(buf, npci.NetMessageType)
		if npci.NetMessageType >= 0x80 {
			vendor := make([]byte, 2)
			binary.BigEndian.PutUint16(vendor, npci.VendorID)
			buf = append(buf, vendor...)
		}
	}
	buf = append(buf, payload...)
	return buf, nil
}

func destFields(addr bacnet.Address) (uint16, []byte, error) {
	switch addr.Kind {
	case bacnet.KindGlobalBroadcast:
		return bacnet.NetworkGlobal, nil, nil
	case bacnet.KindRemoteBroadcast:
		return addr.Net, nil, nil
	case bacnet.KindRemoteStation:
		return addr.Net, addr.Adr, nil
	default:
		return 0, nil, fmt.Errorf("npdu: %s is not a valid DADR", addr.Kind)
	}
}

func srcFields(addr bacnet.Address) (uint16, []byte, error) {
	if addr.Kind != bacnet.KindRemoteStation {
		return 0, nil, fmt.Errorf("npdu: %s is not a valid SADR", addr.Kind)
	}
	return addr.Net, addr.Adr, nil
}

func appendNetAddr(buf []byte, net_ uint16, adr []byte) []byte {
	netBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(netBytes, net_)
	buf = append(buf, netBytes...)
	buf = append(buf, byte(len(adr)))
	buf = append(buf, adr...)
	return buf
}

// Decode parses an NPCI header off raw and returns the header plus the
// remaining payload bytes. Rejects version mismatches and broadcast SADRs
// per spec §4.3/§3.
func Decode(raw []byte) (NPCI, []byte, error) {
	if len(raw) < 2 {
		return NPCI{}, nil, fmt.Errorf("npdu: frame too short")
	}
	version := raw[0]
	if version != Version {
		return NPCI{}, nil, fmt.Errorf("npdu: unsupported version %d", version)
	}
	control := raw[1]
	cursor := 2
	npci := NPCI{
		Version:          version,
		IsNetworkMessage: control&ctrlNetworkMessage != 0,
		ExpectingReply:   control&ctrlExpectingReply != 0,
		Priority:         control & ctrlPriorityMask,
	}

	hasDest := control&ctrlDestPresent != 0
	hasSrc := control&ctrlSrcPresent != 0

	if hasDest {
		dnet, dadr, n, err := readNetAddr(raw[cursor:])
		if err != nil {
			return NPCI{}, nil, err
		}
		cursor += n
		dest := destAddress(dnet, dadr)
		npci.Destination = &dest
	}
	if hasSrc {
		snet, sadr, n, err := readNetAddr(raw[cursor:])
		if err != nil {
			return NPCI{}, nil, err
		}
		cursor += n
		if len(sadr) == 0 {
			return NPCI{}, nil, fmt.Errorf("npdu: SADR must not be a broadcast address")
		}
		src := bacnet.RemoteStation(snet, sadr)
		npci.Source = &src
	}
	if hasDest {
		if cursor >= len(raw) {
			return NPCI{}, nil, fmt.Errorf("npdu: missing hop count")
		}
		npci.HopCount = raw[cursor]
		cursor++
	}
	if npci.IsNetworkMessage {
		if cursor >= len(raw) {
			return NPCI{}, nil, fmt.Errorf("npdu: missing network message type")
		}
		npci.NetMessageType = raw[cursor]
		cursor++
		if npci.NetMessageType >= 0x80 {
			if cursor+2 > len(raw) {
				return NPCI{}, nil, fmt.Errorf("npdu: missing vendor id")
			}
			npci.VendorID = binary.BigEndian.Uint16(raw[cursor : cursor+2])
			cursor += 2
		}
	}
	return npci, raw[cursor:], nil
}

func destAddress(net_ uint16, adr []byte) bacnet.Address {
	if net_ == bacnet.NetworkGlobal {
		return bacnet.GlobalBroadcast()
	}
	if len(adr) == 0 {
		return bacnet.RemoteBroadcast(net_)
	}
	return bacnet.RemoteStation(net_, adr)
}

func readNetAddr(raw []byte) (net_ uint16, adr []byte, consumed int, err error) {
	if len(raw) < 3 {
		return 0, nil, 0, fmt.Errorf("npdu: truncated network address")
	}
	net_ = binary.BigEndian.Uint16(raw[0:2])
	length := int(raw[2])
	if len(raw) < 3+length {
		return 0, nil, 0, fmt.Errorf("npdu: truncated network address data")
	}
	adr = make([]byte, length)
	copy(adr, raw[3:3+length])
	return net_, adr, 3 + length, nil
}
