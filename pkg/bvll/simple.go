package bvll

import (
	"net"

	"github.com/hlv-io/bacstack/pkg/bacnet"
	"github.com/hlv-io/bacstack/pkg/transport"
	log "github.com/sirupsen/logrus"
)

// Upward receives NPDUs handed up from a BIP role. pdu.Source is the
// BACnet address the network layer should treat as the sender: the real
// UDP source for ordinary frames, or the wrapped originating address for a
// Forwarded-NPDU (spec §4.2).
type Upward interface {
	OnNPDU(pdu bacnet.PDU)
}

// UpwardFunc adapts a function to Upward.
type UpwardFunc func(pdu bacnet.PDU)

func (f UpwardFunc) OnNPDU(pdu bacnet.PDU) { f(pdu) }

// Role is the common BIP role contract (spec §4.2): send an NPDU unicast or
// as a local broadcast, receive BVLL frames off the transport.
type Role interface {
	transport.Listener
	SendUnicast(dest bacnet.Address, npdu []byte) error
	SendBroadcast(npdu []byte) error
	SetUpward(u Upward)
}

// BIPSimple is the no-BBMD role: outbound local-station addresses become
// Original-Unicast-NPDU, local-broadcast becomes Original-Broadcast-NPDU;
// inbound frames of either kind (or a Forwarded-NPDU relayed by some other
// node's BBMD) are delivered to the network layer.
type BIPSimple struct {
	t       transport.Transport
	port    int
	upward  Upward
}

// NewBIPSimple wraps t, sending local broadcasts to port (normally
// transport.DefaultPort).
func NewBIPSimple(t transport.Transport, port int) *BIPSimple {
	b := &BIPSimple{t: t, port: port}
	t.SetListener(b)
	return b
}

func (b *BIPSimple) SetUpward(u Upward) { b.upward = u }

func (b *BIPSimple) SendUnicast(dest bacnet.Address, npdu []byte) error {
	addr, ok := bacnet.UDPFromMac(macOf(dest))
	if !ok {
		return bacnet.ErrInvalidAddress
	}
	return b.t.Send(addr, EncodeOriginalUnicastNPDU(npdu).Marshal())
}

func (b *BIPSimple) SendBroadcast(npdu []byte) error {
	dest := net.UDPAddr{IP: net.IPv4bcast, Port: b.port}
	return b.t.Send(dest, EncodeOriginalBroadcastNPDU(npdu).Marshal())
}

func macOf(addr bacnet.Address) []byte {
	switch addr.Kind {
	case bacnet.KindLocalStation:
		return addr.Mac
	case bacnet.KindRemoteStation:
		return addr.Adr
	default:
		return nil
	}
}

// OnReceive implements transport.Listener.
func (b *BIPSimple) OnReceive(src net.UDPAddr, data []byte) {
	msg, err := Unmarshal(data)
	if err != nil {
		log.Debugf("[bvll/simple] dropping malformed frame from %s: %v", src, err)
		return
	}
	b.deliver(src, msg)
}

func (b *BIPSimple) deliver(src net.UDPAddr, msg Message) {
	if b.upward == nil {
		return
	}
	switch msg.Function {
	case FuncOriginalUnicastNPDU, FuncOriginalBroadcastNPDU:
		b.upward.OnNPDU(bacnet.PDU{
			Source:  bacnet.LocalStationFromUDP(src),
			Payload: msg.Payload,
		})
	case FuncForwardedNPDU:
		origin, npdu, err := DecodeForwardedNPDU(msg.Payload)
		if err != nil {
			log.Debugf("[bvll/simple] malformed Forwarded-NPDU: %v", err)
			return
		}
		b.upward.OnNPDU(bacnet.PDU{
			Source:  bacnet.LocalStation(origin[:]),
			Payload: npdu,
		})
	default:
		log.Debugf("[bvll/simple] unsupported function %s from %s, dropping", msg.Function, src)
	}
}
