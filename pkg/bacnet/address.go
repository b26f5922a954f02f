// Package bacnet holds the address and PDU value types shared by every
// layer of the stack, plus the error kinds raised while moving a PDU
// between layers.
package bacnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// Kind discriminates the variants of Address described in ASHRAE 135
// clause 5 (device addressing).
type Kind uint8

const (
	KindNull Kind = iota
	KindLocalBroadcast
	KindLocalStation
	KindRemoteBroadcast
	KindRemoteStation
	KindGlobalBroadcast
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindLocalBroadcast:
		return "LocalBroadcast"
	case KindLocalStation:
		return "LocalStation"
	case KindRemoteBroadcast:
		return "RemoteBroadcast"
	case KindRemoteStation:
		return "RemoteStation"
	case KindGlobalBroadcast:
		return "GlobalBroadcast"
	default:
		return "Unknown"
	}
}

// NetworkLocal and NetworkGlobal are the two reserved network numbers from
// spec §3: 0 means "local", 65535 is the wire value for global broadcast.
const (
	NetworkLocal  uint16 = 0
	NetworkGlobal uint16 = 0xFFFF
	NetworkMin    uint16 = 1
	NetworkMax    uint16 = 0xFFFE
)

// Address is a tagged union over the six address variants of spec §3.
// Mac holds 1-6 raw bytes (BACnet/IP packs 4 bytes of IPv4 + 2 bytes of
// port); Net/Adr are populated for the Remote* variants.
type Address struct {
	Kind Kind
	Mac  []byte
	Net  uint16
	Adr  []byte
}

// Null is the Address used when a field is intentionally absent (e.g. an
// NPCI with no SADR).
func Null() Address { return Address{Kind: KindNull} }

// LocalBroadcast targets every device on the directly connected network.
func LocalBroadcast() Address { return Address{Kind: KindLocalBroadcast} }

// GlobalBroadcast targets every device reachable through any router.
func GlobalBroadcast() Address { return Address{Kind: KindGlobalBroadcast} }

// LocalStation targets a single device on the directly connected network.
func LocalStation(mac []byte) Address {
	return Address{Kind: KindLocalStation, Mac: cloneBytes(mac)}
}

// RemoteBroadcast targets every device on a network reached via a router.
func RemoteBroadcast(net uint16) Address {
	return Address{Kind: KindRemoteBroadcast, Net: net}
}

// RemoteStation targets a single device on a network reached via a router.
func RemoteStation(net uint16, adr []byte) Address {
	return Address{Kind: KindRemoteStation, Net: net, Adr: cloneBytes(adr)}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// IsBroadcast reports whether the address is any broadcast variant.
// NPCI encoding rejects a SADR for which this is true (spec §3 invariant).
func (a Address) IsBroadcast() bool {
	switch a.Kind {
	case KindLocalBroadcast, KindRemoteBroadcast, KindGlobalBroadcast:
		return true
	default:
		return false
	}
}

// Equal compares every field, matching spec §3's "compare by all fields;
// hashable" requirement.
func (a Address) Equal(b Address) bool {
	return a.Kind == b.Kind &&
		bytes.Equal(a.Mac, b.Mac) &&
		a.Net == b.Net &&
		bytes.Equal(a.Adr, b.Adr)
}

// Key returns a comparable value suitable for use as a map key, since the
// slices inside Address make it non-comparable directly.
func (a Address) Key() string {
	return fmt.Sprintf("%d|%x|%d|%x", a.Kind, a.Mac, a.Net, a.Adr)
}

func (a Address) String() string {
	switch a.Kind {
	case KindNull:
		return "null"
	case KindLocalBroadcast:
		return "*"
	case KindGlobalBroadcast:
		return "**"
	case KindLocalStation:
		if ip, port, ok := macToIPPort(a.Mac); ok {
			return fmt.Sprintf("%s:%d", ip, port)
		}
		return fmt.Sprintf("mac:%x", a.Mac)
	case KindRemoteBroadcast:
		return fmt.Sprintf("%d:*", a.Net)
	case KindRemoteStation:
		if ip, port, ok := macToIPPort(a.Adr); ok {
			return fmt.Sprintf("%d:%s:%d", a.Net, ip, port)
		}
		return fmt.Sprintf("%d:mac:%x", a.Net, a.Adr)
	default:
		return "invalid"
	}
}

// ValidNetworkNumber checks the invariant from spec §3: net in [1, 65534],
// 0 and 65535 are reserved.
func ValidNetworkNumber(net uint16) bool {
	return net >= NetworkMin && net <= NetworkMax
}

// MacFromUDP packs an IPv4 socket address into the 6-byte MAC form BACnet/IP
// uses on the wire: 4 bytes of address, 2 bytes of big-endian port.
// Grounded on YiuTerran-bacnet/types.go's AddressFromUDP.
func MacFromUDP(addr net.UDPAddr) []byte {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	buf := make([]byte, 6)
	copy(buf, ip4)
	binary.BigEndian.PutUint16(buf[4:], uint16(addr.Port))
	return buf
}

// UDPFromMac is the inverse of MacFromUDP; ok is false if mac isn't the
// expected 6-byte IPv4+port form.
func UDPFromMac(mac []byte) (net.UDPAddr, bool) {
	ip, port, ok := macToIPPort(mac)
	if !ok {
		return net.UDPAddr{}, false
	}
	return net.UDPAddr{IP: ip, Port: port}, true
}

func macToIPPort(mac []byte) (net.IP, int, bool) {
	if len(mac) != 6 {
		return nil, 0, false
	}
	ip := net.IPv4(mac[0], mac[1], mac[2], mac[3])
	port := int(binary.BigEndian.Uint16(mac[4:6]))
	return ip, port, true
}

// LocalStationFromUDP builds a LocalStation address from a socket address.
func LocalStationFromUDP(addr net.UDPAddr) Address {
	return LocalStation(MacFromUDP(addr))
}

// RemoteStationFromUDP builds a RemoteStation address on the given BACnet
// network from a socket address.
func RemoteStationFromUDP(net_ uint16, addr net.UDPAddr) Address {
	return RemoteStation(net_, MacFromUDP(addr))
}
