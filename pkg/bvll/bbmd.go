package bvll

import (
	"net"
	"sync"
	"time"

	"github.com/hlv-io/bacstack/pkg/bacnet"
	"github.com/hlv-io/bacstack/pkg/transport"
	log "github.com/sirupsen/logrus"
)

// bbmdFDTEntry is the BBMD's live bookkeeping for one foreign device,
// ticking down every second (spec §3/§4.2).
type bbmdFDTEntry struct {
	addr      net.UDPAddr
	ttl       uint16
	remaining int32
}

// BBMD maintains a Broadcast-Distribution-Table and Foreign-Device-Table
// and forwards broadcasts between them (spec §4.2). Grounded on
// pkg/heartbeat/consumer.go's tick-and-expire loop for the FDT aging, and
// on original_source/bacpypes/bvll/bip_bbmd.py for the exact dual
// fan-out rule (BDT peers + foreign devices, both ways).
type BBMD struct {
	t      transport.Transport
	self   net.UDPAddr
	port   int
	upward Upward

	mu    sync.Mutex
	bdt   []BDTEntry
	fdt   map[string]*bbmdFDTEntry
	stop  chan struct{}
	ticking bool
}

// NewBBMD wraps t bound to self (own IP+port); self must be inserted into
// the BDT first via SetBDT (spec §3 invariant: own address sorts first).
func NewBBMD(t transport.Transport, self net.UDPAddr, port int) *BBMD {
	b := &BBMD{t: t, self: self, port: port, fdt: make(map[string]*bbmdFDTEntry)}
	t.SetListener(b)
	return b
}

func (b *BBMD) SetUpward(u Upward) { b.upward = u }

// SetBDT installs the Broadcast-Distribution-Table. own, if present in
// entries, must be listed first (spec §3 invariant); this is enforced by
// construction rather than validated, since the BDT is operator-supplied
// configuration, not something derived at runtime.
func (b *BBMD) SetBDT(entries []BDTEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bdt = entries
}

// StartTick launches the 1-second FDT aging task (spec §4.2). Call Stop to
// release it.
func (b *BBMD) StartTick() {
	b.mu.Lock()
	if b.ticking {
		b.mu.Unlock()
		return
	}
	b.ticking = true
	b.stop = make(chan struct{})
	stop := b.stop
	b.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.tick()
			}
		}
	}()
}

func (b *BBMD) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ticking {
		close(b.stop)
		b.ticking = false
	}
}

func (b *BBMD) tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, e := range b.fdt {
		e.remaining--
		if e.remaining <= 0 {
			delete(b.fdt, key)
			log.Debugf("[bvll/bbmd] foreign device %s expired", key)
		}
	}
}

// ForeignDevices returns a snapshot of the FDT for diagnostics/tests.
func (b *BBMD) ForeignDevices() []FDTEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FDTEntry, 0, len(b.fdt))
	for _, e := range b.fdt {
		out = append(out, FDTEntry{
			IPPort:    macArray(bacnet.MacFromUDP(e.addr)),
			TTL:       e.ttl,
			Remaining: uint16(e.remaining),
		})
	}
	return out
}

func (b *BBMD) SendUnicast(dest bacnet.Address, npdu []byte) error {
	addr, ok := bacnet.UDPFromMac(macOf(dest))
	if !ok {
		return bacnet.ErrInvalidAddress
	}
	return b.t.Send(addr, EncodeOriginalUnicastNPDU(npdu).Marshal())
}

// SendBroadcast performs a self-originated broadcast: local devices hear it
// directly, and because it originates here it is additionally fanned out
// to BDT peers and foreign devices exactly as an inbound
// Original-Broadcast-NPDU would be (it is, functionally, one).
func (b *BBMD) SendBroadcast(npdu []byte) error {
	dest := net.UDPAddr{IP: net.IPv4bcast, Port: b.port}
	if err := b.t.Send(dest, EncodeOriginalBroadcastNPDU(npdu).Marshal()); err != nil {
		return err
	}
	b.forwardBroadcast(b.self, npdu)
	return nil
}

func (b *BBMD) OnReceive(src net.UDPAddr, data []byte) {
	msg, err := Unmarshal(data)
	if err != nil {
		log.Debugf("[bvll/bbmd] dropping malformed frame from %s: %v", src, err)
		return
	}

	switch msg.Function {
	case FuncOriginalUnicastNPDU:
		b.deliverUpward(bacnet.LocalStationFromUDP(src), msg.Payload)

	case FuncOriginalBroadcastNPDU:
		b.deliverUpward(bacnet.LocalStationFromUDP(src), msg.Payload)
		b.forwardBroadcast(src, msg.Payload)

	case FuncDistributeBroadcastToNetwork:
		b.deliverUpward(bacnet.LocalStationFromUDP(src), msg.Payload)
		b.forwardFromForeignDevice(src, msg.Payload)

	case FuncRegisterForeignDevice:
		ttl, err := DecodeRegisterForeignDevice(msg.Payload)
		if err != nil {
			return
		}
		b.registerForeignDevice(src, ttl)
		_ = b.t.Send(src, EncodeResult(ResultSuccess).Marshal())

	case FuncDeleteFDTEntry:
		if len(msg.Payload) >= 6 {
			var key [6]byte
			copy(key[:], msg.Payload[:6])
			if addr, ok := bacnet.UDPFromMac(key[:]); ok {
				b.mu.Lock()
				delete(b.fdt, addr.String())
				b.mu.Unlock()
			}
		}

	case FuncReadBDT:
		b.mu.Lock()
		entries := append([]BDTEntry(nil), b.bdt...)
		b.mu.Unlock()
		_ = b.t.Send(src, EncodeReadBDTAck(entries).Marshal())

	case FuncWriteBDT:
		entries, err := DecodeWriteBDT(msg.Payload)
		if err != nil {
			_ = b.t.Send(src, EncodeResult(ResultWriteBDTFailed).Marshal())
			return
		}
		b.SetBDT(entries)
		_ = b.t.Send(src, EncodeResult(ResultSuccess).Marshal())

	case FuncReadFDT:
		_ = b.t.Send(src, EncodeReadFDTAck(b.ForeignDevices()).Marshal())

	case FuncForwardedNPDU:
		origin, npdu, err := DecodeForwardedNPDU(msg.Payload)
		if err != nil {
			return
		}
		b.deliverUpward(bacnet.LocalStation(origin[:]), npdu)

	default:
		log.Debugf("[bvll/bbmd] unsupported function %s from %s, dropping", msg.Function, src)
	}
}

func (b *BBMD) deliverUpward(source bacnet.Address, npdu []byte) {
	if b.upward != nil {
		b.upward.OnNPDU(bacnet.PDU{Source: source, Payload: npdu})
	}
}

func (b *BBMD) registerForeignDevice(src net.UDPAddr, ttl uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := src.String()
	remaining := int32(ttl) + 5 // spec §3: "Re-registration resets remaining = ttl + 5"
	if e, ok := b.fdt[key]; ok {
		e.ttl = ttl
		e.remaining = remaining
		log.Debugf("[bvll/bbmd] refreshed foreign device %s, remaining=%d", key, remaining)
		return
	}
	b.fdt[key] = &bbmdFDTEntry{addr: src, ttl: ttl, remaining: remaining}
	log.Infof("[bvll/bbmd] registered foreign device %s, ttl=%d", key, ttl)
}

// forwardBroadcast implements the Original-Broadcast-NPDU fan-out rule
// (spec §4.2): deliver locally (caller already did), then Forwarded-NPDU,
// carrying origin as the originating address, unicast to every other BDT
// peer and every registered foreign device.
func (b *BBMD) forwardBroadcast(origin net.UDPAddr, npdu []byte) {
	wrapped := EncodeForwardedNPDU(macArray(bacnet.MacFromUDP(origin)), npdu).Marshal()
	for _, peer := range b.peersExceptSelf() {
		_ = b.t.Send(peer, wrapped)
	}
	for _, fd := range b.foreignAddrs() {
		_ = b.t.Send(fd, wrapped)
	}
}

// forwardFromForeignDevice implements Distribute-Broadcast-to-Network's
// fan-out (spec §4.2): local-broadcast for the BBMD's own BDT entry,
// Forwarded-NPDU to every other BDT peer and to every other foreign
// device (not the sender).
func (b *BBMD) forwardFromForeignDevice(sender net.UDPAddr, npdu []byte) {
	dest := net.UDPAddr{IP: net.IPv4bcast, Port: b.port}
	_ = b.t.Send(dest, EncodeOriginalBroadcastNPDU(npdu).Marshal())

	wrapped := EncodeForwardedNPDU(macArray(bacnet.MacFromUDP(sender)), npdu).Marshal()
	for _, peer := range b.peersExceptSelf() {
		_ = b.t.Send(peer, wrapped)
	}
	for _, fd := range b.foreignAddrs() {
		if fd.String() == sender.String() {
			continue
		}
		_ = b.t.Send(fd, wrapped)
	}
}

func (b *BBMD) peersExceptSelf() []net.UDPAddr {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]net.UDPAddr, 0, len(b.bdt))
	for _, e := range b.bdt {
		addr, ok := bacnet.UDPFromMac(e.IPPort[:])
		if !ok || addr.String() == b.self.String() {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (b *BBMD) foreignAddrs() []net.UDPAddr {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]net.UDPAddr, 0, len(b.fdt))
	for _, e := range b.fdt {
		out = append(out, e.addr)
	}
	return out
}

func macArray(mac []byte) [6]byte {
	var out [6]byte
	copy(out[:], mac)
	return out
}
