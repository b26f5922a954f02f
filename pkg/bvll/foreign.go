package bvll

import (
	"net"
	"sync"
	"time"

	"github.com/hlv-io/bacstack/pkg/bacnet"
	"github.com/hlv-io/bacstack/pkg/sched"
	"github.com/hlv-io/bacstack/pkg/transport"
	log "github.com/sirupsen/logrus"
)

// ForeignState is BIPForeign's registration state machine (spec §4.2).
type ForeignState uint8

const (
	ForeignUnregistered ForeignState = iota
	ForeignPending
	ForeignRegistered
	ForeignUnregistering
)

func (s ForeignState) String() string {
	switch s {
	case ForeignUnregistered:
		return "Unregistered"
	case ForeignPending:
		return "Pending"
	case ForeignRegistered:
		return "Registered"
	case ForeignUnregistering:
		return "Unregistering"
	default:
		return "Unknown"
	}
}

// BIPForeign registers with a BBMD and refreshes the registration on a
// timer; outbound local-broadcasts become Distribute-Broadcast-to-Network
// targeted at the BBMD, and inbound Forwarded-NPDU is accepted only from
// that registered BBMD (spec §4.2). Grounded on pkg/nmt.NMT's
// state-owning-struct-with-a-timer shape.
type BIPForeign struct {
	t      transport.Transport
	sched  *sched.Scheduler
	upward Upward

	mu       sync.Mutex
	state    ForeignState
	bbmd     net.UDPAddr
	ttl      uint16
	lastErr  uint16
	refresh  sched.TimerID
	hasTimer bool
}

// NewBIPForeign wraps t; registration must be started explicitly via
// Register so the caller controls when the initial Register-Foreign-Device
// goes out.
func NewBIPForeign(t transport.Transport, scheduler *sched.Scheduler) *BIPForeign {
	f := &BIPForeign{t: t, sched: scheduler, state: ForeignUnregistered}
	t.SetListener(f)
	return f
}

func (f *BIPForeign) SetUpward(u Upward) { f.upward = u }

// State returns the current registration state and, for Pending after a
// failed attempt, the last non-zero Result code (spec §4.2: "leave the
// state as Pending with the error code; do not retry automatically").
func (f *BIPForeign) State() (ForeignState, uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.lastErr
}

// Register sends an initial Register-Foreign-Device(ttlSeconds) to bbmd.
func (f *BIPForeign) Register(bbmd net.UDPAddr, ttlSeconds uint16) error {
	f.mu.Lock()
	f.bbmd = bbmd
	f.ttl = ttlSeconds
	f.state = ForeignPending
	f.mu.Unlock()

	msg := EncodeRegisterForeignDevice(ttlSeconds)
	log.Debugf("[bvll/foreign] registering with BBMD %s, ttl=%d", bbmd, ttlSeconds)
	return f.t.Send(bbmd, msg.Marshal())
}

func (f *BIPForeign) SendUnicast(dest bacnet.Address, npdu []byte) error {
	addr, ok := bacnet.UDPFromMac(macOf(dest))
	if !ok {
		return bacnet.ErrInvalidAddress
	}
	return f.t.Send(addr, EncodeOriginalUnicastNPDU(npdu).Marshal())
}

// SendBroadcast relays a local broadcast through the registered BBMD via
// Distribute-Broadcast-to-Network (spec §4.2).
func (f *BIPForeign) SendBroadcast(npdu []byte) error {
	f.mu.Lock()
	bbmd := f.bbmd
	f.mu.Unlock()
	return f.t.Send(bbmd, EncodeDistributeBroadcastToNetwork(npdu).Marshal())
}

func (f *BIPForeign) OnReceive(src net.UDPAddr, data []byte) {
	msg, err := Unmarshal(data)
	if err != nil {
		log.Debugf("[bvll/foreign] dropping malformed frame from %s: %v", src, err)
		return
	}

	switch msg.Function {
	case FuncResult:
		code, err := DecodeResult(msg.Payload)
		if err != nil {
			return
		}
		f.handleResult(code)
	case FuncForwardedNPDU:
		f.mu.Lock()
		fromBBMD := src.String() == f.bbmd.String()
		f.mu.Unlock()
		if !fromBBMD {
			log.Debugf("[bvll/foreign] dropping Forwarded-NPDU from non-BBMD %s", src)
			return
		}
		origin, npdu, err := DecodeForwardedNPDU(msg.Payload)
		if err != nil {
			return
		}
		if f.upward != nil {
			f.upward.OnNPDU(bacnet.PDU{Source: bacnet.LocalStation(origin[:]), Payload: npdu})
		}
	case FuncOriginalUnicastNPDU:
		if f.upward != nil {
			f.upward.OnNPDU(bacnet.PDU{Source: bacnet.LocalStationFromUDP(src), Payload: msg.Payload})
		}
	default:
		log.Debugf("[bvll/foreign] unsupported function %s from %s, dropping", msg.Function, src)
	}
}

func (f *BIPForeign) handleResult(code uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if code == ResultSuccess {
		f.state = ForeignRegistered
		f.lastErr = 0
		log.Infof("[bvll/foreign] registered with BBMD %s for %ds", f.bbmd, f.ttl)
		if f.hasTimer {
			f.sched.Cancel(f.refresh)
		}
		f.refresh = f.sched.Schedule(time.Duration(f.ttl)*time.Second, f.refreshRegistration)
		f.hasTimer = true
		return
	}
	// Non-zero Result: stay Pending, expose the error, no automatic retry
	// (spec §4.2, open question 3).
	f.state = ForeignPending
	f.lastErr = code
	log.Warnf("[bvll/foreign] registration with BBMD %s failed: result=0x%04x", f.bbmd, code)
}

func (f *BIPForeign) refreshRegistration() {
	f.mu.Lock()
	bbmd, ttl := f.bbmd, f.ttl
	f.mu.Unlock()
	msg := EncodeRegisterForeignDevice(ttl)
	if err := f.t.Send(bbmd, msg.Marshal()); err != nil {
		log.Warnf("[bvll/foreign] refresh send to %s failed: %v", bbmd, err)
	}
}
