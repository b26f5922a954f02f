// Package ssm implements the segmentation state machines and transaction
// management of spec §3/§4.5: it sits between pkg/npdu (routed NPDUs) and
// the application dispatcher, turning an application's confirmed-request
// calls into possibly-segmented APDU exchanges, and turning inbound
// confirmed requests into a single reassembled call to the application.
package ssm

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/hlv-io/bacstack/pkg/apdu"
	"github.com/hlv-io/bacstack/pkg/apdu/services"
	"github.com/hlv-io/bacstack/pkg/bacnet"
	"github.com/hlv-io/bacstack/pkg/npdu"
	log "github.com/sirupsen/logrus"
)

// Application is the upward contract the SAP drives once a confirmed or
// unconfirmed request has been fully reassembled. Implemented by the
// application dispatcher; ssm never imports it, avoiding an import cycle
// the way pkg/npdu.Adapter avoids one with pkg/bvll.
type Application interface {
	HandleConfirmedRequest(peer bacnet.Address, serviceChoice uint8, data []byte) ([]byte, error)
	HandleUnconfirmedRequest(peer bacnet.Address, serviceChoice uint8, data []byte)
}

// SAP is the transaction-layer service access point: one per local device.
// It owns the transaction registry and device-info cache, and is the sole
// path through which SSMs reach the network layer.
type SAP struct {
	nsap *npdu.NSAP
	app  Application

	registry *Registry
	devices  *DeviceInfoCache

	localMaxApdu               int
	localMaxSegmentsAccepted   int
	localSegmentationSupported services.Segmentation
	proposedWindowSize         int
	retryTimeout               time.Duration
	segmentTimeout             time.Duration
	applicationTimeout         time.Duration
	maxRetries                 int
	maxSegmentRetries          int

	mu     sync.Mutex
	timers map[interface{}]*time.Timer
	fired  map[interface{}]chan time.Time
}

// Config holds the tunables spec §6 exposes for the transaction layer.
type Config struct {
	LocalMaxApdu               int
	LocalMaxSegmentsAccepted   int
	LocalSegmentationSupported services.Segmentation
	ProposedWindowSize         int
	RetryTimeout               time.Duration
	SegmentTimeout             time.Duration
	ApplicationTimeout         time.Duration
	MaxRetries                 int
	MaxSegmentRetries          int
}

// DefaultConfig mirrors the constants bacpypes and the BACnet standard
// annex use: 1476-byte local APDUs, 16 segments, window 8, two retries of
// 3s/4s segment timeout, full segmentation support, and a 3s application
// timeout (spec §6's application_timeout_ms default).
func DefaultConfig() Config {
	return Config{
		LocalMaxApdu:               1476,
		LocalMaxSegmentsAccepted:   16,
		LocalSegmentationSupported: services.SegmentationBoth,
		ProposedWindowSize:         8,
		RetryTimeout:               3 * time.Second,
		SegmentTimeout:             4 * time.Second,
		ApplicationTimeout:         3 * time.Second,
		MaxRetries:                 2,
		MaxSegmentRetries:          2,
	}
}

func NewSAP(nsap *npdu.NSAP, app Application, cfg Config) *SAP {
	s := &SAP{
		nsap:                       nsap,
		app:                        app,
		registry:                   NewRegistry(),
		devices:                    NewDeviceInfoCache(),
		localMaxApdu:               cfg.LocalMaxApdu,
		localMaxSegmentsAccepted:   cfg.LocalMaxSegmentsAccepted,
		localSegmentationSupported: cfg.LocalSegmentationSupported,
		proposedWindowSize:         cfg.ProposedWindowSize,
		retryTimeout:               cfg.RetryTimeout,
		segmentTimeout:             cfg.SegmentTimeout,
		applicationTimeout:         cfg.ApplicationTimeout,
		maxRetries:                 cfg.MaxRetries,
		maxSegmentRetries:          cfg.MaxSegmentRetries,
		timers:                     make(map[interface{}]*time.Timer),
		fired:                      make(map[interface{}]chan time.Time),
	}
	nsap.SetUpward(npdu.UpwardFunc(s.onAPDU))
	return s
}

// Request issues a confirmed service to peer and blocks for the outcome.
// Grounded on pkg/sdo/client.go's blocking ReadRaw/WriteRaw request shape.
func (s *SAP) Request(ctx context.Context, peer bacnet.Address, serviceChoice uint8, data []byte) ([]byte, error) {
	info := s.devices.Acquire(peer)
	defer s.devices.Release(peer)

	invokeID, err := s.registry.AllocateInvokeID(peer)
	if err != nil {
		return nil, err
	}

	c := newClientSSM(s, peer, invokeID, info)
	s.registry.AddClient(peer, invokeID, c)
	defer s.registry.RemoveClient(peer, invokeID)

	done := make(chan struct{})
	go func() {
		c.run(ctx, serviceChoice, data)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		<-done
	}

	select {
	case o := <-c.result:
		return o.Data, o.Err
	default:
		return nil, &bacnet.AbortError{Reason: bacnet.AbortOther}
	}
}

// NotifyUnconfirmed sends an unconfirmed service to dest without involving
// any SSM (spec §4.4: unconfirmed requests carry no invoke-id and expect no
// reply).
func (s *SAP) NotifyUnconfirmed(dest bacnet.Address, serviceChoice uint8, data []byte) error {
	return s.nsap.SendAPDU(dest, apdu.UnconfirmedRequest{ServiceChoice: serviceChoice, ServiceData: data}.Marshal())
}

// onAPDU is the NSAP upward callback: it decodes the apdu_type and either
// routes to an existing transaction, starts a new server transaction, or
// hands an unconfirmed request straight to the application.
func (s *SAP) onAPDU(source bacnet.Address, raw []byte) {
	decoded, err := apdu.Decode(raw)
	if err != nil {
		log.Debugf("[ssm/sap] dropping malformed APDU from %s: %v", source, err)
		return
	}

	switch p := decoded.(type) {
	case apdu.UnconfirmedRequest:
		if p.ServiceChoice == services.UnconfirmedIAm {
			if iam, decErr := services.DecodeIAm(p.ServiceData); decErr == nil {
				s.devices.UpdateFromIAm(source, iam)
			}
		}
		s.app.HandleUnconfirmedRequest(source, p.ServiceChoice, p.ServiceData)

	case apdu.ConfirmedRequest:
		if srv, ok := s.registry.LookupServer(source, p.InvokeID); ok {
			srv.Handle(p)
			return
		}
		if p.Segmented && p.SequenceNumber != 0 {
			log.Debugf("[ssm/sap] dropping mid-stream segment for unknown transaction from %s", source)
			return
		}
		info := s.devices.Acquire(source)
		srv := newServerSSM(s, source, p.InvokeID, info)
		s.registry.AddServer(source, p.InvokeID, srv)
		go func() {
			srv.run(context.Background(), p)
			s.registry.RemoveServer(source, p.InvokeID)
			s.devices.Release(source)
		}()

	case apdu.SimpleAck:
		s.routeToClient(source, p.InvokeID, p)
	case apdu.ComplexAck:
		s.routeToClient(source, p.InvokeID, p)
	case apdu.SegmentAck:
		if p.SentByServer {
			s.routeToClient(source, p.InvokeID, p)
		} else if srv, ok := s.registry.LookupServer(source, p.InvokeID); ok {
			srv.Handle(p)
		}
	case apdu.ErrorPDU:
		s.routeToClient(source, p.InvokeID, p)
	case apdu.Reject:
		s.routeToClient(source, p.InvokeID, p)
	case apdu.Abort:
		if p.SentByServer {
			s.routeToClient(source, p.InvokeID, p)
		} else if srv, ok := s.registry.LookupServer(source, p.InvokeID); ok {
			srv.Handle(p)
		}
	}
}

func (s *SAP) routeToClient(source bacnet.Address, invokeID uint8, pdu interface{}) {
	if c, ok := s.registry.LookupClient(source, invokeID); ok {
		c.Handle(pdu)
		return
	}
	log.Debugf("[ssm/sap] dropping reply for unknown client transaction %s/%d", source, invokeID)
}

// sendNPDU stamps and routes one APDU frame toward peer, logging rather
// than propagating a transport failure (spec §4.1/§7).
func (s *SAP) sendNPDU(peer bacnet.Address, raw []byte) {
	if err := s.nsap.SendAPDU(peer, raw); err != nil {
		log.Warnf("[ssm/sap] send to %s failed: %v", peer, err)
	}
}

// segmentSize computes the usable per-segment payload size for peer: the
// smallest of the local and peer-advertised APDU/NPDU ceilings, less a
// fixed allowance for the APCI header (spec §4.5's sizing rule).
const apciHeaderAllowance = 6

func (s *SAP) segmentSize(info *DeviceInfo) int {
	size := s.localMaxApdu
	if int(info.MaxNpduLength) > 0 && int(info.MaxNpduLength) < size {
		size = int(info.MaxNpduLength)
	}
	if int(info.MaxApduLengthAccepted) > 0 && int(info.MaxApduLengthAccepted) < size {
		size = int(info.MaxApduLengthAccepted)
	}
	size -= apciHeaderAllowance
	if size <= 0 {
		size = 1
	}
	return size
}

// --- per-transaction retry timers ---
//
// Each SSM's run loop selects on timerFired(owner) the same way
// pkg/sdo.SDOServer.Process selects on time.After(timeout); startTimer
// resets the owner's single outstanding timer, stopTimer releases it once
// the transaction reaches a terminal state.

func (s *SAP) startTimer(owner interface{}, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[owner]; ok {
		t.Stop()
	}
	ch := make(chan time.Time, 1)
	s.fired[owner] = ch
	s.timers[owner] = time.AfterFunc(d, func() {
		select {
		case ch <- time.Now():
		default:
		}
	})
}

func (s *SAP) stopTimer(owner interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[owner]; ok {
		t.Stop()
		delete(s.timers, owner)
	}
	delete(s.fired, owner)
}

func (s *SAP) timerFired(owner interface{}) <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.fired[owner]; ok {
		return ch
	}
	return nil
}

// encodeExecutionError/decodeExecutionError pack an ExecutionError's
// class/code pair into the Error-PDU's error-data field as two
// minimal-length application-tagged unsigned integers. The real BACnet Error-Type grammar
// is richer (object/property-specific error choices); this SAP only needs
// a lossless round trip between its own client and server halves.
func encodeExecutionError(e *bacnet.ExecutionError) []byte {
	buf := services.AppendApplicationUnsigned(nil, uint64(e.Class))
	buf = services.AppendApplicationUnsigned(buf, uint64(e.Code))
	return buf
}

func decodeExecutionError(raw []byte) error {
	class, n1, err := decodeApplicationUnsigned(raw)
	if err != nil {
		return &bacnet.ExecutionError{}
	}
	code, _, err := decodeApplicationUnsigned(raw[n1:])
	if err != nil {
		return &bacnet.ExecutionError{Class: uint32(class)}
	}
	return &bacnet.ExecutionError{Class: uint32(class), Code: uint32(code)}
}

func decodeApplicationUnsigned(raw []byte) (uint64, int, error) {
	if len(raw) < 1 {
		return 0, 0, &bacnet.DecodingError{Layer: "ssm", Err: errShortErrorData}
	}
	lvt := int(raw[0] & 0x07)
	if len(raw) < 1+lvt {
		return 0, 0, &bacnet.DecodingError{Layer: "ssm", Err: errShortErrorData}
	}
	var padded [8]byte
	copy(padded[8-lvt:], raw[1:1+lvt])
	return binary.BigEndian.Uint64(padded[:]), 1 + lvt, nil
}

var errShortErrorData = fmt.Errorf("ssm: error-data frame too short")
