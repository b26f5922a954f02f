package ssm

import (
	"context"

	"github.com/hlv-io/bacstack/pkg/apdu"
	"github.com/hlv-io/bacstack/pkg/bacnet"
	"github.com/hlv-io/bacstack/pkg/ssm/internal/reassembly"
	log "github.com/sirupsen/logrus"
)

// ServerSSM drives one inbound confirmed-request transaction through the
// server state table of spec §4.5, symmetric to ClientSSM: one goroutine
// owns it from creation to Completed/Aborted.
type ServerSSM struct {
	sap      *SAP
	peer     bacnet.Address
	invokeID uint8
	info     *DeviceInfo

	state State

	serviceChoice             uint8
	segmentedResponseAccepted bool

	reasm              *reassembly.Buffer
	lastSequenceNumber uint8
	actualWindowSize   int

	responseSegments [][]byte
	windowStart      int // lowest not-yet-acked segment index
	sentUpTo         int // first segment index not yet transmitted

	retryCount        int
	segmentRetryCount int

	rx      chan interface{}
	appDone chan appResult
}

// appResult carries HandleConfirmedRequest's outcome from the goroutine
// that runs it back to the ServerSSM's owning loop goroutine.
type appResult struct {
	response []byte
	err      error
}

func newServerSSM(sap *SAP, peer bacnet.Address, invokeID uint8, info *DeviceInfo) *ServerSSM {
	return &ServerSSM{
		sap:      sap,
		peer:     peer,
		invokeID: invokeID,
		info:     info,
		state:    Idle,
		rx:       make(chan interface{}, 4),
		appDone:  make(chan appResult, 1),
	}
}

func (s *ServerSSM) Handle(pdu interface{}) {
	select {
	case s.rx <- pdu:
	default:
		log.Warnf("[ssm/server] dropping inbound PDU for peer %s invoke-id %d: backlog full", s.peer, s.invokeID)
	}
}

// run starts from the first ConfirmedRequest frame of the transaction
// (already removed from the SAP's dispatch path), accumulates any further
// segments, dispatches the completed request to the application, and drives
// a segmented response if the reply doesn't fit in one APDU.
func (s *ServerSSM) run(ctx context.Context, first apdu.ConfirmedRequest) {
	s.serviceChoice = first.ServiceChoice
	s.segmentedResponseAccepted = first.SegmentedResponseAccepted
	s.sap.devices.UpgradeSegmentation(s.peer, first.SegmentedResponseAccepted)

	if !first.Segmented {
		s.startApplicationCall(first.ServiceData)
		s.loop(ctx)
		return
	}

	if !canReceiveSegmented(s.sap.localSegmentationSupported) {
		s.sendAbort(bacnet.AbortSegmentationNotSupported)
		s.state = Aborted
		return
	}

	s.reasm = reassembly.NewBuffer(int(s.info.MaxApduLengthAccepted) * 8)
	s.reasm.Write(first.ServiceData)
	s.lastSequenceNumber = 0
	s.actualWindowSize = clampWindow(int(first.WindowSize), s.sap.localMaxSegmentsAccepted)
	s.sendSegmentAck(false, 0)
	if !first.MoreFollows {
		s.startApplicationCall(s.reasm.ReadAll())
	} else {
		s.state = SegmentedRequest
		s.sap.startTimer(s, s.sap.segmentTimeout)
	}
	s.loop(ctx)
}

func (s *ServerSSM) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.state = Aborted
			s.sap.stopTimer(s)
			return
		case pdu := <-s.rx:
			s.onReceive(pdu)
		case r := <-s.appDone:
			s.onApplicationDone(r)
		case <-s.sap.timerFired(s):
			s.onTimeout()
		}
		if s.state == Completed || s.state == Aborted {
			s.sap.stopTimer(s)
			return
		}
	}
}

func (s *ServerSSM) onReceive(pdu interface{}) {
	switch p := pdu.(type) {
	case apdu.ConfirmedRequest:
		if s.state != SegmentedRequest {
			return
		}
		expected := s.lastSequenceNumber + 1
		if p.SequenceNumber != expected {
			s.sendSegmentAck(true, s.lastSequenceNumber)
			s.sap.startTimer(s, s.sap.segmentTimeout)
			return
		}
		s.reasm.Write(p.ServiceData)
		s.lastSequenceNumber = p.SequenceNumber
		s.sendSegmentAck(false, p.SequenceNumber)
		if !p.MoreFollows {
			s.startApplicationCall(s.reasm.ReadAll())
			return
		}
		s.sap.startTimer(s, s.sap.segmentTimeout)
	case apdu.SegmentAck:
		if s.state != SegmentedResponse {
			return
		}
		s.onResponseSegmentAck(p)
	default:
		log.Debugf("[ssm/server] ignoring unexpected %T in state %s", pdu, s.state)
	}
}

func (s *ServerSSM) onResponseSegmentAck(ack apdu.SegmentAck) {
	s.segmentRetryCount = 0
	if ack.NegativeAck {
		s.sap.startTimer(s, s.sap.segmentTimeout)
		return
	}
	s.actualWindowSize = clampWindow(int(ack.WindowSize), s.sap.localMaxSegmentsAccepted)
	next := int(ack.SequenceNumber) + 1
	if next > s.windowStart {
		s.windowStart = next
	}
	if s.windowStart >= len(s.responseSegments) {
		s.state = Completed
		return
	}
	s.sendPending()
	s.sap.startTimer(s, s.sap.segmentTimeout)
}

func (s *ServerSSM) onTimeout() {
	switch s.state {
	case SegmentedRequest:
		if s.segmentRetryCount < s.sap.maxSegmentRetries {
			s.segmentRetryCount++
			s.sendSegmentAck(true, s.lastSequenceNumber)
			s.sap.startTimer(s, s.sap.segmentTimeout)
			return
		}
		s.sendAbort(bacnet.AbortNoResponse)
		s.state = Aborted
	case AwaitResponse:
		s.sendAbort(bacnet.AbortApplicationExceededReply)
		s.state = Aborted
	case SegmentedResponse:
		if s.segmentRetryCount < s.sap.maxSegmentRetries {
			s.segmentRetryCount++
			s.sentUpTo = s.windowStart
			s.sendPending()
			s.sap.startTimer(s, s.sap.segmentTimeout)
			return
		}
		s.sendAbort(bacnet.AbortNoResponse)
		s.state = Aborted
	}
}

// startApplicationCall hands the fully reassembled request body to the
// application on its own goroutine and enters AwaitResponse with a timer
// bounding how long that call may run (spec §4.5: "if unsegmented, hand to
// application (AwaitResponse, timer=app_timeout)"). The result reaches the
// owning loop goroutine over appDone, never touched from here again.
func (s *ServerSSM) startApplicationCall(data []byte) {
	s.state = AwaitResponse
	s.sap.startTimer(s, s.sap.applicationTimeout)
	go func() {
		response, err := s.sap.app.HandleConfirmedRequest(s.peer, s.serviceChoice, data)
		select {
		case s.appDone <- appResult{response: response, err: err}:
		default:
		}
	}()
}

// onApplicationDone is the loop's appDone case. A result can still arrive
// after the application-timeout timer already aborted the transaction; it
// is discarded rather than re-opening a terminal state.
func (s *ServerSSM) onApplicationDone(r appResult) {
	if s.state != AwaitResponse {
		return
	}
	s.finishApplicationCall(r.response, r.err)
}

// finishApplicationCall translates the application's outcome into the
// reply APDU(s), checking both the local SAP's own transmit capability and
// the peer's advertised receive capability before using segmentation.
func (s *ServerSSM) finishApplicationCall(response []byte, err error) {
	if err != nil {
		s.deliverError(err)
		return
	}
	if len(response) == 0 {
		s.sap.sendNPDU(s.peer, apdu.SimpleAck{InvokeID: s.invokeID, ServiceChoice: s.serviceChoice}.Marshal())
		s.state = Completed
		return
	}

	segmentSize := s.sap.segmentSize(s.info)
	segments := splitSegments(response, segmentSize)
	if len(segments) <= 1 {
		s.sap.sendNPDU(s.peer, apdu.ComplexAck{
			InvokeID:      s.invokeID,
			ServiceChoice: s.serviceChoice,
			ServiceData:   response,
		}.Marshal())
		s.state = Completed
		return
	}

	if !canTransmitSegmented(s.sap.localSegmentationSupported) || !s.segmentedResponseAccepted {
		s.sendAbort(bacnet.AbortSegmentationNotSupported)
		s.state = Aborted
		return
	}
	s.responseSegments = segments
	s.windowStart = 0
	s.sentUpTo = 0
	s.actualWindowSize = s.sap.proposedWindowSize
	s.sendPending()
	s.state = SegmentedResponse
	s.sap.startTimer(s, s.sap.segmentTimeout)
}

// sendPending transmits every response segment between sentUpTo and the
// current window's upper edge, the newly-opened-slots-only rule
// ClientSSM.sendPending also follows for outgoing segmented requests.
func (s *ServerSSM) sendPending() {
	end := s.windowStart + s.actualWindowSize
	if end > len(s.responseSegments) {
		end = len(s.responseSegments)
	}
	for i := s.sentUpTo; i < end; i++ {
		s.sap.sendNPDU(s.peer, apdu.ComplexAck{
			Segmented:      true,
			MoreFollows:    i < len(s.responseSegments)-1,
			InvokeID:       s.invokeID,
			SequenceNumber: uint8(i),
			WindowSize:     uint8(s.sap.proposedWindowSize),
			ServiceChoice:  s.serviceChoice,
			ServiceData:    s.responseSegments[i],
		}.Marshal())
	}
	s.sentUpTo = end
}

func (s *ServerSSM) deliverError(err error) {
	switch e := err.(type) {
	case *bacnet.RejectError:
		s.sap.sendNPDU(s.peer, apdu.Reject{InvokeID: s.invokeID, Reason: e.Reason}.Marshal())
		s.state = Completed
	case *bacnet.AbortError:
		s.sendAbort(e.Reason)
		s.state = Aborted
	case *bacnet.ExecutionError:
		s.sap.sendNPDU(s.peer, apdu.ErrorPDU{
			InvokeID:      s.invokeID,
			ServiceChoice: s.serviceChoice,
			ErrorData:     encodeExecutionError(e),
		}.Marshal())
		s.state = Completed
	default:
		s.sendAbort(bacnet.AbortOther)
		s.state = Aborted
	}
}

func (s *ServerSSM) sendAbort(reason bacnet.AbortReason) {
	s.sap.sendNPDU(s.peer, apdu.Abort{SentByServer: true, InvokeID: s.invokeID, Reason: reason}.Marshal())
}

func (s *ServerSSM) sendSegmentAck(nak bool, seq uint8) {
	s.sap.sendNPDU(s.peer, apdu.SegmentAck{
		NegativeAck:    nak,
		SentByServer:   true,
		InvokeID:       s.invokeID,
		SequenceNumber: seq,
		WindowSize:     uint8(s.sap.localMaxSegmentsAccepted),
	}.Marshal())
}
