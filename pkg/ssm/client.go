package ssm

import (
	"context"

	"github.com/hlv-io/bacstack/pkg/apdu"
	"github.com/hlv-io/bacstack/pkg/apdu/services"
	"github.com/hlv-io/bacstack/pkg/bacnet"
	"github.com/hlv-io/bacstack/pkg/ssm/internal/reassembly"
	log "github.com/sirupsen/logrus"
)

// ClientSSM drives one confirmed-request transaction through the client
// state table of spec §4.5. Exactly one goroutine (run) ever touches its
// fields after construction, so no locking is needed inside it — the same
// single-owner-goroutine shape as pkg/sdo's SDOClient.Process loop.
type ClientSSM struct {
	sap      *SAP
	peer     bacnet.Address
	invokeID uint8
	info     *DeviceInfo

	state State

	serviceChoice      uint8
	segments           [][]byte
	windowStart        int // lowest not-yet-acked segment index
	sentUpTo           int // first segment index not yet transmitted
	actualWindowSize   int
	proposedWindowSize int

	reasm              *reassembly.Buffer
	lastSequenceNumber uint8
	ackServiceChoice   uint8

	retryCount        int
	segmentRetryCount int

	rx     chan interface{}
	result chan Outcome
}

func newClientSSM(sap *SAP, peer bacnet.Address, invokeID uint8, info *DeviceInfo) *ClientSSM {
	return &ClientSSM{
		sap:                sap,
		peer:               peer,
		invokeID:           invokeID,
		info:               info,
		state:              Idle,
		proposedWindowSize: sap.proposedWindowSize,
		rx:                 make(chan interface{}, 4),
		result:             make(chan Outcome, 1),
	}
}

// Handle feeds one APDU addressed to this transaction's invoke-id into the
// state machine. Never blocks: the channel is sized generously and the run
// loop is the only reader.
func (c *ClientSSM) Handle(pdu interface{}) {
	select {
	case c.rx <- pdu:
	default:
		log.Warnf("[ssm/client] dropping inbound PDU for peer %s invoke-id %d: backlog full", c.peer, c.invokeID)
	}
}

// run is the transaction's whole lifecycle: build and send the initial
// request, then react to inbound acks/aborts and retry timers until a
// terminal state is reached. Grounded on pkg/sdo/client.go's
// Handle+channel+time.After(timeout) Process loop shape.
func (c *ClientSSM) run(ctx context.Context, serviceChoice uint8, data []byte) {
	c.serviceChoice = serviceChoice
	segmentSize := c.sap.segmentSize(c.info)
	c.segments = splitSegments(data, segmentSize)

	if len(c.segments) > 1 && (!canTransmitSegmented(c.sap.localSegmentationSupported) || !canReceiveSegmented(c.info.SegmentationSupported)) {
		c.deliver(Outcome{Err: &bacnet.AbortError{Reason: bacnet.AbortSegmentationNotSupported}})
		c.state = Aborted
		return
	}

	c.sendInitialRequest()
	c.loop(ctx)
}

func (c *ClientSSM) sendInitialRequest() {
	if len(c.segments) <= 1 {
		data := []byte{}
		if len(c.segments) == 1 {
			data = c.segments[0]
		}
		c.sendAPDU(apdu.ConfirmedRequest{
			MaxSegments:               apdu.EncodeMaxSegments(c.sap.localMaxSegmentsAccepted),
			MaxApdu:                   mustEncodeMaxApdu(c.sap.localMaxApdu),
			SegmentedResponseAccepted: true,
			InvokeID:                  c.invokeID,
			ServiceChoice:             c.serviceChoice,
			ServiceData:               data,
		})
		c.state = AwaitConfirmation
		c.sap.startTimer(c, c.sap.retryTimeout)
		return
	}
	c.windowStart = 0
	c.sentUpTo = 0
	c.actualWindowSize = c.proposedWindowSize
	c.sendPending()
	c.state = SegmentedRequest
	c.sap.startTimer(c, c.sap.segmentTimeout)
}

// sendPending transmits every segment between sentUpTo and the current
// window's upper edge — i.e. only the slots the window has newly opened,
// never a segment already sent and still (from this sender's perspective)
// outstanding. A caller that wants a full resend of the current window
// (on a retry timeout) first rewinds sentUpTo back to windowStart.
func (c *ClientSSM) sendPending() {
	end := c.windowStart + c.actualWindowSize
	if end > len(c.segments) {
		end = len(c.segments)
	}
	for i := c.sentUpTo; i < end; i++ {
		c.sendAPDU(apdu.ConfirmedRequest{
			Segmented:                 true,
			MoreFollows:               i < len(c.segments)-1,
			SegmentedResponseAccepted: true,
			MaxSegments:               apdu.EncodeMaxSegments(c.sap.localMaxSegmentsAccepted),
			MaxApdu:                   mustEncodeMaxApdu(c.sap.localMaxApdu),
			InvokeID:                  c.invokeID,
			SequenceNumber:            uint8(i),
			WindowSize:                uint8(c.proposedWindowSize),
			ServiceChoice:             c.serviceChoice,
			ServiceData:               c.segments[i],
		})
	}
	c.sentUpTo = end
}

func (c *ClientSSM) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.deliver(Outcome{Err: ctx.Err()})
			c.state = Aborted
			c.sap.stopTimer(c)
			return
		case pdu := <-c.rx:
			c.onReceive(pdu)
		case <-c.sap.timerFired(c):
			c.onTimeout()
		}
		if c.state == Completed || c.state == Aborted {
			c.sap.stopTimer(c)
			return
		}
	}
}

func (c *ClientSSM) onReceive(pdu interface{}) {
	switch p := pdu.(type) {
	case apdu.SegmentAck:
		c.onSegmentAck(p)
	case apdu.SimpleAck:
		c.deliver(Outcome{ServiceChoice: p.ServiceChoice})
		c.state = Completed
	case apdu.ComplexAck:
		c.onComplexAck(p)
	case apdu.ErrorPDU:
		c.deliver(Outcome{ServiceChoice: p.ServiceChoice, Err: decodeExecutionError(p.ErrorData)})
		c.state = Completed
	case apdu.Reject:
		c.deliver(Outcome{Err: &bacnet.RejectError{Reason: p.Reason}})
		c.state = Completed
	case apdu.Abort:
		c.deliver(Outcome{Err: &bacnet.AbortError{Reason: p.Reason, Server: p.SentByServer}})
		if c.state == AwaitConfirmation || c.state == SegmentedConfirmation {
			c.state = Aborted
		} else {
			c.state = Completed
		}
	default:
		log.Debugf("[ssm/client] ignoring unexpected %T in state %s", pdu, c.state)
	}
}

func (c *ClientSSM) onSegmentAck(ack apdu.SegmentAck) {
	if c.state != SegmentedRequest {
		return
	}
	c.segmentRetryCount = 0
	if ack.NegativeAck {
		c.sap.startTimer(c, c.sap.segmentTimeout)
		return
	}
	c.actualWindowSize = clampWindow(int(ack.WindowSize), c.sap.localMaxSegmentsAccepted)
	next := int(ack.SequenceNumber) + 1
	if next > c.windowStart {
		c.windowStart = next
	}
	if c.windowStart >= len(c.segments) {
		c.state = AwaitConfirmation
		c.sap.startTimer(c, c.sap.retryTimeout)
		return
	}
	c.sendPending()
	c.sap.startTimer(c, c.sap.segmentTimeout)
}

func (c *ClientSSM) onComplexAck(ack apdu.ComplexAck) {
	switch c.state {
	case AwaitConfirmation:
		if !ack.Segmented {
			c.deliver(Outcome{ServiceChoice: ack.ServiceChoice, Data: ack.ServiceData})
			c.state = Completed
			return
		}
		if !canReceiveSegmented(c.sap.localSegmentationSupported) {
			c.deliver(Outcome{Err: &bacnet.AbortError{Reason: bacnet.AbortSegmentationNotSupported}})
			c.state = Aborted
			return
		}
		c.ackServiceChoice = ack.ServiceChoice
		c.actualWindowSize = clampWindow(int(ack.WindowSize), c.sap.localMaxSegmentsAccepted)
		c.reasm = reassembly.NewBuffer(int(c.info.MaxApduLengthAccepted) * 8)
		c.reasm.Write(ack.ServiceData)
		c.lastSequenceNumber = ack.SequenceNumber
		c.sendSegmentAck(false, ack.SequenceNumber)
		if !ack.MoreFollows {
			c.deliver(Outcome{ServiceChoice: c.ackServiceChoice, Data: c.reasm.ReadAll()})
			c.state = Completed
			return
		}
		c.state = SegmentedConfirmation
		c.sap.startTimer(c, c.sap.segmentTimeout)
	case SegmentedConfirmation:
		expected := c.lastSequenceNumber + 1
		if ack.SequenceNumber != expected {
			c.sendSegmentAck(true, c.lastSequenceNumber)
			c.sap.startTimer(c, c.sap.segmentTimeout)
			return
		}
		c.reasm.Write(ack.ServiceData)
		c.lastSequenceNumber = ack.SequenceNumber
		c.sendSegmentAck(false, ack.SequenceNumber)
		if !ack.MoreFollows {
			c.deliver(Outcome{ServiceChoice: c.ackServiceChoice, Data: c.reasm.ReadAll()})
			c.state = Completed
			return
		}
		c.sap.startTimer(c, c.sap.segmentTimeout)
	default:
		if c.state == SegmentedRequest {
			c.deliver(Outcome{ServiceChoice: ack.ServiceChoice, Data: ack.ServiceData})
			c.state = Completed
		}
	}
}

func (c *ClientSSM) onTimeout() {
	switch c.state {
	case SegmentedRequest:
		if c.segmentRetryCount < c.sap.maxSegmentRetries {
			c.segmentRetryCount++
			c.sentUpTo = c.windowStart
			c.sendPending()
			c.sap.startTimer(c, c.sap.segmentTimeout)
			return
		}
		c.deliver(Outcome{Err: &bacnet.AbortError{Reason: bacnet.AbortNoResponse}})
		c.state = Aborted
	case AwaitConfirmation:
		if c.retryCount < c.sap.maxRetries {
			c.retryCount++
			c.sendInitialRequest()
			return
		}
		c.deliver(Outcome{Err: &bacnet.AbortError{Reason: bacnet.AbortNoResponse}})
		c.state = Aborted
	case SegmentedConfirmation:
		c.deliver(Outcome{Err: &bacnet.AbortError{Reason: bacnet.AbortNoResponse}})
		c.state = Aborted
	}
}

func (c *ClientSSM) sendSegmentAck(nak bool, seq uint8) {
	c.sap.sendNPDU(c.peer, apdu.SegmentAck{
		NegativeAck:    nak,
		InvokeID:       c.invokeID,
		SequenceNumber: seq,
		WindowSize:     uint8(c.sap.localMaxSegmentsAccepted),
	}.Marshal())
}

func (c *ClientSSM) sendAPDU(req apdu.ConfirmedRequest) {
	c.sap.sendNPDU(c.peer, req.Marshal())
}

func (c *ClientSSM) deliver(o Outcome) {
	select {
	case c.result <- o:
	default:
	}
}

// canReceiveSegmented/canTransmitSegmented test a segmentation capability
// value regardless of whose it is — the local SAP's own configured
// capability or a peer's advertised one (spec §4.5 checks both the same
// way before either side may use segmentation).
func canReceiveSegmented(s services.Segmentation) bool {
	return s == services.SegmentationReceive || s == services.SegmentationBoth
}

func canTransmitSegmented(s services.Segmentation) bool {
	return s == services.SegmentationTransmit || s == services.SegmentationBoth
}

func clampWindow(proposed, localMax int) int {
	if localMax <= 0 {
		localMax = 1
	}
	if proposed <= 0 {
		return 1
	}
	if proposed > localMax {
		return localMax
	}
	return proposed
}

func mustEncodeMaxApdu(length int) uint8 {
	n, err := apdu.EncodeMaxApdu(length)
	if err != nil {
		return 5 // 1476, the largest table entry
	}
	return n
}

func splitSegments(data []byte, segmentSize int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if segmentSize <= 0 {
		segmentSize = len(data)
	}
	var out [][]byte
	for start := 0; start < len(data); start += segmentSize {
		end := start + segmentSize
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[start:end])
	}
	return out
}
