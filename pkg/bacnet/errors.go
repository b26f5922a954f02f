package bacnet

import "fmt"

// Sentinel structural errors. Grounded on the teacher's root errors.go
// (a flat var block of errors.New values).
var (
	ErrInvalidAddress  = fmt.Errorf("bacnet: invalid address")
	ErrNoRoute         = fmt.Errorf("bacnet: no route to destination network")
	ErrHopCountExpired = fmt.Errorf("bacnet: hop count reached zero")
	ErrInvokeIDsInUse  = fmt.Errorf("bacnet: all invoke-ids in use for peer")
	ErrUnknownPeer     = fmt.Errorf("bacnet: no device info for peer")
)

// AbortReason is the one-byte code carried by an Abort APDU (spec §6).
type AbortReason uint8

const (
	AbortOther                       AbortReason = 0
	AbortBufferOverflow              AbortReason = 1
	AbortInvalidApduInThisState      AbortReason = 2
	AbortPreemptedByHigherPriority   AbortReason = 3
	AbortSegmentationNotSupported    AbortReason = 4
	AbortSecurityError               AbortReason = 5
	AbortInsufficientSecurity        AbortReason = 6
	AbortWindowSizeOutOfRange        AbortReason = 7
	AbortApplicationExceededReply    AbortReason = 8
	AbortOutOfResources              AbortReason = 9
	AbortTSMTimeout                  AbortReason = 10
	AbortApduTooLong                 AbortReason = 11
	AbortServerTimeout               AbortReason = 64
	AbortNoResponse                  AbortReason = 65
)

// RejectReason is the one-byte code carried by a Reject APDU (spec §6).
type RejectReason uint8

const (
	RejectOther                     RejectReason = 0
	RejectBufferOverflow            RejectReason = 1
	RejectInconsistentParameters    RejectReason = 2
	RejectInvalidParameterDatatype  RejectReason = 3
	RejectInvalidTag                RejectReason = 4
	RejectMissingRequiredParameter  RejectReason = 5
	RejectParameterOutOfRange       RejectReason = 6
	RejectTooManyArguments          RejectReason = 7
	RejectUndefinedEnumeration      RejectReason = 8
	RejectUnrecognizedService       RejectReason = 9
)

// EncodingError wraps a failure to produce an outbound PDU.
type EncodingError struct {
	Layer string
	Err   error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("bacnet: %s encoding error: %v", e.Layer, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// DecodingError wraps a failure to parse an inbound PDU. Per spec §7 it is
// always safe to drop silently at the layer that produced it.
type DecodingError struct {
	Layer string
	Err   error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("bacnet: %s decoding error: %v", e.Layer, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// RejectError carries a reject reason raised by a service handler; the
// dispatcher translates it into a Reject PDU sent back to the originator.
type RejectError struct {
	Reason RejectReason
}

func (e *RejectError) Error() string { return fmt.Sprintf("bacnet: reject %d", e.Reason) }

// AbortError carries an abort reason; the dispatcher or SSM translates it
// into an Abort PDU.
type AbortError struct {
	Reason AbortReason
	Server bool // true when the abort originates at the server (sent-by-server bit)
}

func (e *AbortError) Error() string { return fmt.Sprintf("bacnet: abort %d", e.Reason) }

// ExecutionError carries a BACnet error-class/error-code pair raised by a
// service handler; translated into an Error APDU.
type ExecutionError struct {
	Class uint32
	Code  uint32
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("bacnet: execution error class=%d code=%d", e.Class, e.Code)
}

// ConfigurationError is fatal at startup (spec §7).
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return fmt.Sprintf("bacnet: configuration error: %v", e.Err) }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransportError wraps a send failure at the UDP transport. Per spec §4.1
// it is not propagated upstream through the protocol stack.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("bacnet: transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }
