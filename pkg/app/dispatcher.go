// Package app is the application-layer dispatcher of spec §4.6: a registry
// of ServiceChoice -> Handler, sitting above pkg/ssm the way pkg/od's
// Index -> Entry registry sits above pkg/sdo. It implements
// ssm.Application without importing pkg/ssm's SAP type into that
// dependency direction, the same decoupling pkg/npdu.Adapter uses for
// pkg/bvll.
package app

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hlv-io/bacstack/pkg/apdu/services"
	"github.com/hlv-io/bacstack/pkg/bacnet"
	"github.com/hlv-io/bacstack/pkg/ssm"
	log "github.com/sirupsen/logrus"
)

// ConfirmedHandler answers one confirmed service request, returning the
// ComplexAck body (or nil for a SimpleAck) or an error the SAP translates
// into Reject/Abort/Error per spec §7.
type ConfirmedHandler func(peer bacnet.Address, data []byte) ([]byte, error)

// UnconfirmedHandler reacts to one unconfirmed service request; it has
// nothing to reply with by definition.
type UnconfirmedHandler func(peer bacnet.Address, data []byte)

// Dispatcher is the registry of ServiceChoice -> Handler plus the local
// object store the built-in ReadProperty/WriteProperty/
// ReadPropertyMultiple/AtomicReadFile/AtomicWriteFile handlers read and
// write. One Dispatcher per local device.
type Dispatcher struct {
	mu          sync.Mutex
	confirmed   map[uint8]ConfirmedHandler
	unconfirmed map[uint8]UnconfirmedHandler

	store  *Store
	sap    *ssm.SAP
	device *DeviceObject
}

// NewDispatcher builds a Dispatcher backed by store and registers the
// built-in handlers for the service set spec §3.1 defines (Who-Is/I-Am/
// Who-Has, ReadProperty/WriteProperty/ReadPropertyMultiple,
// AtomicReadFile/AtomicWriteFile). deviceInstance/vendorID back the
// mandatory device object's properties, including
// Protocol_Services_Supported, which is computed from this dispatcher's
// own registration table rather than stored separately.
func NewDispatcher(store *Store, deviceInstance uint32, vendorID uint32) *Dispatcher {
	d := &Dispatcher{
		confirmed:   make(map[uint8]ConfirmedHandler),
		unconfirmed: make(map[uint8]UnconfirmedHandler),
		store:       store,
	}
	d.device = NewDeviceObject(deviceInstance, vendorID, store, d.ServicesSupported)
	store.Add(d.device)
	d.registerBuiltins()
	return d
}

// SetSAP wires the transaction-layer SAP this dispatcher's Who-Is handler
// answers through with an I-Am. Called once, after ssm.NewSAP(nsap, d, cfg)
// — the same two-step construction pkg/sdo's server/client pairs use when
// each side needs a live reference to the other.
func (d *Dispatcher) SetSAP(sap *ssm.SAP) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sap = sap
}

func (d *Dispatcher) RegisterConfirmed(choice uint8, h ConfirmedHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.confirmed[choice] = h
}

func (d *Dispatcher) RegisterUnconfirmed(choice uint8, h UnconfirmedHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unconfirmed[choice] = h
}

// HandleConfirmedRequest implements ssm.Application.
func (d *Dispatcher) HandleConfirmedRequest(peer bacnet.Address, serviceChoice uint8, data []byte) ([]byte, error) {
	d.mu.Lock()
	h, ok := d.confirmed[serviceChoice]
	d.mu.Unlock()
	if !ok {
		return nil, &bacnet.RejectError{Reason: bacnet.RejectUnrecognizedService}
	}
	return h(peer, data)
}

// HandleUnconfirmedRequest implements ssm.Application.
func (d *Dispatcher) HandleUnconfirmedRequest(peer bacnet.Address, serviceChoice uint8, data []byte) {
	d.mu.Lock()
	h, ok := d.unconfirmed[serviceChoice]
	d.mu.Unlock()
	if !ok {
		log.Debugf("[app/dispatcher] no handler for unconfirmed service %d from %s", serviceChoice, peer)
		return
	}
	h(peer, data)
}

// ServicesSupported answers Protocol_Services_Supported by introspecting
// the registered handler keys (spec §4.6's note, grounded on
// pkg/od.ObjectDictionary's GetObjectsSupported-style pattern of deriving a
// capability bitstring from what's actually registered rather than a
// separately maintained list). Each registered service sets the bit whose
// number is its own service-choice code, confirmed and unconfirmed alike,
// so the two sets share one bit range (see serviceSupportedBit).
func (d *Dispatcher) ServicesSupported() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	bits := make(map[int]bool)
	for choice := range d.confirmed {
		if n, ok := serviceSupportedBit(choice, true); ok {
			bits[n] = true
		}
	}
	for choice := range d.unconfirmed {
		if n, ok := serviceSupportedBit(choice, false); ok {
			bits[n] = true
		}
	}
	maxBit := -1
	for n := range bits {
		if n > maxBit {
			maxBit = n
		}
	}
	if maxBit < 0 {
		return []byte{0x82, 0x00}
	}
	numBytes := maxBit/8 + 1
	unused := numBytes*8 - (maxBit + 1)
	out := make([]byte, 1+numBytes)
	out[0] = byte(unused)
	for n := range bits {
		out[1+n/8] |= 1 << uint(7-n%8)
	}
	return out
}

// serviceSupportedBit maps a service choice to its ServicesSupported bit
// number, which is the service-choice code itself (so unconfirmed I-Am,
// Who-Is and Who-Has land on bits 0, 8 and 9). Only the services bacstack
// actually implements are listed; everything else is reported unsupported.
func serviceSupportedBit(choice uint8, confirmed bool) (int, bool) {
	if confirmed {
		switch choice {
		case services.ConfirmedReadProperty:
			return 12, true
		case services.ConfirmedWriteProperty:
			return 15, true
		case services.ConfirmedReadPropertyMultiple:
			return 14, true
		case services.ConfirmedAtomicReadFile:
			return 6, true
		case services.ConfirmedAtomicWriteFile:
			return 7, true
		}
		return 0, false
	}
	switch choice {
	case services.UnconfirmedWhoIs:
		return 8, true
	case services.UnconfirmedIAm:
		return 0, true
	case services.UnconfirmedWhoHas:
		return 9, true
	}
	return 0, false
}

func unknownObjectError() error {
	return &bacnet.ExecutionError{Class: ErrorClassProperty, Code: ErrorCodeUnknownObject}
}

// sortedObjectIDs is a small helper the Who-Has handler uses to give
// deterministic scan order; not required by the protocol, just nicer logs.
func sortedObjectIDs(ids []ObjectID) []ObjectID {
	out := append([]ObjectID(nil), ids...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Instance < out[j].Instance
	})
	return out
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("app.Dispatcher(device=%d)", d.device.instance)
}
