package app

import (
	"github.com/hlv-io/bacstack/pkg/apdu/services"
	"github.com/hlv-io/bacstack/pkg/bacnet"
	log "github.com/sirupsen/logrus"
)

// registerBuiltins wires the dispatcher's default handlers: the small
// confirmed/unconfirmed service set spec §3.1 defines, all reading and
// writing through d.store.
func (d *Dispatcher) registerBuiltins() {
	d.RegisterConfirmed(services.ConfirmedReadProperty, d.handleReadProperty)
	d.RegisterConfirmed(services.ConfirmedWriteProperty, d.handleWriteProperty)
	d.RegisterConfirmed(services.ConfirmedReadPropertyMultiple, d.handleReadPropertyMultiple)
	d.RegisterConfirmed(services.ConfirmedAtomicReadFile, d.handleAtomicReadFile)
	d.RegisterConfirmed(services.ConfirmedAtomicWriteFile, d.handleAtomicWriteFile)

	d.RegisterUnconfirmed(services.UnconfirmedWhoIs, d.handleWhoIs)
	d.RegisterUnconfirmed(services.UnconfirmedWhoHas, d.handleWhoHas)
	d.RegisterUnconfirmed(services.UnconfirmedIAm, d.handleIAm)
}

func (d *Dispatcher) lookup(objType uint16, instance uint32) (Object, error) {
	obj, ok := d.store.Get(ObjectID{Type: objType, Instance: instance})
	if !ok {
		return nil, unknownObjectError()
	}
	return obj, nil
}

func (d *Dispatcher) handleReadProperty(peer bacnet.Address, data []byte) ([]byte, error) {
	req, err := services.DecodeReadProperty(data)
	if err != nil {
		return nil, &bacnet.RejectError{Reason: bacnet.RejectInvalidTag}
	}
	obj, err := d.lookup(req.ObjectType, req.ObjectInstance)
	if err != nil {
		return nil, err
	}
	value, err := obj.ReadProperty(req.PropertyID, req.ArrayIndex)
	if err != nil {
		return nil, err
	}
	ack := services.ReadPropertyAck{
		ObjectType:     req.ObjectType,
		ObjectInstance: req.ObjectInstance,
		PropertyID:     req.PropertyID,
		ArrayIndex:     req.ArrayIndex,
		Value:          value,
	}
	return ack.Marshal(), nil
}

func (d *Dispatcher) handleWriteProperty(peer bacnet.Address, data []byte) ([]byte, error) {
	req, err := services.DecodeWriteProperty(data)
	if err != nil {
		return nil, &bacnet.RejectError{Reason: bacnet.RejectInvalidTag}
	}
	obj, err := d.lookup(req.ObjectType, req.ObjectInstance)
	if err != nil {
		return nil, err
	}
	if err := obj.WriteProperty(req.PropertyID, req.ArrayIndex, req.Value, req.Priority); err != nil {
		return nil, err
	}
	return nil, nil // SimpleAck
}

func (d *Dispatcher) handleReadPropertyMultiple(peer bacnet.Address, data []byte) ([]byte, error) {
	req, err := services.DecodeReadPropertyMultiple(data)
	if err != nil {
		return nil, &bacnet.RejectError{Reason: bacnet.RejectInvalidTag}
	}
	ack := services.ReadPropertyMultipleAck{}
	for _, spec := range req.Specs {
		result := services.ReadAccessResult{ObjectType: spec.ObjectType, ObjectInstance: spec.ObjectInstance}
		obj, lookupErr := d.lookup(spec.ObjectType, spec.ObjectInstance)
		for _, p := range spec.Properties {
			if lookupErr != nil {
				result.Results = append(result.Results, executionErrorResult(p, lookupErr))
				continue
			}
			value, readErr := obj.ReadProperty(p.PropertyID, p.ArrayIndex)
			if readErr != nil {
				result.Results = append(result.Results, executionErrorResult(p, readErr))
				continue
			}
			result.Results = append(result.Results, services.ReadResult{
				PropertyID: p.PropertyID,
				ArrayIndex: p.ArrayIndex,
				Value:      value,
			})
		}
		ack.Results = append(ack.Results, result)
	}
	return ack.Marshal(), nil
}

func executionErrorResult(p services.PropertyReference, err error) services.ReadResult {
	class, code := uint32(ErrorClassProperty), ErrorCodeUnknownProperty
	if ee, ok := err.(*bacnet.ExecutionError); ok {
		class, code = ee.Class, ee.Code
	}
	return services.ReadResult{PropertyID: p.PropertyID, ArrayIndex: p.ArrayIndex, IsError: true, ErrorClass: class, ErrorCode: code}
}

func (d *Dispatcher) lookupFile(objType uint16, instance uint32) (*InMemoryFileObject, error) {
	obj, err := d.lookup(objType, instance)
	if err != nil {
		return nil, err
	}
	f, ok := obj.(*InMemoryFileObject)
	if !ok {
		return nil, unknownObjectError()
	}
	return f, nil
}

func (d *Dispatcher) handleAtomicReadFile(peer bacnet.Address, data []byte) ([]byte, error) {
	req, err := services.DecodeAtomicReadFile(data)
	if err != nil {
		return nil, &bacnet.RejectError{Reason: bacnet.RejectInvalidTag}
	}
	f, err := d.lookupFile(req.ObjectType, req.ObjectInstance)
	if err != nil {
		return nil, err
	}
	chunk, eof, readErr := f.ReadFile(req.StartPosition, req.RequestedCount)
	if readErr != nil {
		return nil, &bacnet.RejectError{Reason: bacnet.RejectParameterOutOfRange}
	}
	ack := services.AtomicReadFileAck{EndOfFile: eof, Data: chunk}
	return ack.Marshal(), nil
}

func (d *Dispatcher) handleAtomicWriteFile(peer bacnet.Address, data []byte) ([]byte, error) {
	req, err := services.DecodeAtomicWriteFile(data)
	if err != nil {
		return nil, &bacnet.RejectError{Reason: bacnet.RejectInvalidTag}
	}
	f, err := d.lookupFile(req.ObjectType, req.ObjectInstance)
	if err != nil {
		return nil, err
	}
	pos, writeErr := f.WriteFile(req.StartPosition, req.Data)
	if writeErr != nil {
		return nil, &bacnet.RejectError{Reason: bacnet.RejectParameterOutOfRange}
	}
	ack := services.AtomicWriteFileAck{StartPosition: pos}
	return ack.Marshal(), nil
}

// handleWhoIs answers with an I-Am when the device's instance falls inside
// the requested range (or the range is absent, meaning "everyone"). It
// needs SetSAP to have been called; before that it can only log, the same
// as any handler racing device startup.
func (d *Dispatcher) handleWhoIs(peer bacnet.Address, data []byte) {
	whoIs, err := services.DecodeWhoIs(data)
	if err != nil {
		log.Debugf("[app/dispatcher] malformed Who-Is from %s: %v", peer, err)
		return
	}
	instance := d.device.instance
	if whoIs.LowLimit != nil && whoIs.HighLimit != nil {
		if instance < *whoIs.LowLimit || instance > *whoIs.HighLimit {
			return
		}
	}
	d.mu.Lock()
	sap := d.sap
	d.mu.Unlock()
	if sap == nil {
		log.Debugf("[app/dispatcher] Who-Is from %s before SAP was wired, dropping I-Am reply", peer)
		return
	}
	iam := services.IAm{
		ObjectType:            ObjectTypeDevice,
		ObjectInstance:        instance,
		MaxApduLength:         1476,
		SegmentationSupported: services.SegmentationBoth,
		VendorID:              d.device.vendorID,
	}
	if err := sap.NotifyUnconfirmed(peer, services.UnconfirmedIAm, iam.Marshal()); err != nil {
		log.Warnf("[app/dispatcher] I-Am reply to %s failed: %v", peer, err)
	}
}

func (d *Dispatcher) handleIAm(peer bacnet.Address, data []byte) {
	// Device-info caching on receipt is pkg/ssm.SAP's job (onAPDU already
	// updates the cache before this handler runs); nothing more to do with
	// an I-Am bacstack didn't ask a higher layer to track.
}

// handleWhoHas searches the store for the object a by-identifier Who-Has
// names and logs a match. It sends no I-Have reply, and by-name requests
// never match.
func (d *Dispatcher) handleWhoHas(peer bacnet.Address, data []byte) {
	req, err := services.DecodeWhoHas(data)
	if err != nil {
		log.Debugf("[app/dispatcher] malformed Who-Has from %s: %v", peer, err)
		return
	}
	for _, id := range sortedObjectIDs(d.store.List()) {
		if req.ByName {
			continue // object names aren't indexed separately from ReadProperty
		}
		if id.Type == req.ObjectType && id.Instance == req.ObjectInstance {
			log.Debugf("[app/dispatcher] Who-Has match for %s from %s", id, peer)
			return
		}
	}
}
