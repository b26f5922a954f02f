package app

import (
	"fmt"
	"sync"

	"github.com/hlv-io/bacstack/pkg/bacnet"
)

// Object type enumeration values bacstack's minimal store recognizes
// (ASHRAE 135 clause 21, Object_Type).
const (
	ObjectTypeAnalogValue uint16 = 2
	ObjectTypeBinaryValue uint16 = 5
	ObjectTypeDevice      uint16 = 8
)

// Property identifiers the objects below answer (clause 21, Property_Identifier).
const (
	PropObjectIdentifier          uint32 = 75
	PropObjectList                uint32 = 76
	PropObjectName                uint32 = 77
	PropObjectType                uint32 = 79
	PropPresentValue              uint32 = 85
	PropProtocolServicesSupported uint32 = 97
	PropStatusFlags               uint32 = 111
	PropVendorIdentifier          uint32 = 120
)

// ObjectTypeFile backs AtomicReadFile/AtomicWriteFile demo objects.
const ObjectTypeFile uint16 = 10

// Error class/code pairs (clause 18's Error_Class/Error_Code enumerations)
// the objects below raise as *bacnet.ExecutionError.
const (
	ErrorClassProperty uint32 = 2

	ErrorCodeUnknownObject    uint32 = 31
	ErrorCodeUnknownProperty  uint32 = 32
	ErrorCodeWriteAccessDenied uint32 = 40
)

// ObjectID identifies one object by type and instance.
type ObjectID struct {
	Type     uint16
	Instance uint32
}

func (id ObjectID) String() string { return fmt.Sprintf("%d:%d", id.Type, id.Instance) }

// Object is the minimal surface the dispatcher's ReadProperty/WriteProperty
// handlers drive. Grounded on pkg/od.Entry's reader/writer-pair-per-index
// shape (spec §4.6): here the registry keys on ObjectID instead of a CANopen
// index, and each Object answers its own small set of properties instead of
// delegating to an Entry's Variable/VariableList/extension indirection —
// there's no EDS-driven schema to honor, just a fixed set of demo objects.
type Object interface {
	ID() ObjectID
	ReadProperty(propertyID uint32, arrayIndex *uint32) ([]byte, error)
	WriteProperty(propertyID uint32, arrayIndex *uint32, value []byte, priority *uint8) error
}

// Store is the in-memory object table: explicitly not "a fully populated
// object database" (spec's stated Non-goal), just enough state for the
// dispatcher to have something real to read and write.
type Store struct {
	mu      sync.Mutex
	objects map[ObjectID]Object
}

func NewStore() *Store {
	return &Store{objects: make(map[ObjectID]Object)}
}

func (s *Store) Add(obj Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[obj.ID()] = obj
}

func (s *Store) Get(id ObjectID) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	return obj, ok
}

// List returns every registered object identifier, in no particular order
// — used to answer the device object's Object_List property.
func (s *Store) List() []ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ObjectID, 0, len(s.objects))
	for id := range s.objects {
		out = append(out, id)
	}
	return out
}

func errUnknownProperty() error {
	return &bacnet.ExecutionError{Class: ErrorClassProperty, Code: ErrorCodeUnknownProperty}
}

func errWriteAccessDenied() error {
	return &bacnet.ExecutionError{Class: ErrorClassProperty, Code: ErrorCodeWriteAccessDenied}
}

// DeviceObject is the one mandatory BACnet object every device exposes
// (clause 12.11). ServicesSupported is a callback rather than a stored
// bitstring so it always reflects the dispatcher's live registration table
// (spec §4.6's "introspect the registered keys" pattern).
type DeviceObject struct {
	mu                 sync.Mutex
	instance           uint32
	vendorID           uint32
	store              *Store
	servicesSupported  func() []byte
}

func NewDeviceObject(instance uint32, vendorID uint32, store *Store, servicesSupported func() []byte) *DeviceObject {
	return &DeviceObject{instance: instance, vendorID: vendorID, store: store, servicesSupported: servicesSupported}
}

func (d *DeviceObject) ID() ObjectID { return ObjectID{Type: ObjectTypeDevice, Instance: d.instance} }

func (d *DeviceObject) ReadProperty(propertyID uint32, _ *uint32) ([]byte, error) {
	switch propertyID {
	case PropObjectIdentifier:
		return encodeObjectIDValue(d.ID()), nil
	case PropObjectName:
		return AppendCharacterString(nil, fmt.Sprintf("device-%d", d.instance)), nil
	case PropObjectType:
		return AppendEnumerated(nil, uint32(ObjectTypeDevice)), nil
	case PropVendorIdentifier:
		return encodeUnsigned(uint64(d.vendorID)), nil
	case PropProtocolServicesSupported:
		return d.servicesSupported(), nil
	case PropObjectList:
		var buf []byte
		for _, id := range d.store.List() {
			buf = append(buf, encodeObjectIDValue(id)...)
		}
		return buf, nil
	default:
		return nil, errUnknownProperty()
	}
}

func (d *DeviceObject) WriteProperty(uint32, *uint32, []byte, *uint8) error {
	return errWriteAccessDenied()
}

func encodeObjectIDValue(id ObjectID) []byte {
	packed := (uint32(id.Type)&0x3FF)<<22 | (id.Instance & 0x3FFFFF)
	return []byte{0xC4, byte(packed >> 24), byte(packed >> 16), byte(packed >> 8), byte(packed)}
}

// AnalogValueObject is a minimal read/write single-precision present-value
// object, the stand-in bacstack's demo server and tests use for any numeric
// point.
type AnalogValueObject struct {
	mu           sync.Mutex
	instance     uint32
	name         string
	presentValue float32
}

func NewAnalogValueObject(instance uint32, name string, initial float32) *AnalogValueObject {
	return &AnalogValueObject{instance: instance, name: name, presentValue: initial}
}

func (o *AnalogValueObject) ID() ObjectID {
	return ObjectID{Type: ObjectTypeAnalogValue, Instance: o.instance}
}

func (o *AnalogValueObject) PresentValue() float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.presentValue
}

func (o *AnalogValueObject) ReadProperty(propertyID uint32, _ *uint32) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch propertyID {
	case PropObjectIdentifier:
		return encodeObjectIDValue(o.ID()), nil
	case PropObjectName:
		return AppendCharacterString(nil, o.name), nil
	case PropObjectType:
		return AppendEnumerated(nil, uint32(ObjectTypeAnalogValue)), nil
	case PropPresentValue:
		return AppendReal(nil, o.presentValue), nil
	case PropStatusFlags:
		return []byte{0x82, 0x00}, nil // bit string, all flags clear
	default:
		return nil, errUnknownProperty()
	}
}

func (o *AnalogValueObject) WriteProperty(propertyID uint32, _ *uint32, value []byte, _ *uint8) error {
	if propertyID != PropPresentValue {
		return errWriteAccessDenied()
	}
	v, err := DecodeReal(value)
	if err != nil {
		return &bacnet.RejectError{Reason: bacnet.RejectInvalidParameterDatatype}
	}
	o.mu.Lock()
	o.presentValue = v
	o.mu.Unlock()
	return nil
}

// BinaryValueObject is the Boolean-present-value counterpart, encoded as an
// enumerated active(1)/inactive(0) per clause 12.8's Present_Value.
type BinaryValueObject struct {
	mu           sync.Mutex
	instance     uint32
	name         string
	presentValue bool
}

func NewBinaryValueObject(instance uint32, name string, initial bool) *BinaryValueObject {
	return &BinaryValueObject{instance: instance, name: name, presentValue: initial}
}

func (o *BinaryValueObject) ID() ObjectID {
	return ObjectID{Type: ObjectTypeBinaryValue, Instance: o.instance}
}

func (o *BinaryValueObject) PresentValue() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.presentValue
}

func (o *BinaryValueObject) ReadProperty(propertyID uint32, _ *uint32) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch propertyID {
	case PropObjectIdentifier:
		return encodeObjectIDValue(o.ID()), nil
	case PropObjectName:
		return AppendCharacterString(nil, o.name), nil
	case PropObjectType:
		return AppendEnumerated(nil, uint32(ObjectTypeBinaryValue)), nil
	case PropPresentValue:
		state := uint32(0)
		if o.presentValue {
			state = 1
		}
		return AppendEnumerated(nil, state), nil
	case PropStatusFlags:
		return []byte{0x82, 0x00}, nil
	default:
		return nil, errUnknownProperty()
	}
}

func (o *BinaryValueObject) WriteProperty(propertyID uint32, _ *uint32, value []byte, _ *uint8) error {
	if propertyID != PropPresentValue {
		return errWriteAccessDenied()
	}
	state, err := DecodeEnumerated(value)
	if err != nil {
		return &bacnet.RejectError{Reason: bacnet.RejectInvalidParameterDatatype}
	}
	o.mu.Lock()
	o.presentValue = state != 0
	o.mu.Unlock()
	return nil
}

// InMemoryFileObject backs AtomicReadFile/AtomicWriteFile: spec §3.1 needs
// a realistically-sized confirmed service to exercise segmentation with
// (§8 scenario 3), not real file semantics, so the "file" is just a growable
// byte slice addressed by a stream-access start position.
type InMemoryFileObject struct {
	mu       sync.Mutex
	instance uint32
	name     string
	data     []byte
}

func NewInMemoryFileObject(instance uint32, name string) *InMemoryFileObject {
	return &InMemoryFileObject{instance: instance, name: name}
}

func (f *InMemoryFileObject) ID() ObjectID {
	return ObjectID{Type: ObjectTypeFile, Instance: f.instance}
}

func (f *InMemoryFileObject) ReadProperty(propertyID uint32, _ *uint32) ([]byte, error) {
	switch propertyID {
	case PropObjectIdentifier:
		return encodeObjectIDValue(f.ID()), nil
	case PropObjectName:
		return AppendCharacterString(nil, f.name), nil
	case PropObjectType:
		return AppendEnumerated(nil, uint32(ObjectTypeFile)), nil
	default:
		return nil, errUnknownProperty()
	}
}

func (f *InMemoryFileObject) WriteProperty(uint32, *uint32, []byte, *uint8) error {
	return errWriteAccessDenied()
}

// ReadFile returns up to count bytes starting at start (negative start
// counts from the current end, per clause 14.1's stream-access semantics)
// and whether the read reached the end of the data.
func (f *InMemoryFileObject) ReadFile(start int32, count uint32) (data []byte, eof bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos := int(start)
	if start < 0 {
		pos = len(f.data) + int(start)
	}
	if pos < 0 || pos > len(f.data) {
		return nil, true, fmt.Errorf("app: AtomicReadFile start position %d out of range", start)
	}
	end := pos + int(count)
	if end >= len(f.data) {
		end = len(f.data)
		eof = true
	}
	out := make([]byte, end-pos)
	copy(out, f.data[pos:end])
	return out, eof, nil
}

// WriteFile writes data at start, extending the buffer with zero bytes if
// start is past the current end, and returns the position actually used
// (clause 14.2: a start of -1 means "append").
func (f *InMemoryFileObject) WriteFile(start int32, data []byte) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos := int(start)
	if start < 0 {
		pos = len(f.data)
	}
	if pos > len(f.data) {
		f.data = append(f.data, make([]byte, pos-len(f.data))...)
	}
	end := pos + len(data)
	if end > len(f.data) {
		f.data = append(f.data, make([]byte, end-len(f.data))...)
	}
	copy(f.data[pos:end], data)
	return int32(pos), nil
}
