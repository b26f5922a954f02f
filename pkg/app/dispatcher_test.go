package app

import (
	"net"
	"testing"

	"github.com/hlv-io/bacstack/pkg/apdu/services"
	"github.com/hlv-io/bacstack/pkg/bacnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher() *Dispatcher {
	store := NewStore()
	store.Add(NewAnalogValueObject(1, "outside-air-temp", 21.5))
	store.Add(NewBinaryValueObject(1, "fan-enable", false))
	store.Add(NewInMemoryFileObject(1, "log"))
	return NewDispatcher(store, 1001, 999)
}

func testPeer() bacnet.Address {
	return bacnet.LocalStationFromUDP(net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 47808})
}

func TestReadPropertyPresentValue(t *testing.T) {
	d := newTestDispatcher()
	req := services.ReadProperty{ObjectType: ObjectTypeAnalogValue, ObjectInstance: 1, PropertyID: PropPresentValue}
	ack, err := d.HandleConfirmedRequest(testPeer(), services.ConfirmedReadProperty, req.Marshal())
	require.NoError(t, err)

	decoded, err := services.DecodeReadPropertyAck(ack)
	require.NoError(t, err)
	v, err := DecodeReal(decoded.Value)
	require.NoError(t, err)
	assert.InDelta(t, 21.5, v, 0.001)
}

func TestReadPropertyUnknownObject(t *testing.T) {
	d := newTestDispatcher()
	req := services.ReadProperty{ObjectType: ObjectTypeAnalogValue, ObjectInstance: 99, PropertyID: PropPresentValue}
	_, err := d.HandleConfirmedRequest(testPeer(), services.ConfirmedReadProperty, req.Marshal())
	require.Error(t, err)
	execErr, ok := err.(*bacnet.ExecutionError)
	require.True(t, ok)
	assert.Equal(t, uint32(ErrorCodeUnknownObject), execErr.Code)
}

func TestWriteThenReadPropertyRoundTrips(t *testing.T) {
	d := newTestDispatcher()
	write := services.WriteProperty{
		ObjectType:     ObjectTypeAnalogValue,
		ObjectInstance: 1,
		PropertyID:     PropPresentValue,
		Value:          AppendReal(nil, 72.25),
	}
	ack, err := d.HandleConfirmedRequest(testPeer(), services.ConfirmedWriteProperty, write.Marshal())
	require.NoError(t, err)
	assert.Nil(t, ack) // SimpleAck

	read := services.ReadProperty{ObjectType: ObjectTypeAnalogValue, ObjectInstance: 1, PropertyID: PropPresentValue}
	raw, err := d.HandleConfirmedRequest(testPeer(), services.ConfirmedReadProperty, read.Marshal())
	require.NoError(t, err)
	decoded, err := services.DecodeReadPropertyAck(raw)
	require.NoError(t, err)
	v, err := DecodeReal(decoded.Value)
	require.NoError(t, err)
	assert.InDelta(t, 72.25, v, 0.001)
}

func TestWritePropertyReadOnlyRejected(t *testing.T) {
	d := newTestDispatcher()
	write := services.WriteProperty{
		ObjectType:     ObjectTypeDevice,
		ObjectInstance: 1001,
		PropertyID:     PropObjectName,
		Value:          AppendCharacterString(nil, "nope"),
	}
	_, err := d.HandleConfirmedRequest(testPeer(), services.ConfirmedWriteProperty, write.Marshal())
	require.Error(t, err)
	execErr, ok := err.(*bacnet.ExecutionError)
	require.True(t, ok)
	assert.Equal(t, uint32(ErrorCodeWriteAccessDenied), execErr.Code)
}

func TestReadPropertyMultipleMixesValuesAndErrors(t *testing.T) {
	d := newTestDispatcher()
	req := services.ReadPropertyMultiple{Specs: []services.ReadAccessSpec{
		{
			ObjectType:     ObjectTypeAnalogValue,
			ObjectInstance: 1,
			Properties: []services.PropertyReference{
				{PropertyID: PropPresentValue},
				{PropertyID: 9999}, // unknown property
			},
		},
		{
			ObjectType:     ObjectTypeAnalogValue,
			ObjectInstance: 42, // unknown object
			Properties:     []services.PropertyReference{{PropertyID: PropPresentValue}},
		},
	}}
	raw, err := d.HandleConfirmedRequest(testPeer(), services.ConfirmedReadPropertyMultiple, req.Marshal())
	require.NoError(t, err)

	ack, err := services.DecodeReadPropertyMultipleAck(raw)
	require.NoError(t, err)
	require.Len(t, ack.Results, 2)

	first := ack.Results[0]
	require.Len(t, first.Results, 2)
	assert.False(t, first.Results[0].IsError)
	assert.True(t, first.Results[1].IsError)
	assert.Equal(t, uint32(ErrorCodeUnknownProperty), first.Results[1].ErrorCode)

	second := ack.Results[1]
	require.Len(t, second.Results, 1)
	assert.True(t, second.Results[0].IsError)
	assert.Equal(t, uint32(ErrorCodeUnknownObject), second.Results[0].ErrorCode)
}

func TestAtomicReadWriteFileRoundTrips(t *testing.T) {
	d := newTestDispatcher()
	payload := []byte("hello segmented world")
	write := services.AtomicWriteFile{ObjectType: ObjectTypeFile, ObjectInstance: 1, StartPosition: -1, Data: payload}
	raw, err := d.HandleConfirmedRequest(testPeer(), services.ConfirmedAtomicWriteFile, write.Marshal())
	require.NoError(t, err)
	writeAck, err := services.DecodeAtomicWriteFileAck(raw)
	require.NoError(t, err)
	assert.Equal(t, int32(0), writeAck.StartPosition)

	read := services.AtomicReadFile{ObjectType: ObjectTypeFile, ObjectInstance: 1, StartPosition: 0, RequestedCount: uint32(len(payload))}
	raw, err = d.HandleConfirmedRequest(testPeer(), services.ConfirmedAtomicReadFile, read.Marshal())
	require.NoError(t, err)
	readAck, err := services.DecodeAtomicReadFileAck(raw)
	require.NoError(t, err)
	assert.True(t, readAck.EndOfFile)
	assert.Equal(t, payload, readAck.Data)
}

func TestAtomicReadFileUnknownObjectRejected(t *testing.T) {
	d := newTestDispatcher()
	read := services.AtomicReadFile{ObjectType: ObjectTypeFile, ObjectInstance: 77, StartPosition: 0, RequestedCount: 10}
	_, err := d.HandleConfirmedRequest(testPeer(), services.ConfirmedAtomicReadFile, read.Marshal())
	require.Error(t, err)
}

func TestConfirmedUnrecognizedServiceRejected(t *testing.T) {
	d := newTestDispatcher()
	_, err := d.HandleConfirmedRequest(testPeer(), 250, nil)
	require.Error(t, err)
	rejectErr, ok := err.(*bacnet.RejectError)
	require.True(t, ok)
	assert.Equal(t, bacnet.RejectUnrecognizedService, rejectErr.Reason)
}

func TestUnconfirmedUnknownServiceIsNoop(t *testing.T) {
	d := newTestDispatcher()
	d.HandleUnconfirmedRequest(testPeer(), 250, nil) // must not panic
}

func TestServicesSupportedReflectsRegisteredHandlers(t *testing.T) {
	d := newTestDispatcher()
	bits := d.ServicesSupported()
	require.NotEmpty(t, bits)
	unused := int(bits[0])
	numBits := (len(bits)-1)*8 - unused
	hasBit := func(n int) bool {
		if n >= numBits {
			return false
		}
		return bits[1+n/8]&(1<<uint(7-n%8)) != 0
	}
	assert.True(t, hasBit(12), "ReadProperty bit should be set")
	assert.True(t, hasBit(15), "WriteProperty bit should be set")
	assert.True(t, hasBit(8), "Who-Is bit should be set")
	assert.False(t, hasBit(5), "unimplemented service bit should be clear")
}

func TestObjectListIncludesEveryStoredObject(t *testing.T) {
	d := newTestDispatcher()
	req := services.ReadProperty{ObjectType: ObjectTypeDevice, ObjectInstance: 1001, PropertyID: PropObjectList}
	raw, err := d.HandleConfirmedRequest(testPeer(), services.ConfirmedReadProperty, req.Marshal())
	require.NoError(t, err)
	ack, err := services.DecodeReadPropertyAck(raw)
	require.NoError(t, err)
	// Device + analog-value + binary-value + file = 4 five-byte object IDs.
	assert.Equal(t, 4*5, len(ack.Value))
}
