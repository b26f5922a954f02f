package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhoIsRoundTrip(t *testing.T) {
	low, high := uint32(100), uint32(200)
	w := WhoIs{LowLimit: &low, HighLimit: &high}
	decoded, err := DecodeWhoIs(w.Marshal())
	require.NoError(t, err)
	require.NotNil(t, decoded.LowLimit)
	require.NotNil(t, decoded.HighLimit)
	assert.EqualValues(t, 100, *decoded.LowLimit)
	assert.EqualValues(t, 200, *decoded.HighLimit)
}

func TestWhoIsUnlimitedRoundTrip(t *testing.T) {
	decoded, err := DecodeWhoIs(WhoIs{}.Marshal())
	require.NoError(t, err)
	assert.Nil(t, decoded.LowLimit)
	assert.Nil(t, decoded.HighLimit)
}

func TestIAmRoundTrip(t *testing.T) {
	a := IAm{
		ObjectType:            8, // device
		ObjectInstance:        1234,
		MaxApduLength:         1476,
		SegmentationSupported: SegmentationBoth,
		VendorID:              999,
	}
	decoded, err := DecodeIAm(a.Marshal())
	require.NoError(t, err)
	assert.Equal(t, a, decoded)
}

func TestReadPropertyRoundTrip(t *testing.T) {
	idx := uint32(3)
	r := ReadProperty{ObjectType: 8, ObjectInstance: 42, PropertyID: 85, ArrayIndex: &idx}
	decoded, err := DecodeReadProperty(r.Marshal())
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestReadPropertyAckRoundTrip(t *testing.T) {
	ack := ReadPropertyAck{ObjectType: 8, ObjectInstance: 42, PropertyID: 85, Value: []byte{0x21, 0x05}}
	decoded, err := DecodeReadPropertyAck(ack.Marshal())
	require.NoError(t, err)
	assert.Equal(t, ack, decoded)
}

func TestWritePropertyRoundTrip(t *testing.T) {
	prio := uint8(8)
	w := WriteProperty{ObjectType: 8, ObjectInstance: 1, PropertyID: 85, Value: []byte{0x44, 0x42, 0x20, 0x00, 0x00}, Priority: &prio}
	decoded, err := DecodeWriteProperty(w.Marshal())
	require.NoError(t, err)
	assert.Equal(t, w, decoded)
}

func TestReadPropertyMultipleRoundTrip(t *testing.T) {
	idx := uint32(1)
	req := ReadPropertyMultiple{Specs: []ReadAccessSpec{
		{ObjectType: 8, ObjectInstance: 1, Properties: []PropertyReference{
			{PropertyID: 77},
			{PropertyID: 85, ArrayIndex: &idx},
		}},
		{ObjectType: 2, ObjectInstance: 5, Properties: []PropertyReference{{PropertyID: 85}}},
	}}
	decoded, err := DecodeReadPropertyMultiple(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestReadPropertyMultipleAckRoundTrip(t *testing.T) {
	ack := ReadPropertyMultipleAck{Results: []ReadAccessResult{
		{ObjectType: 8, ObjectInstance: 1, Results: []ReadResult{
			{PropertyID: 77, Value: []byte{0x21, 0x01}},
			{PropertyID: 85, IsError: true, ErrorClass: 2, ErrorCode: 31},
		}},
	}}
	decoded, err := DecodeReadPropertyMultipleAck(ack.Marshal())
	require.NoError(t, err)
	assert.Equal(t, ack, decoded)
}

func TestAtomicReadFileRoundTrip(t *testing.T) {
	r := AtomicReadFile{ObjectType: 10, ObjectInstance: 1, StartPosition: -5, RequestedCount: 4096}
	decoded, err := DecodeAtomicReadFile(r.Marshal())
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestAtomicReadFileAckRoundTrip(t *testing.T) {
	data := make([]byte, 2000)
	for i := range data {
		data[i] = byte(i)
	}
	ack := AtomicReadFileAck{EndOfFile: true, Data: data}
	decoded, err := DecodeAtomicReadFileAck(ack.Marshal())
	require.NoError(t, err)
	assert.Equal(t, ack.EndOfFile, decoded.EndOfFile)
	assert.Equal(t, ack.Data, decoded.Data)
}

func TestAtomicWriteFileRoundTrip(t *testing.T) {
	w := AtomicWriteFile{ObjectType: 10, ObjectInstance: 1, StartPosition: 0, Data: []byte{1, 2, 3, 4}}
	decoded, err := DecodeAtomicWriteFile(w.Marshal())
	require.NoError(t, err)
	assert.Equal(t, w, decoded)
}

func TestWhoHasRoundTripByName(t *testing.T) {
	w := WhoHas{ByName: true, ObjectName: "AHU-1"}
	decoded, err := DecodeWhoHas(w.Marshal())
	require.NoError(t, err)
	assert.Equal(t, w, decoded)
}

func TestWhoHasRoundTripByID(t *testing.T) {
	w := WhoHas{ObjectType: 2, ObjectInstance: 7}
	decoded, err := DecodeWhoHas(w.Marshal())
	require.NoError(t, err)
	assert.Equal(t, w, decoded)
}
