package npdu

import (
	"sync"
	"testing"

	"github.com/hlv-io/bacstack/pkg/bacnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNPCIRoundTripLocalUnicast(t *testing.T) {
	npci := NPCI{Version: Version, Priority: PriorityNormal}
	raw, err := Encode(npci, []byte{0x10, 0x01})
	require.NoError(t, err)

	decoded, payload, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x01}, payload)
	assert.Nil(t, decoded.Destination)
	assert.Nil(t, decoded.Source)
	assert.False(t, decoded.IsNetworkMessage)
}

func TestNPCIRoundTripRemoteWithSourceAndHopCount(t *testing.T) {
	dest := bacnet.RemoteStation(10, []byte{1, 2, 3, 4, 0xBA, 0xC0})
	src := bacnet.RemoteStation(5, []byte{9, 9, 9, 9, 0xBA, 0xC0})
	npci := NPCI{
		Version:     Version,
		Destination: &dest,
		Source:      &src,
		HopCount:    200,
		Priority:    PriorityUrgent,
	}
	raw, err := Encode(npci, []byte{0xAA})
	require.NoError(t, err)

	decoded, payload, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, decoded.Destination)
	require.NotNil(t, decoded.Source)
	assert.True(t, dest.Equal(*decoded.Destination))
	assert.True(t, src.Equal(*decoded.Source))
	assert.EqualValues(t, 200, decoded.HopCount)
	assert.Equal(t, PriorityUrgent, decoded.Priority)
	assert.Equal(t, []byte{0xAA}, payload)
}

func TestNPCIRoundTripGlobalBroadcastAndNetworkMessage(t *testing.T) {
	dest := bacnet.GlobalBroadcast()
	npci := NPCI{
		Version:          Version,
		Destination:      &dest,
		HopCount:         255,
		IsNetworkMessage: true,
		NetMessageType:   NetMsgWhoIsRouterToNetwork,
	}
	body := EncodeWhoIsRouterToNetwork(42)
	raw, err := Encode(npci, body)
	require.NoError(t, err)

	decoded, payload, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, bacnet.KindGlobalBroadcast, decoded.Destination.Kind)
	assert.True(t, decoded.IsNetworkMessage)
	assert.Equal(t, NetMsgWhoIsRouterToNetwork, decoded.NetMessageType)
	assert.EqualValues(t, 42, DecodeWhoIsRouterToNetwork(payload))
}

func TestEncodeRejectsBroadcastSADR(t *testing.T) {
	bcast := bacnet.RemoteBroadcast(3)
	_, err := Encode(NPCI{Version: Version, Source: &bcast}, nil)
	assert.Error(t, err)
}

func TestDecodeRejectsBroadcastSADR(t *testing.T) {
	// Hand-craft: control has SADR-present, SLEN=0 (broadcast form).
	raw := []byte{Version, ctrlSrcPresent, 0x00, 0x03, 0x00}
	_, _, err := Decode(raw)
	assert.Error(t, err)
}

// fakeAdapter is a minimal Adapter recording every frame it was asked to
// send, for NSAP routing tests.
type fakeAdapter struct {
	mu         sync.Mutex
	unicasts   []sentUnicast
	broadcasts [][]byte
}

type sentUnicast struct {
	dest bacnet.Address
	npdu []byte
}

func (f *fakeAdapter) SendUnicast(dest bacnet.Address, npdu []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unicasts = append(f.unicasts, sentUnicast{dest: dest, npdu: npdu})
	return nil
}

func (f *fakeAdapter) SendBroadcast(npdu []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, npdu)
	return nil
}

func (f *fakeAdapter) snapshot() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unicasts), len(f.broadcasts)
}

func TestNSAPQueuesOnCacheMissAndReleasesOnIAmRouter(t *testing.T) {
	localAddr := bacnet.LocalStation([]byte{1, 1, 1, 1, 0xBA, 0xC0})
	nsap := NewNSAP(localAddr)
	local := &fakeAdapter{}
	nsap.AddAdapter(0, local, true)

	dest := bacnet.RemoteStation(10, []byte{2, 2, 2, 2, 0xBA, 0xC0})
	npdu, err := Encode(NPCI{Version: Version}, []byte{0x01})
	require.NoError(t, err)
	require.NoError(t, nsap.Send(dest, npdu))

	_, broadcasts := local.snapshot()
	assert.Equal(t, 1, broadcasts) // Who-Is-Router-To-Network went out

	router := bacnet.LocalStation([]byte{1, 1, 1, 2, 0xBA, 0xC0})
	body := EncodeIAmRouterToNetwork([]uint16{10})
	iAmRouter, err := Encode(NPCI{Version: Version, IsNetworkMessage: true, NetMessageType: NetMsgIAmRouterToNetwork}, body)
	require.NoError(t, err)
	nsap.HandleInbound(0, router, iAmRouter)

	unicasts, _ := local.snapshot()
	require.Equal(t, 1, unicasts)
	// router arrived on the local adapter itself: HandleInbound synthesizes
	// its address as a LocalStation (directly-connected neighbor), not a
	// RemoteStation, since no SADR was present and adapter net 0 is ours.
	assert.True(t, bacnet.LocalStation(router.Mac).Equal(local.unicasts[0].dest))

	info, ok := nsap.cache.Lookup(10)
	require.True(t, ok)
	assert.Equal(t, RouteAvailable, info.Status)
}

func TestNSAPForwardDecrementsHopCountAndDropsAtZero(t *testing.T) {
	localAddr := bacnet.LocalStation([]byte{1, 1, 1, 1, 0xBA, 0xC0})
	nsap := NewNSAP(localAddr)
	netA := &fakeAdapter{}
	netB := &fakeAdapter{}
	nsap.AddAdapter(1, netA, true)
	nsap.AddAdapter(2, netB, false)

	dest := bacnet.RemoteStation(2, []byte{3, 3, 3, 3, 0xBA, 0xC0})
	var upwardCount int
	nsap.SetUpward(UpwardFunc(func(source bacnet.Address, apdu []byte) { upwardCount++ }))

	src := bacnet.LocalStation([]byte{9, 9, 9, 9, 0xBA, 0xC0})
	inbound, err := Encode(NPCI{Version: Version, Destination: &dest, HopCount: 1}, []byte{0xCC})
	require.NoError(t, err)

	nsap.HandleInbound(1, src, inbound)
	require.Len(t, netB.unicasts, 1)
	decoded, payload, err := Decode(netB.unicasts[0].npdu)
	require.NoError(t, err)
	assert.EqualValues(t, 0, decoded.HopCount)
	assert.Equal(t, []byte{0xCC}, payload)
	assert.Equal(t, 0, upwardCount)

	// Replayed without its SADR, the forwarded frame reaches the hop-count
	// check with hop count 0 and must be dropped.
	replay := decoded
	replay.Source = nil
	again, err := Encode(replay, payload)
	require.NoError(t, err)
	secondHopSrc := bacnet.LocalStation([]byte{1, 1, 1, 2, 0xBA, 0xC0})
	nsap.HandleInbound(1, secondHopSrc, again)
	assert.Len(t, netB.unicasts, 1, "must not forward once hop count reaches 0")
}

func TestNSAPSendAPDUStampsHopCountForRemoteDestination(t *testing.T) {
	localAddr := bacnet.LocalStation([]byte{1, 1, 1, 1, 0xBA, 0xC0})
	nsap := NewNSAP(localAddr)
	local := &fakeAdapter{}
	nsap.AddAdapter(0, local, true)
	router := bacnet.LocalStation([]byte{1, 1, 1, 9, 0xBA, 0xC0})
	nsap.cache.Update(10, RouteInfo{SourceNet: 0, Router: router, Status: RouteAvailable})

	dest := bacnet.RemoteStation(10, []byte{2, 2, 2, 2, 0xBA, 0xC0})
	require.NoError(t, nsap.SendAPDU(dest, []byte{0x01, 0x02}))

	require.Len(t, local.unicasts, 1)
	decoded, payload, err := Decode(local.unicasts[0].npdu)
	require.NoError(t, err)
	assert.EqualValues(t, DefaultHopCount, decoded.HopCount)
	assert.Equal(t, []byte{0x01, 0x02}, payload)
}

func TestNSAPSendAPDUSkipsDADRForLocalDestination(t *testing.T) {
	localAddr := bacnet.LocalStation([]byte{1, 1, 1, 1, 0xBA, 0xC0})
	nsap := NewNSAP(localAddr)
	local := &fakeAdapter{}
	nsap.AddAdapter(0, local, true)

	dest := bacnet.LocalStation([]byte{2, 2, 2, 2, 0xBA, 0xC0})
	require.NoError(t, nsap.SendAPDU(dest, []byte{0xAB}))

	require.Len(t, local.unicasts, 1)
	decoded, _, err := Decode(local.unicasts[0].npdu)
	require.NoError(t, err)
	assert.Nil(t, decoded.Destination)
}

func TestNSAPProcessesLocalDestinationWithoutForwarding(t *testing.T) {
	localAddr := bacnet.LocalStation([]byte{1, 1, 1, 1, 0xBA, 0xC0})
	nsap := NewNSAP(localAddr)
	local := &fakeAdapter{}
	nsap.AddAdapter(0, local, true)

	var received []byte
	nsap.SetUpward(UpwardFunc(func(source bacnet.Address, apdu []byte) { received = apdu }))

	raw, err := Encode(NPCI{Version: Version}, []byte{0x0E})
	require.NoError(t, err)
	src := bacnet.LocalStation([]byte{5, 5, 5, 5, 0xBA, 0xC0})
	nsap.HandleInbound(0, src, raw)

	assert.Equal(t, []byte{0x0E}, received)
	_, broadcasts := local.snapshot()
	assert.Equal(t, 0, broadcasts)
}
