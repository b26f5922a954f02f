package bvll

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hlv-io/bacstack/pkg/bacnet"
	"github.com/hlv-io/bacstack/pkg/sched"
	"github.com/hlv-io/bacstack/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []Message{
		EncodeResult(ResultSuccess),
		EncodeRegisterForeignDevice(60),
		EncodeOriginalUnicastNPDU([]byte{1, 2, 3}),
		EncodeOriginalBroadcastNPDU([]byte{4, 5}),
		EncodeDistributeBroadcastToNetwork([]byte{6}),
		EncodeForwardedNPDU([6]byte{10, 0, 0, 1, 0xBA, 0xC0}, []byte{7, 8}),
		EncodeWriteBDT([]BDTEntry{{IPPort: [6]byte{1, 2, 3, 4, 0xBA, 0xC0}, Mask: [4]byte{255, 255, 255, 0}}}),
		EncodeReadBDTAck([]BDTEntry{{IPPort: [6]byte{1, 2, 3, 4, 0xBA, 0xC0}, Mask: [4]byte{255, 255, 255, 0}}}),
		EncodeReadFDTAck([]FDTEntry{{IPPort: [6]byte{9, 9, 9, 9, 0xBA, 0xC0}, TTL: 60, Remaining: 35}}),
	}
	for _, msg := range cases {
		raw := msg.Marshal()
		decoded, err := Unmarshal(raw)
		require.NoError(t, err)
		assert.Equal(t, msg.Function, decoded.Function)
		assert.Equal(t, msg.Payload, decoded.Payload)
		reencoded := decoded.Marshal()
		assert.Equal(t, raw, reencoded)
	}
}

func TestUnmarshalRejectsNonBacnetType(t *testing.T) {
	_, err := Unmarshal([]byte{0x01, 0x0A, 0x00, 0x04})
	assert.Error(t, err)
}

func TestUnmarshalRejectsBadLength(t *testing.T) {
	_, err := Unmarshal([]byte{Type, 0x0A, 0x00, 0xFF, 1, 2})
	assert.Error(t, err)
}

func TestBIPSimpleDeliversOriginalUnicast(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	aTr, _ := mn.NewEndpoint(net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: transport.DefaultPort})
	bTr, _ := mn.NewEndpoint(net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: transport.DefaultPort})

	a := NewBIPSimple(aTr, transport.DefaultPort)
	b := NewBIPSimple(bTr, transport.DefaultPort)

	received := make(chan bacnet.PDU, 1)
	b.SetUpward(UpwardFunc(func(pdu bacnet.PDU) { received <- pdu }))

	dest := bacnet.LocalStationFromUDP(bTr.LocalAddr())
	require.NoError(t, a.SendUnicast(dest, []byte{0x01, 0x04}))

	select {
	case pdu := <-received:
		assert.Equal(t, []byte{0x01, 0x04}, pdu.Payload)
		assert.Equal(t, bacnet.LocalStationFromUDP(aTr.LocalAddr()), pdu.Source)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

// TestBBMDForwarding reproduces spec §8's BBMD forwarding property: BDT
// {A, B, C} with A=self and FDT {F1, F2}; an Original-Broadcast-NPDU
// received at A is delivered locally once and forwarded once to each of
// {B, C, F1, F2}.
func TestBBMDForwarding(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	port := transport.DefaultPort

	aAddr := net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: port}
	bAddr := net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: port}
	cAddr := net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: port}
	f1Addr := net.UDPAddr{IP: net.IPv4(10, 0, 1, 1), Port: port}
	f2Addr := net.UDPAddr{IP: net.IPv4(10, 0, 1, 2), Port: port}
	senderAddr := net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: port}

	aTr, _ := mn.NewEndpoint(aAddr)
	bTr, _ := mn.NewEndpoint(bAddr)
	cTr, _ := mn.NewEndpoint(cAddr)
	f1Tr, _ := mn.NewEndpoint(f1Addr)
	f2Tr, _ := mn.NewEndpoint(f2Addr)
	senderTr, _ := mn.NewEndpoint(senderAddr)

	a := NewBBMD(aTr, aAddr, port)
	mask := [4]byte{255, 255, 255, 0}
	a.SetBDT([]BDTEntry{
		{IPPort: macArray(bacnet.MacFromUDP(aAddr)), Mask: mask},
		{IPPort: macArray(bacnet.MacFromUDP(bAddr)), Mask: mask},
		{IPPort: macArray(bacnet.MacFromUDP(cAddr)), Mask: mask},
	})

	var mu sync.Mutex
	localDeliveries := 0
	a.SetUpward(UpwardFunc(func(pdu bacnet.PDU) {
		mu.Lock()
		localDeliveries++
		mu.Unlock()
	}))

	// Register two foreign devices with A.
	registerFn := func(tr *transport.MemoryTransport) {
		_ = tr.Send(aAddr, EncodeRegisterForeignDevice(60).Marshal())
	}
	resultCh := make(chan struct{}, 2)
	f1Tr.SetListener(transport.ListenerFunc(func(src net.UDPAddr, data []byte) { resultCh <- struct{}{} }))
	f2Tr.SetListener(transport.ListenerFunc(func(src net.UDPAddr, data []byte) { resultCh <- struct{}{} }))
	registerFn(f1Tr)
	registerFn(f2Tr)
	for i := 0; i < 2; i++ {
		select {
		case <-resultCh:
		case <-time.After(time.Second):
			t.Fatal("registration result never arrived")
		}
	}

	counter := func(p *int32) transport.Listener {
		return transport.ListenerFunc(func(src net.UDPAddr, data []byte) {
			mu.Lock()
			*p++
			mu.Unlock()
		})
	}
	var bCount, cCount, f1Count, f2Count int32
	bTr.SetListener(counter(&bCount))
	cTr.SetListener(counter(&cCount))
	f1Tr.SetListener(counter(&f1Count))
	f2Tr.SetListener(counter(&f2Count))

	require.NoError(t, senderTr.Send(aAddr, EncodeOriginalBroadcastNPDU([]byte{0xAA}).Marshal()))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, localDeliveries)
	assert.EqualValues(t, 1, bCount)
	assert.EqualValues(t, 1, cCount)
	assert.EqualValues(t, 1, f1Count)
	assert.EqualValues(t, 1, f2Count)
}

func TestForeignDeviceRegistrationAndTimeout(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	port := transport.DefaultPort
	bbmdAddr := net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: port}
	clientAddr := net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: port}

	bbmdTr, _ := mn.NewEndpoint(bbmdAddr)
	clientTr, _ := mn.NewEndpoint(clientAddr)

	bbmd := NewBBMD(bbmdTr, bbmdAddr, port)
	scheduler := sched.New()
	client := NewBIPForeign(clientTr, scheduler)
	client.SetUpward(UpwardFunc(func(bacnet.PDU) {}))

	require.NoError(t, client.Register(bbmdAddr, 10))

	deadline := time.Now().Add(time.Second)
	var state ForeignState
	for time.Now().Before(deadline) {
		state, _ = client.State()
		if state == ForeignRegistered {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, ForeignRegistered, state)

	fdt := bbmd.ForeignDevices()
	require.Len(t, fdt, 1)
	assert.EqualValues(t, 15, fdt[0].Remaining) // ttl(10) + 5
}
