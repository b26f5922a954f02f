package app

import (
	"testing"
	"time"

	"github.com/hlv-io/bacstack/pkg/apdu"
	"github.com/hlv-io/bacstack/pkg/apdu/services"
	"github.com/hlv-io/bacstack/pkg/bacnet"
	"github.com/hlv-io/bacstack/pkg/npdu"
	"github.com/hlv-io/bacstack/pkg/ssm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackAdapter hands frames straight to a peer NSAP's HandleInbound, the
// same minimal stand-in for pkg/bvll that pkg/ssm's own tests use.
type loopbackAdapter struct {
	target *npdu.NSAP
	self   bacnet.Address
}

func (a *loopbackAdapter) SendUnicast(_ bacnet.Address, raw []byte) error {
	a.target.HandleInbound(0, a.self, raw)
	return nil
}

func (a *loopbackAdapter) SendBroadcast(raw []byte) error {
	a.target.HandleInbound(0, a.self, raw)
	return nil
}

// TestWhoIsTriggersIAmReply exercises the device's Who-Is handler end to
// end: a remote Who-Is arrives over a real ssm.SAP/npdu.NSAP pair, and the
// dispatcher answers with an I-Am carrying its own device instance.
func TestWhoIsTriggersIAmReply(t *testing.T) {
	deviceAddr := bacnet.LocalStation([]byte{192, 168, 1, 10, 0xBA, 0xC0})
	clientAddr := bacnet.LocalStation([]byte{192, 168, 1, 20, 0xBA, 0xC0})

	deviceNSAP := npdu.NewNSAP(deviceAddr)
	clientNSAP := npdu.NewNSAP(clientAddr)

	deviceAdapter := &loopbackAdapter{target: clientNSAP, self: deviceAddr}
	clientAdapter := &loopbackAdapter{target: deviceNSAP, self: clientAddr}
	deviceNSAP.AddAdapter(0, deviceAdapter, true)
	clientNSAP.AddAdapter(0, clientAdapter, true)

	dispatcher := NewDispatcher(NewStore(), 1001, 42)
	deviceSAP := ssm.NewSAP(deviceNSAP, dispatcher, ssm.DefaultConfig())
	dispatcher.SetSAP(deviceSAP)

	received := make(chan services.IAm, 1)
	clientApp := unconfirmedSink{onIAm: func(iam services.IAm) { received <- iam }}
	ssm.NewSAP(clientNSAP, clientApp, ssm.DefaultConfig())

	whoIs := apdu.UnconfirmedRequest{ServiceChoice: services.UnconfirmedWhoIs, ServiceData: services.WhoIs{}.Marshal()}
	raw, err := npdu.Encode(npdu.NPCI{Version: npdu.Version}, whoIs.Marshal())
	require.NoError(t, err)
	require.NoError(t, clientAdapter.SendBroadcast(raw))

	select {
	case iam := <-received:
		assert.Equal(t, uint32(1001), iam.ObjectInstance)
		assert.Equal(t, uint32(42), iam.VendorID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for I-Am")
	}
}

// unconfirmedSink is a minimal ssm.Application that only reacts to I-Am,
// standing in for a real client application in the Who-Is round trip test.
type unconfirmedSink struct {
	onIAm func(services.IAm)
}

func (s unconfirmedSink) HandleConfirmedRequest(bacnet.Address, uint8, []byte) ([]byte, error) {
	return nil, &bacnet.RejectError{Reason: bacnet.RejectUnrecognizedService}
}

func (s unconfirmedSink) HandleUnconfirmedRequest(_ bacnet.Address, serviceChoice uint8, data []byte) {
	if serviceChoice != services.UnconfirmedIAm {
		return
	}
	iam, err := services.DecodeIAm(data)
	if err != nil {
		return
	}
	s.onIAm(iam)
}
