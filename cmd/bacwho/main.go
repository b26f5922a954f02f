// Command bacwho broadcasts a Who-Is and prints every I-Am it hears back
// within a fixed window. Grounded on cmd/sdo_client/main.go's flag-driven
// single-purpose main() shape; CLI parsing and colored output follow
// spf13/cobra + fatih/color per DESIGN.md's CLI decision.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/hlv-io/bacstack/pkg/apdu"
	"github.com/hlv-io/bacstack/pkg/apdu/services"
	"github.com/hlv-io/bacstack/pkg/bacnet"
	"github.com/hlv-io/bacstack/pkg/bvll"
	"github.com/hlv-io/bacstack/pkg/npdu"
	"github.com/hlv-io/bacstack/pkg/transport"
	"github.com/spf13/cobra"
)

func main() {
	var (
		bindAddr string
		wait     time.Duration
	)

	root := &cobra.Command{
		Use:   "bacwho",
		Short: "Broadcast Who-Is and list responding BACnet/IP devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(bindAddr, wait)
		},
	}
	root.Flags().StringVar(&bindAddr, "bind", "0.0.0.0:0", "local UDP address to bind (port 0 picks an ephemeral port)")
	root.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to collect I-Am replies")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type found struct {
	source   bacnet.Address
	instance uint32
	vendor   uint32
}

func run(bindAddr string, wait time.Duration) error {
	addr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return fmt.Errorf("bacwho: %w", err)
	}
	udp, err := transport.NewUDP(*addr, net.IPv4bcast, 0)
	if err != nil {
		return fmt.Errorf("bacwho: %w", err)
	}
	defer udp.Close()

	bip := bvll.NewBIPSimple(udp, transport.DefaultPort)

	results := make(chan found, 64)
	bip.SetUpward(bvll.UpwardFunc(func(pdu bacnet.PDU) {
		if f, ok := parseIAm(pdu); ok {
			results <- f
		}
	}))

	whoIsAPDU := apdu.UnconfirmedRequest{ServiceChoice: services.UnconfirmedWhoIs, ServiceData: services.WhoIs{}.Marshal()}
	raw, err := npdu.Encode(npdu.NPCI{Version: npdu.Version}, whoIsAPDU.Marshal())
	if err != nil {
		return fmt.Errorf("bacwho: %w", err)
	}
	if err := bip.SendBroadcast(raw); err != nil {
		return fmt.Errorf("bacwho: %w", err)
	}

	header := color.New(color.Bold)
	header.Println("Device instance   Vendor   Address")

	deadline := time.After(wait)
	for {
		select {
		case f := <-results:
			color.Green("%-17d %-8d %s", f.instance, f.vendor, f.source)
		case <-deadline:
			return nil
		}
	}
}

// parseIAm decodes pdu as an NPDU carrying an unconfirmed I-Am, reporting
// ok == false for anything else (including malformed frames) since
// unrelated broadcast traffic on the same network is expected, not an
// error worth surfacing to the caller.
func parseIAm(pdu bacnet.PDU) (found, bool) {
	_, apduBody, err := npdu.Decode(pdu.Payload)
	if err != nil {
		return found{}, false
	}
	decoded, err := apdu.Decode(apduBody)
	if err != nil {
		return found{}, false
	}
	req, ok := decoded.(apdu.UnconfirmedRequest)
	if !ok || req.ServiceChoice != services.UnconfirmedIAm {
		return found{}, false
	}
	iam, err := services.DecodeIAm(req.ServiceData)
	if err != nil {
		return found{}, false
	}
	return found{source: pdu.Source, instance: iam.ObjectInstance, vendor: iam.VendorID}, true
}
