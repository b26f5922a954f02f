// Command bacnetd runs a single local BACnet/IP device: a UDP transport, a
// BIPSimple role, a routing NSAP, a transaction SAP, and an application
// dispatcher exposing a device object plus a couple of demo Analog/Binary
// Value objects and a file object for exercising segmentation. Grounded on
// cmd/sdo_client/main.go's flag-driven single-purpose main() shape, using
// spf13/cobra for the command itself per DESIGN.md's CLI decision.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hlv-io/bacstack/pkg/app"
	"github.com/hlv-io/bacstack/pkg/bacnet"
	"github.com/hlv-io/bacstack/pkg/bvll"
	"github.com/hlv-io/bacstack/pkg/config"
	"github.com/hlv-io/bacstack/pkg/npdu"
	"github.com/hlv-io/bacstack/pkg/ssm"
	"github.com/hlv-io/bacstack/pkg/transport"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	var (
		configFile string
		instance   uint32
		vendorID   uint32
	)

	root := &cobra.Command{
		Use:   "bacnetd",
		Short: "Run a local BACnet/IP device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile, instance, vendorID)
		},
	}
	root.Flags().StringVarP(&configFile, "config", "c", "", "INI file with a [bacnet] section (spec §6 options)")
	root.Flags().Uint32Var(&instance, "instance", 1001, "device object instance")
	root.Flags().Uint32Var(&vendorID, "vendor-id", 0, "vendor identifier reported in I-Am / Device object")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile string, instance uint32, vendorID uint32) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return &bacnet.ConfigurationError{Err: err}
	}

	udp, err := transport.NewUDP(cfg.LocalAddress, net.IPv4bcast, 0)
	if err != nil {
		return &bacnet.ConfigurationError{Err: fmt.Errorf("binding %s: %w", cfg.LocalAddress.String(), err)}
	}
	log.Infof("[bacnetd] listening on %s", udp.LocalAddr().String())

	bip := bvll.NewBIPSimple(udp, transport.DefaultPort)

	localAddr := bacnet.LocalStationFromUDP(udp.LocalAddr())
	nsap := npdu.NewNSAP(localAddr)
	nsap.AddAdapter(bacnet.NetworkLocal, bip, true)
	bip.SetUpward(bvll.UpwardFunc(func(pdu bacnet.PDU) {
		nsap.HandleInbound(bacnet.NetworkLocal, pdu.Source, pdu.Payload)
	}))

	store := app.NewStore()
	store.Add(app.NewAnalogValueObject(1, "outside-air-temp", 21.5))
	store.Add(app.NewBinaryValueObject(1, "fan-enable", false))
	demoFile := app.NewInMemoryFileObject(1, "demo-log")
	demoFile.WriteFile(0, make([]byte, 4096)) // large enough to force segmentation on read
	store.Add(demoFile)

	dispatcher := app.NewDispatcher(store, instance, vendorID)
	sap := ssm.NewSAP(nsap, dispatcher, cfg.SSMConfig())
	dispatcher.SetSAP(sap)

	log.Infof("[bacnetd] device %d ready", instance)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Infof("[bacnetd] shutting down")
	return udp.Close()
}
