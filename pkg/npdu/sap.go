package npdu

import (
	"fmt"
	"sync"

	"github.com/hlv-io/bacstack/pkg/bacnet"
	log "github.com/sirupsen/logrus"
)

// Adapter is the lower-stack contract the NSAP drives (satisfied
// structurally by pkg/bvll's BIPSimple/BIPForeign/BBMD — no import needed,
// keeping pkg/npdu decoupled from the BVLL role types the way the teacher's
// Network keeps node.NodeProcessor decoupled from the transport it runs
// over).
type Adapter interface {
	SendUnicast(dest bacnet.Address, npdu []byte) error
	SendBroadcast(npdu []byte) error
}

// Upward receives an NPDU (NPCI already stripped) once the NSAP has decided
// it should be processed locally.
type Upward interface {
	OnAPDU(source bacnet.Address, apdu []byte)
}

type UpwardFunc func(source bacnet.Address, apdu []byte)

func (f UpwardFunc) OnAPDU(source bacnet.Address, apdu []byte) { f(source, apdu) }

type adapterEntry struct {
	net     uint16
	adapter Adapter
	isLocal bool
}

type pendingSend struct {
	dest bacnet.Address
	npdu []byte
}

// NSAP is the network-layer routing SAP (spec §4.3): it owns one adapter per
// directly-connected network, a router info cache, and a per-destination
// -network pending queue for sends blocked on an unresolved route. Grounded
// on pkg/network/network.go's Network type, which owns
// map[uint8]*node.NodeProcessor keyed by node id the same way this owns
// adapters keyed by network number.
type NSAP struct {
	localAddr bacnet.Address
	upward    Upward

	mu       sync.Mutex
	adapters map[uint16]*adapterEntry
	cache    *RouterCache
	pending  map[uint16][]pendingSend
}

// NewNSAP creates an NSAP whose local device address is localAddr (used to
// recognize inbound DADRs that target this device directly).
func NewNSAP(localAddr bacnet.Address) *NSAP {
	return &NSAP{
		localAddr: localAddr,
		adapters:  make(map[uint16]*adapterEntry),
		cache:     NewRouterCache(),
		pending:   make(map[uint16][]pendingSend),
	}
}

func (n *NSAP) SetUpward(u Upward) { n.upward = u }

// AddAdapter registers adapter as serving the directly-connected network
// net_. Exactly one adapter should be marked isLocal: the one carrying the
// local device's own address (spec §4.3: "one adapter is designated local").
func (n *NSAP) AddAdapter(net_ uint16, adapter Adapter, isLocal bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.adapters[net_] = &adapterEntry{net: net_, adapter: adapter, isLocal: isLocal}
}

func (n *NSAP) localAdapter() *adapterEntry {
	for _, a := range n.adapters {
		if a.isLocal {
			return a
		}
	}
	return nil
}

// DefaultHopCount is the initial hop count stamped on a freshly originated,
// routed NPDU (spec §3: "hop_count starts at 255").
const DefaultHopCount uint8 = 255

// SendAPDU builds the correct NPCI for a freshly originated apdu addressed
// to dest (no DADR for a directly-connected destination; DADR + hop_count
// 255 otherwise) and routes it per Send.
func (n *NSAP) SendAPDU(dest bacnet.Address, apdu []byte) error {
	npci := NPCI{Version: Version}
	switch dest.Kind {
	case bacnet.KindLocalStation, bacnet.KindLocalBroadcast:
		// No DADR needed: the destination is on the directly-connected
		// network the local adapter already serves.
	default:
		d := dest
		npci.Destination = &d
		npci.HopCount = DefaultHopCount
	}
	raw, err := Encode(npci, apdu)
	if err != nil {
		return err
	}
	return n.Send(dest, raw)
}

// Send routes a fully-encoded NPDU (NPCI + payload, already produced by
// Encode) toward dest, per the downstream rules of spec §4.3.
func (n *NSAP) Send(dest bacnet.Address, npdu []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch dest.Kind {
	case bacnet.KindLocalStation, bacnet.KindLocalBroadcast:
		local := n.localAdapter()
		if local == nil {
			return fmt.Errorf("npdu: no local adapter configured")
		}
		if dest.Kind == bacnet.KindLocalBroadcast {
			return local.adapter.SendBroadcast(npdu)
		}
		return local.adapter.SendUnicast(dest, npdu)

	case bacnet.KindGlobalBroadcast:
		var firstErr error
		for _, a := range n.adapters {
			if err := a.adapter.SendBroadcast(npdu); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr

	case bacnet.KindRemoteStation, bacnet.KindRemoteBroadcast:
		if _, ok := n.adapters[dest.Net]; ok {
			return fmt.Errorf("npdu: %d is a directly-connected network, address locally instead", dest.Net)
		}
		return n.sendRemote(dest, npdu)

	default:
		return fmt.Errorf("npdu: cannot route to address kind %s", dest.Kind)
	}
}

func (n *NSAP) sendRemote(dest bacnet.Address, npdu []byte) error {
	if info, ok := n.cache.Lookup(dest.Net); ok {
		adapter, ok := n.adapters[info.SourceNet]
		if !ok {
			return fmt.Errorf("npdu: router cache references unknown adapter network %d", info.SourceNet)
		}
		return adapter.adapter.SendUnicast(info.Router, npdu)
	}

	n.pending[dest.Net] = append(n.pending[dest.Net], pendingSend{dest: dest, npdu: npdu})
	log.Debugf("[npdu/sap] no route to network %d, queuing and broadcasting Who-Is-Router-To-Network", dest.Net)
	n.broadcastWhoIsRouter(dest.Net)
	return nil
}

func (n *NSAP) broadcastWhoIsRouter(net_ uint16) {
	body := EncodeWhoIsRouterToNetwork(net_)
	msg, err := Encode(NPCI{Version: Version, IsNetworkMessage: true, NetMessageType: NetMsgWhoIsRouterToNetwork}, body)
	if err != nil {
		log.Warnf("[npdu/sap] failed to encode Who-Is-Router-To-Network: %v", err)
		return
	}
	for _, a := range n.adapters {
		if err := a.adapter.SendBroadcast(msg); err != nil {
			log.Warnf("[npdu/sap] Who-Is-Router-To-Network broadcast failed on net %d: %v", a.net, err)
		}
	}
}

// HandleInbound processes one inbound NPDU arriving from src on the
// directly-connected network adapterNet (spec §4.3 upstream rules).
func (n *NSAP) HandleInbound(adapterNet uint16, src bacnet.Address, raw []byte) {
	npci, payload, err := Decode(raw)
	if err != nil {
		log.Debugf("[npdu/sap] dropping malformed NPDU from %s: %v", src, err)
		return
	}

	if npci.Source == nil {
		n.mu.Lock()
		entry := n.adapters[adapterNet]
		n.mu.Unlock()
		var synthesized bacnet.Address
		if entry != nil && entry.isLocal {
			// Arrived on the adapter carrying our own address with no SADR:
			// the sender is just another station on our own network, not a
			// remote one reached through routing.
			synthesized = bacnet.LocalStation(macOfStation(src))
		} else {
			synthesized = bacnet.RemoteStation(adapterNet, macOfStation(src))
		}
		npci.Source = &synthesized
	} else if npci.Source.Net == adapterNet {
		log.Debugf("[npdu/sap] dropping NPDU: SADR net %d equals adapter net (spoofing)", adapterNet)
		return
	}

	if npci.IsNetworkMessage {
		n.handleNetworkMessage(adapterNet, *npci.Source, npci, payload)
		return
	}

	n.mu.Lock()
	processLocally, forward := n.classify(adapterNet, npci.Destination)
	n.mu.Unlock()

	if processLocally && n.upward != nil {
		n.upward.OnAPDU(*npci.Source, payload)
	}
	if forward {
		n.forwardInbound(adapterNet, npci, payload)
	}
}

// classify implements spec §4.3's process-locally/forward split.
func (n *NSAP) classify(adapterNet uint16, dest *bacnet.Address) (processLocally, forward bool) {
	if dest == nil {
		return true, false
	}
	switch dest.Kind {
	case bacnet.KindGlobalBroadcast:
		return true, true
	case bacnet.KindRemoteBroadcast:
		if dest.Net == adapterNet {
			return true, false
		}
		return false, true
	case bacnet.KindRemoteStation:
		if dest.Net == adapterNet && dest.Equal(n.localAddr) {
			return true, false
		}
		return false, true
	default:
		return false, false
	}
}

func (n *NSAP) forwardInbound(adapterNet uint16, npci NPCI, payload []byte) {
	if npci.Destination != nil && npci.Destination.Net == adapterNet {
		log.Debugf("[npdu/sap] dropping NPDU: DADR net %d equals adapter net (path error)", adapterNet)
		return
	}
	if npci.HopCount == 0 {
		log.Debugf("[npdu/sap] dropping NPDU: hop count exhausted")
		return
	}
	npci.HopCount--
	if npci.Source != nil && npci.Source.Kind == bacnet.KindLocalStation {
		remote := bacnet.RemoteStation(adapterNet, npci.Source.Mac)
		npci.Source = &remote
	}

	raw, err := Encode(npci, payload)
	if err != nil {
		log.Warnf("[npdu/sap] failed to re-encode forwarded NPDU: %v", err)
		return
	}
	n.mu.Lock()
	next := n.adapters[npci.Destination.Net]
	n.mu.Unlock()
	if next != nil && npci.Destination.Kind == bacnet.KindRemoteStation {
		err = next.adapter.SendUnicast(bacnet.LocalStation(npci.Destination.Adr), raw)
	} else {
		err = n.Send(*npci.Destination, raw)
	}
	if err != nil {
		log.Warnf("[npdu/sap] forward failed: %v", err)
	}
}

func (n *NSAP) handleNetworkMessage(adapterNet uint16, source bacnet.Address, npci NPCI, body []byte) {
	switch npci.NetMessageType {
	case NetMsgWhoIsRouterToNetwork:
		// bacstack devices are endpoints, not routers: nothing to answer.
		// A future router role would reply I-Am-Router-To-Network here.
	case NetMsgIAmRouterToNetwork:
		nets := DecodeIAmRouterToNetwork(body)
		n.mu.Lock()
		for _, dn := range nets {
			n.cache.Update(dn, RouteInfo{SourceNet: adapterNet, Router: source, Status: RouteAvailable})
		}
		released := n.releasePending(nets)
		n.mu.Unlock()
		for _, p := range released {
			if err := n.Send(p.dest, p.npdu); err != nil {
				log.Warnf("[npdu/sap] release of queued send to %s failed: %v", p.dest, err)
			}
		}
	case NetMsgRouterBusyToNetwork:
		for _, dn := range DecodeIAmRouterToNetwork(body) {
			n.cache.MarkStatus(dn, RouteBusy)
		}
	case NetMsgRouterAvailableToNet:
		for _, dn := range DecodeIAmRouterToNetwork(body) {
			n.cache.MarkStatus(dn, RouteAvailable)
		}
	case NetMsgRejectMessageToNet:
		log.Debugf("[npdu/sap] Reject-Message-To-Network from %s: %v", source, body)
	default:
		log.Debugf("[npdu/sap] unhandled network message type 0x%02x from %s", npci.NetMessageType, source)
	}
}

// releasePending pops and returns every send queued against any of nets.
// Caller must hold n.mu.
func (n *NSAP) releasePending(nets []uint16) []pendingSend {
	var out []pendingSend
	for _, dn := range nets {
		out = append(out, n.pending[dn]...)
		delete(n.pending, dn)
	}
	return out
}

func macOfStation(addr bacnet.Address) []byte {
	switch addr.Kind {
	case bacnet.KindLocalStation:
		return addr.Mac
	case bacnet.KindRemoteStation:
		return addr.Adr
	default:
		return nil
	}
}
