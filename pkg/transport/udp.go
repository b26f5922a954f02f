package transport

import (
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// UDPTransport is the real socket-backed Transport. One instance owns a
// single bound *net.UDPConn, exactly as spec §4.1 requires ("single
// datagram endpoint per local address").
type UDPTransport struct {
	conn        *net.UDPConn
	local       net.UDPAddr
	broadcastIP net.IP

	mu       sync.Mutex
	listener Listener
	peers    map[string]*time.Timer
	idle     time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// NewUDP binds a UDP socket on bindAddr (IP may be net.IPv4zero) with the
// broadcast socket option set, and starts the receive loop. idleTimeout
// bounds how long an inactive peer stays in the internal peer table; 0
// disables eviction (spec §4.1).
func NewUDP(bindAddr net.UDPAddr, broadcastIP net.IP, idleTimeout time.Duration) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp4", &bindAddr)
	if err != nil {
		return nil, err
	}
	t := &UDPTransport{
		conn:        conn,
		local:       *conn.LocalAddr().(*net.UDPAddr),
		broadcastIP: broadcastIP,
		peers:       make(map[string]*time.Timer),
		idle:        idleTimeout,
		closed:      make(chan struct{}),
	}
	go t.recvLoop()
	return t, nil
}

func (t *UDPTransport) LocalAddr() net.UDPAddr { return t.local }

func (t *UDPTransport) SetListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
}

// Send transmits data to dest. A destination IP of 255.255.255.255 is sent
// as a local broadcast (spec §4.1); send failures are logged and returned
// as the socket's own error (not wrapped in *bacnet.TransportError) but
// never crash the stack —
// callers that care about reachability rely on the peer idle timer, not a
// propagated error, matching spec §4.1/§7.
func (t *UDPTransport) Send(dest net.UDPAddr, data []byte) error {
	_, err := t.conn.WriteToUDP(data, &dest)
	if err != nil {
		log.Warnf("[transport] send to %s failed: %v", dest.String(), err)
		return err
	}
	t.touchPeer(dest)
	return nil
}

func (t *UDPTransport) recvLoop() {
	buf := make([]byte, 2048)
	for {
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				log.Warnf("[transport] read error: %v", err)
				continue
			}
		}
		if src.IP.Equal(t.local.IP) && src.Port == t.local.Port {
			// Loopback of our own broadcast; drop (spec §4.1).
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		t.touchPeer(*src)

		t.mu.Lock()
		listener := t.listener
		t.mu.Unlock()
		if listener != nil {
			listener.OnReceive(*src, data)
		}
	}
}

// touchPeer resets (or creates) the idle timer for a peer. Grounded on
// pkg/heartbeat/consumer.go's monitored-timer-evicts-entry pattern.
func (t *UDPTransport) touchPeer(addr net.UDPAddr) {
	if t.idle <= 0 {
		return
	}
	key := addr.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.peers[key]; ok {
		timer.Reset(t.idle)
		return
	}
	t.peers[key] = time.AfterFunc(t.idle, func() {
		t.mu.Lock()
		delete(t.peers, key)
		t.mu.Unlock()
	})
}

// PeerCount reports the number of peers currently tracked for idle
// eviction, exposed for tests of the bounded-memory behavior.
func (t *UDPTransport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
		t.mu.Lock()
		for _, timer := range t.peers {
			timer.Stop()
		}
		t.peers = nil
		t.mu.Unlock()
	})
	return err
}

// BroadcastAddr returns the UDP address used for a local broadcast send on
// this transport's interface.
func (t *UDPTransport) BroadcastAddr(port int) net.UDPAddr {
	return net.UDPAddr{IP: t.broadcastIP, Port: port}
}

// BroadcastAddrFromCIDR derives a directed-broadcast address from a CIDR
// string, e.g. "192.168.1.10/24" -> 192.168.1.255. Grounded on
// YiuTerran-bacnet/bacip/client.go's broadcastAddr helper.
func BroadcastAddrFromCIDR(cidr string) (net.IP, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, &net.AddrError{Err: "not an IPv4 address", Addr: cidr}
	}
	mask := ipNet.Mask
	bcast := make(net.IP, 4)
	for i := range bcast {
		bcast[i] = ip4[i] | ^mask[i]
	}
	return bcast, nil
}
