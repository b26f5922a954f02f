package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransportUnicast(t *testing.T) {
	net_ := NewMemoryNetwork()
	a, err := net_.NewEndpoint(net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: DefaultPort})
	require.NoError(t, err)
	b, err := net_.NewEndpoint(net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: DefaultPort})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	b.SetListener(ListenerFunc(func(src net.UDPAddr, data []byte) {
		mu.Lock()
		got = data
		mu.Unlock()
		close(done)
	}))

	require.NoError(t, a.Send(b.LocalAddr(), []byte("hello")))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	mu.Lock()
	assert.Equal(t, []byte("hello"), got)
	mu.Unlock()
}

func TestMemoryTransportBroadcastReachesAllButSender(t *testing.T) {
	net_ := NewMemoryNetwork()
	a, _ := net_.NewEndpoint(net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: DefaultPort})
	b, _ := net_.NewEndpoint(net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: DefaultPort})
	c, _ := net_.NewEndpoint(net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: DefaultPort})

	var mu sync.Mutex
	count := 0
	recv := ListenerFunc(func(src net.UDPAddr, data []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	a.SetListener(recv)
	b.SetListener(recv)
	c.SetListener(recv)

	require.NoError(t, a.Send(net.UDPAddr{IP: net.IPv4bcast, Port: DefaultPort}, []byte("whois")))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count) // b and c, not a itself
}

func TestBroadcastAddrFromCIDR(t *testing.T) {
	bcast, err := BroadcastAddrFromCIDR("192.168.1.10/24")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.255", bcast.String())
}
