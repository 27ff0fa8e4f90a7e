package server

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

// Eviction requires a failing send, which loopback UDP will not produce for
// an unconnected socket; closing the server's own socket forces one.
func TestEvictionOnSendFailure(t *testing.T) {
	srv, err := New(Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	target := netip.MustParseAddrPort("127.0.0.1:9")
	srv.clients[target] = &subscription{
		slotNumbers:  map[uint8]struct{}{0: {}},
		macAddresses: map[uint64]struct{}{},
	}

	require.NoError(t, srv.Close())
	srv.fanOut()

	require.Empty(t, srv.clients, "failed subscriber must be gone after the pass")
}

func TestReachableSubscriberSurvivesFanOut(t *testing.T) {
	srv, err := New(Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer srv.Close()

	reachable := netip.MustParseAddrPort("127.0.0.1:9")
	srv.clients[reachable] = &subscription{
		slotNumbers:  map[uint8]struct{}{0: {}, 1: {}},
		macAddresses: map[uint64]struct{}{},
	}

	srv.fanOut()

	sub, ok := srv.clients[reachable]
	require.True(t, ok, "reachable subscriber must survive the pass")
	require.Equal(t, uint32(2), sub.packetNumber, "one increment per successful send")
}
