package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeTarget(t *testing.T) {
	tests := []struct {
		address string
		target  string
		penalty int
	}{
		{"tcp://10.0.0.1:22000", "10.0.0.1:22000", 0},
		{"ws://relay.example/bep", "relay.example:80", RelayPenalty},
		{"wss://relay.example/bep", "relay.example:443", RelayPenalty},
		{"wss://relay.example:8443/bep", "relay.example:8443", RelayPenalty},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			target, penalty, err := probeTarget(tt.address)
			require.NoError(t, err)

			assert.Equal(t, tt.target, target)
			assert.Equal(t, tt.penalty, penalty)
		})
	}

	_, _, err := probeTarget("quic://x:1")
	assert.Error(t, err)
}

func TestProber_ScoresAddresses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	dead := closed.Addr().String()
	require.NoError(t, closed.Close())

	live := "tcp://" + ln.Addr().String()

	r := NewRegistry()
	r.AddStatic(deviceA, []string{live, "tcp://" + dead, "quic://nowhere:1"})

	NewProber(r, ProberConfig{}, testLogger()).ProbeAll(context.Background())

	got := r.Addresses(deviceA)
	require.Len(t, got, 3)

	assert.Equal(t, live, got[0].Address)
	assert.Less(t, got[0].Score, UnprobedScore)
	assert.Equal(t, UnreachableScore, got[1].Score)
	assert.Equal(t, UnreachableScore, got[2].Score)
}
