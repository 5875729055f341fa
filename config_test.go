package gossipsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConfigAppliesOptionsOverDefaults(t *testing.T) {
	cfg := NewConfig(
		WithMeshParams(4, 3, 8, 1, 2, 4),
		WithHeartbeatInterval(500*time.Millisecond),
		WithPeerExchange(true),
	)

	require.Equal(t, 4, cfg.D)
	require.Equal(t, 3, cfg.DLow)
	require.Equal(t, 8, cfg.DHigh)
	require.Equal(t, 500*time.Millisecond, cfg.HeartbeatInterval)
	require.True(t, cfg.EnablePX)

	// Unspecified fields keep their DefaultConfig values.
	require.Equal(t, DefaultConfig().GossipFactor, cfg.GossipFactor)
}

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, 6, cfg.D)
	require.Equal(t, 5, cfg.DLow)
	require.Equal(t, 12, cfg.DHigh)
	require.Equal(t, 0.25, cfg.GossipFactor)
	require.Equal(t, time.Minute, cfg.PruneBackoff)
	require.False(t, cfg.EnablePream)
}
