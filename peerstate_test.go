package gossipsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeerCanAskIWantOnlyOnce(t *testing.T) {
	p := newPeer(testPeerID(1), CodecV11, true, DefaultConfig())

	require.True(t, p.canAskIWant("m1"))
	require.False(t, p.canAskIWant("m1"))
	require.True(t, p.canAskIWant("m2"))
}

func TestPeerResetHeartbeatBudgetsRestoresValuesAndKeepsAsked(t *testing.T) {
	cfg := DefaultConfig()
	p := newPeer(testPeerID(1), CodecV11, true, cfg)
	p.canAskIWant("m1")
	p.iHaveBudget = 0

	p.resetHeartbeatBudgets(cfg)

	require.Equal(t, cfg.IHaveBudget, p.iHaveBudget)
	require.False(t, p.canAskIWant("m1"), "askedIWant must survive a heartbeat reset")
}

func TestIDSetRingBoundedLength(t *testing.T) {
	ring := newIDSetRing(3)
	for i := 0; i < 5; i++ {
		ring.pushFresh()
	}
	require.LessOrEqual(t, ring.Len(), 3)
}

func TestIDSetRingHasAcrossGenerations(t *testing.T) {
	ring := newIDSetRing(3)
	ring.Add("a")
	ring.pushFresh()
	ring.Add("b")

	require.True(t, ring.Has("a"))
	require.True(t, ring.Has("b"))
	require.False(t, ring.Has("c"))
}

func TestPeerStoreGetOrCreateIsIdempotent(t *testing.T) {
	store := newPeerStore(DefaultConfig())
	id := testPeerID(9)

	p1 := store.GetOrCreate(id, CodecV11, true)
	p2 := store.GetOrCreate(id, CodecV14, false)

	require.Same(t, p1, p2, "a second GetOrCreate for the same id must return the existing Peer")
}

func TestBandwidthTrackerSmoothsTowardNewSamples(t *testing.T) {
	bt := newBandwidthTracker()
	bt.Observe(1000, time.Second) // first sample seeds the estimate directly
	require.InDelta(t, 1000, bt.Rate(), 0.01)

	bt.Observe(0, time.Second) // a zero-byte sample pulls the estimate down, never negative
	require.Less(t, bt.Rate(), 1000.0)
	require.GreaterOrEqual(t, bt.Rate(), 0.0)
}
