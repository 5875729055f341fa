package gossipsub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageCacheGetAndWindow(t *testing.T) {
	mc := NewMessageCache(2, 5, 3)
	mc.Add(&Message{ID: "a", Topic: "t"})

	msg, ok := mc.Get("a")
	require.True(t, ok)
	require.Equal(t, "a", msg.ID)

	window := mc.Window("t")
	require.Contains(t, window, "a")
}

func TestMessageCacheShiftRotatesOutOldGenerations(t *testing.T) {
	mc := NewMessageCache(2, 3, 3)
	mc.Add(&Message{ID: "gen0", Topic: "t"})

	mc.Shift()
	mc.Shift()
	_, ok := mc.Get("gen0")
	require.True(t, ok, "message should survive while within historyLength generations")

	mc.Shift()
	_, ok = mc.Get("gen0")
	require.False(t, ok, "message should be evicted once it ages past historyLength generations")
}

func TestMessageCacheWindowExcludesOlderThanGossipWindow(t *testing.T) {
	mc := NewMessageCache(1, 5, 3)
	mc.Add(&Message{ID: "old", Topic: "t"})
	mc.Shift() // "old" now lives in generation 1, outside the 1-generation gossip window

	window := mc.Window("t")
	require.NotContains(t, window, "old")

	_, ok := mc.Get("old")
	require.True(t, ok, "IWANT lookups must still find it even though IHAVE no longer advertises it")
}

func TestMessageCacheGetForPeerCountsDeliveries(t *testing.T) {
	mc := NewMessageCache(2, 5, 3)
	mc.Add(&Message{ID: "a", Topic: "t"})
	p := testPeerID(1)

	_, d1, ok := mc.GetForPeer("a", p)
	require.True(t, ok)
	require.Equal(t, 1, d1)

	_, d2, _ := mc.GetForPeer("a", p)
	require.Equal(t, 2, d2)
}
