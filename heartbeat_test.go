package gossipsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmitGossipAdvertisesToNonMeshPeers(t *testing.T) {
	r, _, _ := newTestRouter()
	r.Start()
	defer r.Stop()

	meshPeer := testPeerID(1)
	gossipOnlyPeer := testPeerID(2)
	r.AddPeer(meshPeer, CodecV11, true)
	r.AddPeer(gossipOnlyPeer, CodecV11, true)
	r.NoteSubscribed(meshPeer, "t")
	r.NoteSubscribed(gossipOnlyPeer, "t")
	r.do(func(rr *Router) { rr.topic("t").mesh[meshPeer] = struct{}{} })
	r.Publish(&Message{ID: "m1", Topic: "t", Data: []byte("x")}, "")

	var out map[PeerId][]IHave
	r.do(func(rr *Router) { out = rr.emitGossip() })

	_, meshGotGossip := out[meshPeer]
	_, otherGotGossip := out[gossipOnlyPeer]
	require.False(t, meshGotGossip, "mesh members are pushed to directly, not gossiped at")
	require.True(t, otherGotGossip)
	require.Contains(t, out[gossipOnlyPeer][0].MessageIDs, "m1")
}

func TestEmitGossipDoesNotRepeatSentIHaveToSamePeer(t *testing.T) {
	r, _, _ := newTestRouter()
	r.Start()
	defer r.Stop()

	p := testPeerID(1)
	r.AddPeer(p, CodecV11, true)
	// Publish before p subscribes, so p is not picked as a fanout peer.
	r.Publish(&Message{ID: "m1", Topic: "t", Data: []byte("x")}, "")
	r.NoteSubscribed(p, "t")

	var first, second map[PeerId][]IHave
	r.do(func(rr *Router) { first = rr.emitGossip() })
	r.do(func(rr *Router) { second = rr.emitGossip() })

	require.NotEmpty(t, first[p])
	require.Empty(t, second[p], "an id already advertised to this peer's sentIHaves ring must not be re-sent")
}

func TestFanoutExpiresAfterTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FanoutTTL = 10 * time.Millisecond
	r, _, _ := newTestRouter(func(c *Config) { *c = cfg })
	r.Start()
	defer r.Stop()

	p := testPeerID(1)
	r.AddPeer(p, CodecV11, true)
	r.NoteSubscribed(p, "t")
	r.Publish(&Message{ID: "m1", Topic: "t", Data: []byte("x")}, "")

	r.do(func(rr *Router) {
		require.NotEmpty(t, rr.topic("t").fanout)
	})

	time.Sleep(cfg.FanoutTTL * 3)
	r.do(func(rr *Router) { rr.expireFanout(time.Now()) })

	r.do(func(rr *Router) {
		require.Empty(t, rr.topic("t").fanout)
	})
}

func TestDirectConnectTicksFloorsAtOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Second
	cfg.DirectConnectInterval = 100 * time.Millisecond
	r, _, _ := newTestRouter(func(c *Config) { *c = cfg })

	require.Equal(t, uint64(1), r.directConnectTicks())
}
