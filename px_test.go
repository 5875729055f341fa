package gossipsub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakePruneOmitsPXForV10Peer(t *testing.T) {
	r, _, _ := newTestRouter(WithPeerExchange(true))
	r.Start()
	defer r.Stop()

	target := testPeerID(1)
	other := testPeerID(2)
	r.AddPeer(target, CodecV10, true)
	r.AddPeer(other, CodecV11, true)
	r.NoteSubscribed(other, "t")

	var prune Prune
	r.do(func(rr *Router) { prune = rr.makePrune("t", target, false) })

	require.Empty(t, prune.Peers, "a v1.0 peer must never receive a PX list")
}

func TestMakePruneIncludesPXForV11Peer(t *testing.T) {
	r, _, _ := newTestRouter(WithPeerExchange(true))
	r.Start()
	defer r.Stop()

	target := testPeerID(1)
	other := testPeerID(2)
	r.AddPeer(target, CodecV11, true)
	r.AddPeer(other, CodecV11, true)
	r.NoteSubscribed(other, "t")

	var prune Prune
	r.do(func(rr *Router) { prune = rr.makePrune("t", target, false) })

	require.NotEmpty(t, prune.Peers)
	require.Equal(t, other, prune.Peers[0].PeerId)
}

func TestMakePruneDisabledByConfig(t *testing.T) {
	r, _, _ := newTestRouter(WithPeerExchange(false))
	r.Start()
	defer r.Stop()

	target := testPeerID(1)
	other := testPeerID(2)
	r.AddPeer(target, CodecV11, true)
	r.AddPeer(other, CodecV11, true)
	r.NoteSubscribed(other, "t")

	var prune Prune
	r.do(func(rr *Router) { prune = rr.makePrune("t", target, false) })

	require.Empty(t, prune.Peers)
}

func TestMakePruneLeaveOmitsPX(t *testing.T) {
	r, _, _ := newTestRouter(WithPeerExchange(true))
	r.Start()
	defer r.Stop()

	target := testPeerID(1)
	other := testPeerID(2)
	r.AddPeer(target, CodecV11, true)
	r.AddPeer(other, CodecV11, true)
	r.NoteSubscribed(other, "t")

	var prune Prune
	r.do(func(rr *Router) { prune = rr.makePrune("t", target, true) })

	require.Empty(t, prune.Peers)
}
