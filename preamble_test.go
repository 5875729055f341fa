package gossipsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandlePreambleReturnsIMReceiving(t *testing.T) {
	r, _, _ := newTestRouter(WithPreamble(true))
	r.Start()
	defer r.Stop()

	p := testPeerID(1)
	r.AddPeer(p, CodecV14, true)

	var im *IMReceiving
	r.do(func(rr *Router) {
		im = rr.handlePreamble(p, Preamble{MessageId: "big1", Topic: "t", MessageLength: 1 << 20})
	})
	require.NotNil(t, im)
	require.Equal(t, "big1", im.MessageId)
}

func TestPreambleTableCapsAtMaxHeIsReceiving(t *testing.T) {
	r, _, _ := newTestRouter(WithPreamble(true), WithMaxHeIsReceiving(1))
	r.Start()
	defer r.Stop()

	p := testPeerID(1)
	r.AddPeer(p, CodecV14, true)

	var first, second *IMReceiving
	r.do(func(rr *Router) {
		first = rr.handlePreamble(p, Preamble{MessageId: "m1", Topic: "t", MessageLength: 10})
		second = rr.handlePreamble(p, Preamble{MessageId: "m2", Topic: "t", MessageLength: 10})
	})
	require.NotNil(t, first)
	require.Nil(t, second, "a second in-flight receive beyond MaxHeIsReceiving must be dropped")
}

func TestObserveDeliveryClearsInFlightAndUpdatesBandwidth(t *testing.T) {
	r, _, _ := newTestRouter(WithPreamble(true))
	r.Start()
	defer r.Stop()

	p := testPeerID(1)
	r.AddPeer(p, CodecV14, true)
	r.do(func(rr *Router) {
		rr.handlePreamble(p, Preamble{MessageId: "m1", Topic: "t", MessageLength: 1000})
	})

	r.ObserveDelivery(p, "m1", 1000, time.Second)

	r.do(func(rr *Router) {
		_, stillInFlight := rr.preamble.receives["m1"]
		require.False(t, stillInFlight)
		require.InDelta(t, 1000, rr.preamble.bandwidth[p].Rate(), 0.01)
	})
}

func TestHandlePreambleSuppressesAnnounceForKnownSlowSender(t *testing.T) {
	r, _, _ := newTestRouter(WithPreamble(true))
	r.Start()
	defer r.Stop()

	slow := testPeerID(1)
	fast := testPeerID(2)
	r.AddPeer(slow, CodecV14, true)
	r.AddPeer(fast, CodecV14, true)

	r.ObserveDelivery(slow, "warmup-slow", 100, time.Second)   // 100 B/s
	r.ObserveDelivery(fast, "warmup-fast", 100000, time.Second) // 100000 B/s

	var im *IMReceiving
	r.do(func(rr *Router) {
		im = rr.handlePreamble(slow, Preamble{MessageId: "big1", Topic: "t", MessageLength: 10})
	})
	require.Nil(t, im, "a sender known to be slower than the mesh median must not get an IMReceiving broadcast")
}

func TestHandlePreambleIgnoresDuplicateAnnouncement(t *testing.T) {
	r, _, _ := newTestRouter(WithPreamble(true))
	r.Start()
	defer r.Stop()

	p := testPeerID(1)
	r.AddPeer(p, CodecV14, true)

	var first, second *IMReceiving
	r.do(func(rr *Router) {
		first = rr.handlePreamble(p, Preamble{MessageId: "m1", Topic: "t", MessageLength: 10})
		second = rr.handlePreamble(p, Preamble{MessageId: "m1", Topic: "t", MessageLength: 10})
	})
	require.NotNil(t, first)
	require.Nil(t, second, "a repeated preamble for an id already tracked as in-flight must be ignored")
}

func TestHandleIMReceivingIgnoresLengthMismatch(t *testing.T) {
	r, _, _ := newTestRouter(WithPreamble(true))
	r.Start()
	defer r.Stop()

	p := testPeerID(1)
	r.AddPeer(p, CodecV14, true)

	r.do(func(rr *Router) {
		rr.handleIMReceiving(p, IMReceiving{MessageId: "m1", MessageLength: 100})
		rr.handleIMReceiving(p, IMReceiving{MessageId: "m1", MessageLength: 999})
	})

	r.do(func(rr *Router) {
		require.Equal(t, 100, rr.preamble.iWantReceives["m1"].length, "a conflicting re-announcement must be ignored, not overwrite the original")
	})
}

func TestExpirePreamblesRecoversStalledReceiveViaAlternateSender(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnablePream = true
	r, transport, scores := newTestRouter(func(c *Config) { *c = cfg })
	r.Start()
	defer r.Stop()

	stalled := testPeerID(1)
	alt := testPeerID(2)
	r.AddPeer(stalled, CodecV14, true)
	r.AddPeer(alt, CodecV14, true)
	r.NoteSubscribed(stalled, "t")
	r.NoteSubscribed(alt, "t")
	scores.setScore(stalled, 1)
	scores.setScore(alt, 1)
	r.do(func(rr *Router) {
		ts := rr.topic("t")
		ts.mesh[stalled] = struct{}{}
		ts.mesh[alt] = struct{}{}
		rr.preamble.receives["m1"] = &inFlightReceive{
			topic:     "t",
			length:    10,
			startedAt: time.Now().Add(-time.Hour),
			peer:      stalled,
		}
	})

	r.do(func(rr *Router) { rr.expirePreambles() })

	r.do(func(rr *Router) {
		_, stillTracked := rr.preamble.receives["m1"]
		require.False(t, stillTracked)
		rv, ok := rr.preamble.iWantReceives["m1"]
		require.True(t, ok, "a stalled receive must fall back to a pull-mode IWANT against an alternate mesh peer")
		require.Equal(t, alt, rv.peer)
		peerObj, _ := rr.peers.Get(stalled)
		require.Greater(t, peerObj.behaviourPenalty, 0.0)
	})
	require.NotEmpty(t, transport.sent[alt])
}

func TestHandleIDontWantClearsPendingPreambleReceive(t *testing.T) {
	r, _, _ := newTestRouter(WithPreamble(true))
	r.Start()
	defer r.Stop()

	p := testPeerID(1)
	r.AddPeer(p, CodecV14, true)
	r.do(func(rr *Router) {
		rr.handlePreamble(p, Preamble{MessageId: "m1", Topic: "t", MessageLength: 10})
	})

	r.HandleRPC(p, &ControlRPC{IDontWants: []IDontWant{{MessageIDs: []string{"m1"}}}})

	r.do(func(rr *Router) {
		_, stillTracked := rr.preamble.receives["m1"]
		require.False(t, stillTracked)
	})
}

func TestRemovePeerClearsPreambleState(t *testing.T) {
	r, _, _ := newTestRouter(WithPreamble(true))
	r.Start()
	defer r.Stop()

	p := testPeerID(1)
	r.AddPeer(p, CodecV14, true)
	r.do(func(rr *Router) {
		rr.handlePreamble(p, Preamble{MessageId: "m1", Topic: "t", MessageLength: 10})
	})

	r.RemovePeer(p)

	r.do(func(rr *Router) {
		require.Empty(t, rr.preamble.receives)
	})
}
