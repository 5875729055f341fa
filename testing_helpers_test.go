package gossipsub

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/record"
)

// mockTransport records every control RPC and forwarded message sent, for
// assertions in tests. Mirrors the teacher's newMockGS test harness in
// spirit (gossipsub_spam_test.go) without dragging in its host/network
// plumbing, which belongs to a layer this module does not implement.
type mockTransport struct {
	mu        sync.Mutex
	sent      map[PeerId][]*ControlRPC
	forwarded map[PeerId][]*Message
	delivered map[PeerId][]*Message
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		sent:      make(map[PeerId][]*ControlRPC),
		forwarded: make(map[PeerId][]*Message),
		delivered: make(map[PeerId][]*Message),
	}
}

func (t *mockTransport) Send(p PeerId, rpc *ControlRPC, highPriority bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent[p] = append(t.sent[p], rpc)
	return nil
}

func (t *mockTransport) Broadcast(peers []PeerId, rpc *ControlRPC, highPriority bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range peers {
		t.sent[p] = append(t.sent[p], rpc)
	}
}

func (t *mockTransport) ForwardMessage(peers []PeerId, msg *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range peers {
		t.forwarded[p] = append(t.forwarded[p], msg)
	}
}

func (t *mockTransport) DeliverMessages(p PeerId, msgs []*Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delivered[p] = append(t.delivered[p], msgs...)
}

func (t *mockTransport) prunesFor(p PeerId) []Prune {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Prune
	for _, rpc := range t.sent[p] {
		out = append(out, rpc.Prunes...)
	}
	return out
}

func (t *mockTransport) graftsFor(p PeerId) []Graft {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Graft
	for _, rpc := range t.sent[p] {
		out = append(out, rpc.Grafts...)
	}
	return out
}

// mockSeenCache always reports unseen, satisfying SeenCache for tests that
// do not exercise deduplication paths.
type mockSeenCache struct{ seen map[string]bool }

func newMockSeenCache() *mockSeenCache { return &mockSeenCache{seen: make(map[string]bool)} }

func (s *mockSeenCache) HasSeen(saltedID string) bool { return s.seen[saltedID] }

// mockSPRBook never has a record on file; px list entries come back with no
// signed peer record attached, which is a valid state the PX path handles.
type mockSPRBook struct{}

func (mockSPRBook) Lookup(p PeerId) (*record.Envelope, bool) { return nil, false }

// mockScoreSource returns a fixed or per-peer overridden score.
type mockScoreSource struct {
	mu      sync.Mutex
	scores  map[PeerId]float64
	defaultScore float64
}

func newMockScoreSource() *mockScoreSource {
	return &mockScoreSource{scores: make(map[PeerId]float64)}
}

func (s *mockScoreSource) Score(p PeerId) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.scores[p]; ok {
		return v
	}
	return s.defaultScore
}

func (s *mockScoreSource) setScore(p PeerId, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[p] = v
}

// pxConsumerFunc adapts a plain function to PeerExchangeConsumer for tests.
type pxConsumerFunc func(peers []PeerId, records map[PeerId]*record.Envelope)

func (f pxConsumerFunc) OnPeerExchange(peers []PeerId, records map[PeerId]*record.Envelope) {
	f(peers, records)
}

// mockDirectConnector records EnsureConnected calls.
type mockDirectConnector struct {
	mu    sync.Mutex
	calls []PeerId
}

func (d *mockDirectConnector) EnsureConnected(p PeerId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, p)
}

// testPeerID builds a deterministic peer.ID from a small integer, avoiding
// any dependency on real key generation for tests that only care about
// identity, not cryptographic validity.
func testPeerID(n byte) PeerId {
	return peer.ID([]byte{0xAA, n})
}

// newTestRouter builds a Router with mock deps, all config knobs at
// DefaultConfig unless overridden by opts.
func newTestRouter(opts ...Option) (*Router, *mockTransport, *mockScoreSource) {
	cfg := NewConfig(opts...)
	transport := newMockTransport()
	scores := newMockScoreSource()
	deps := Deps{
		Transport: transport,
		Seen:      newMockSeenCache(),
		SPRBook:   mockSPRBook{},
		Scores:    scores,
		RNG:       DefaultRNG(),
	}
	r := NewRouter(context.Background(), cfg, deps)
	return r, transport, scores
}
