package gossipsub

import "time"

// idSetRing is a bounded deque of id sets, one per historical heartbeat
// generation. Index 0 is always the current (newest) generation. Pushing
// a new generation pops the oldest once the length exceeds max (spec §3:
// "|sentIHaves| <= historyLength", "|iDontWants| <= historyLength").
type idSetRing struct {
	gens []map[string]struct{}
	max  int
}

func newIDSetRing(max int) *idSetRing {
	r := &idSetRing{max: max}
	r.pushFresh()
	return r
}

func (r *idSetRing) pushFresh() {
	r.gens = append([]map[string]struct{}{make(map[string]struct{})}, r.gens...)
	if len(r.gens) > r.max {
		r.gens = r.gens[:r.max]
	}
}

// Add records id into the current (generation 0) set. It enforces no cap:
// caller-defined caps (e.g. IDontWantMaxCount) are enforced at the call
// site, since the cap applies to one generation rather than the whole ring.
func (r *idSetRing) Add(id string) {
	r.gens[0][id] = struct{}{}
}

func (r *idSetRing) CurrentLen() int {
	return len(r.gens[0])
}

// Has reports whether id appears in any retained generation.
func (r *idSetRing) Has(id string) bool {
	for _, g := range r.gens {
		if _, ok := g[id]; ok {
			return true
		}
	}
	return false
}

func (r *idSetRing) Len() int { return len(r.gens) }

// bandwidthTracker smooths a download-rate estimate for the preamble
// extension's bandwidth-aware IMReceiving broadcast decision (spec §4.7.a).
// Grounded on a standard EWMA, the simplest technique that avoids
// overreacting to a single large/small transfer.
type bandwidthTracker struct {
	download float64 // smoothed bytes/sec
	alpha    float64
}

func newBandwidthTracker() *bandwidthTracker {
	return &bandwidthTracker{alpha: 0.2}
}

// Observe folds a completed transfer of size bytes over duration into the
// smoothed estimate.
func (b *bandwidthTracker) Observe(size int, duration time.Duration) {
	if duration <= 0 {
		return
	}
	sample := float64(size) / duration.Seconds()
	if b.download == 0 {
		b.download = sample
		return
	}
	b.download = b.alpha*sample + (1-b.alpha)*b.download
}

func (b *bandwidthTracker) Rate() float64 { return b.download }

// Peer is the per-peer mutable state described in spec §3.
type Peer struct {
	Id        PeerId
	Outbound  bool
	Codec     Codec
	Connected bool

	iHaveBudget    int
	iWantBudget    int
	pingBudget     int
	preambleBudget int

	behaviourPenalty float64

	sentIHaves *idSetRing
	iDontWants *idSetRing

	heIsSendings   map[string]time.Time // id -> start time (preamble ext, peer is sending to us)
	heIsReceivings map[string]int       // id -> declared length (preamble ext, peer told us it's receiving)

	bandwidth *bandwidthTracker

	graftedAt map[string]time.Time // topic -> time of last GRAFT acceptance

	// askedIWant de-replays IWANT requests: an id may only be granted once
	// per peer (spec §4.5 canAskIWant, §8 "canAskIWant(id) returns true at
	// most once per id"). resetHeartbeatBudgets leaves it untouched; the
	// record lasts as long as the Peer.
	askedIWant map[string]struct{}
}

func newPeer(id PeerId, codec Codec, outbound bool, cfg Config) *Peer {
	return &Peer{
		Id:             id,
		Outbound:       outbound,
		Codec:          codec,
		Connected:      true,
		iHaveBudget:    cfg.IHaveBudget,
		iWantBudget:    cfg.IWantBudget,
		pingBudget:     cfg.PingBudget,
		preambleBudget: cfg.PreambleBudget,
		sentIHaves:     newIDSetRing(cfg.HistoryLength),
		iDontWants:     newIDSetRing(cfg.HistoryLength),
		heIsSendings:   make(map[string]time.Time),
		heIsReceivings: make(map[string]int),
		bandwidth:      newBandwidthTracker(),
		graftedAt:      make(map[string]time.Time),
		askedIWant:     make(map[string]struct{}),
	}
}

// markGrafted records the graft time for topic and clears the mesh-delivery
// bookkeeping the (opaque, out-of-scope) scorer would otherwise restart
// (spec §4.3 "mark grafted (record graft time, clear mesh-delivery
// counters)"). Mesh-delivery counters themselves live in the scoring
// subsystem, which this core does not implement (spec §1); only the graft
// timestamp -- the one piece this core owns -- is kept.
func (p *Peer) markGrafted(topic string, now time.Time) {
	p.graftedAt[topic] = now
}

// resetHeartbeatBudgets refills every per-heartbeat budget and rotates the
// sentIHaves/iDontWants history rings (spec §4.8 step 1).
func (p *Peer) resetHeartbeatBudgets(cfg Config) {
	p.iHaveBudget = cfg.IHaveBudget
	p.iWantBudget = cfg.IWantBudget
	p.pingBudget = cfg.PingBudget
	p.preambleBudget = cfg.PreambleBudget
	p.sentIHaves.pushFresh()
	p.iDontWants.pushFresh()
}

// canAskIWant implements the IWANT replay defense: true at most once per
// id per peer, ever (spec §4.5, §8).
func (p *Peer) canAskIWant(id string) bool {
	if _, asked := p.askedIWant[id]; asked {
		return false
	}
	p.askedIWant[id] = struct{}{}
	return true
}

// PeerStore is the per-peer state store (spec §2.1). Peers are created on
// first observation and destroyed on disconnect (spec §3 Lifecycle); topic
// sets never hold the Peer value itself, only the PeerId, so a disconnect
// can never leave a dangling reference (spec §9 "Cyclic references").
type PeerStore struct {
	peers map[PeerId]*Peer
	cfg   Config
}

func newPeerStore(cfg Config) *PeerStore {
	return &PeerStore{peers: make(map[PeerId]*Peer), cfg: cfg}
}

func (s *PeerStore) GetOrCreate(id PeerId, codec Codec, outbound bool) *Peer {
	if p, ok := s.peers[id]; ok {
		return p
	}
	p := newPeer(id, codec, outbound, s.cfg)
	s.peers[id] = p
	return p
}

func (s *PeerStore) Get(id PeerId) (*Peer, bool) {
	p, ok := s.peers[id]
	return p, ok
}

func (s *PeerStore) Remove(id PeerId) {
	delete(s.peers, id)
}

func (s *PeerStore) Range(fn func(*Peer)) {
	for _, p := range s.peers {
		fn(p)
	}
}

func (s *PeerStore) Len() int { return len(s.peers) }
