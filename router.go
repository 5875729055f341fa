package gossipsub

import (
	"context"
	"sort"
	"time"
)

// topicState holds the three disjoint peer roles for one topic (spec §2.3,
// §2.4): gossipsub (all known subscribers), mesh (forwarding peers,
// bounded), fanout (transient forwarding peers for topics we publish but
// do not subscribe to). Only PeerIds are stored here; the Peer value
// itself always lives in the PeerStore, so a disconnect can never leave a
// topic set holding a dangling reference (spec §9).
type topicState struct {
	gossipsub map[PeerId]struct{}
	mesh      map[PeerId]struct{}
	fanout    map[PeerId]struct{}
}

func newTopicState() *topicState {
	return &topicState{
		gossipsub: make(map[PeerId]struct{}),
		mesh:      make(map[PeerId]struct{}),
		fanout:    make(map[PeerId]struct{}),
	}
}

// Deps collects the narrow external collaborators the core consumes
// (spec §1, §6). Every field maps to an out-of-scope subsystem: transport,
// the PubSub base's seen-set, the peerstore's certified address book, the
// opaque scoring subsystem, and the RNG.
type Deps struct {
	Transport     Transport
	Seen          SeenCache
	SPRBook       SPRBook
	Scores        ScoreSource
	RNG           RNG
	DirectConnect DirectPeerConnector
	Metrics       MetricsSink
	Salter        *Salter
}

func (d *Deps) setDefaults() {
	if d.RNG == nil {
		d.RNG = DefaultRNG()
	}
	if d.Metrics == nil {
		d.Metrics = NoopMetrics()
	}
	if d.Salter == nil {
		d.Salter, _ = NewSalter()
	}
}

// Router is the GossipSub mesh manager (spec §2). All mutation of
// mesh/fanout/backoff/peer-state happens on a single goroutine (run),
// matching the teacher's single processLoop + eval-channel model
// (spec §5, SPEC_FULL.md §5 [FULL]).
type Router struct {
	cfg Config

	peers   *PeerStore
	backoff *BackoffTable
	mcache  *MessageCache
	topics  map[string]*topicState
	direct  map[PeerId]struct{}

	lastPublish    map[string]time.Time
	heartbeatTicks uint64

	deps Deps

	pxConsumers []PeerExchangeConsumer

	preamble *preambleState

	actions chan func(*Router)
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewRouter constructs a Router. Call Start to begin its heartbeat loop(s).
func NewRouter(ctx context.Context, cfg Config, deps Deps) *Router {
	deps.setDefaults()
	ctx, cancel := context.WithCancel(ctx)

	r := &Router{
		cfg:         cfg,
		peers:       newPeerStore(cfg),
		backoff:     newBackoffTable(),
		mcache:      NewMessageCache(cfg.GossipHistoryLength, cfg.HistoryLength, cfg.IWantMaxRetransmission),
		topics:      make(map[string]*topicState),
		direct:      make(map[PeerId]struct{}),
		lastPublish: make(map[string]time.Time),
		deps:        deps,
		actions:     make(chan func(*Router), 32),
		ctx:         ctx,
		cancel:      cancel,
		stopped:     make(chan struct{}),
	}
	for _, p := range cfg.DirectPeers {
		r.direct[p] = struct{}{}
	}
	if cfg.EnablePream {
		r.preamble = newPreambleState()
	}
	return r
}

// RegisterPeerExchangeConsumer subscribes c to decoded PX peer lists
// arriving on incoming PRUNEs (spec §4.4).
func (r *Router) RegisterPeerExchangeConsumer(c PeerExchangeConsumer) {
	r.do(func(rr *Router) { rr.pxConsumers = append(rr.pxConsumers, c) })
}

// Start launches the heartbeat driver (and, if enabled, the preamble
// expiration heartbeat) plus the single action-processing goroutine.
func (r *Router) Start() {
	go r.run()
	go r.heartbeatTimer()
	if r.preamble != nil {
		go r.preambleTimer()
	}
}

// Stop cancels the router's context and waits for the run loop to exit;
// actions still queued at that point are not run.
func (r *Router) Stop() {
	r.cancel()
	<-r.stopped
}

// run is the single goroutine that owns all mutable state. Every public
// method funnels through do(), which posts a closure here, exactly as the
// teacher funnels mutation through gs.p.eval.
func (r *Router) run() {
	defer close(r.stopped)
	for {
		select {
		case fn := <-r.actions:
			fn(r)
		case <-r.ctx.Done():
			return
		}
	}
}

// do submits fn to run on the owning goroutine and blocks until it has
// executed, or the router is stopped.
func (r *Router) do(fn func(*Router)) {
	done := make(chan struct{})
	select {
	case r.actions <- func(rr *Router) { fn(rr); close(done) }:
	case <-r.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-r.ctx.Done():
	}
}

func (r *Router) topic(t string) *topicState {
	ts, ok := r.topics[t]
	if !ok {
		ts = newTopicState()
		r.topics[t] = ts
	}
	return ts
}

func (r *Router) isDirect(p PeerId) bool {
	_, ok := r.direct[p]
	return ok
}

func (r *Router) score(p PeerId) float64 {
	return r.deps.Scores.Score(p)
}

// isConnected reports whether p is a currently-connected peer (spec §4.6
// step 1 replenish-candidate filter: "connected"). An unknown peer id
// (already removed from the PeerStore) is never a valid candidate.
func (r *Router) isConnected(p PeerId) bool {
	peerObj, ok := r.peers.Get(p)
	return ok && peerObj.Connected
}

// AddPeer registers a newly connected peer (spec §3 Lifecycle: "Peer state
// is created on first observation").
func (r *Router) AddPeer(id PeerId, codec Codec, outbound bool) {
	r.do(func(rr *Router) {
		rr.peers.GetOrCreate(id, codec, outbound)
	})
}

// RemovePeer tears down a disconnected peer: its state is destroyed and it
// is scrubbed from every mesh/fanout set and the backoff table (spec §3
// Lifecycle, §9).
func (r *Router) RemovePeer(id PeerId) {
	r.do(func(rr *Router) {
		for _, ts := range rr.topics {
			delete(ts.gossipsub, id)
			delete(ts.mesh, id)
			delete(ts.fanout, id)
		}
		rr.backoff.removePeer(id)
		rr.peers.Remove(id)
		if rr.preamble != nil {
			rr.preamble.removePeer(id)
		}
	})
}

// NoteSubscribed records that p has announced a subscription to topic
// (spec §2.4 gossipsub set: "all peers known to subscribe"). This is
// distinct from mesh membership; the PubSub base's subscription-tracking
// announcement is out of scope (spec §1) and feeds this call.
func (r *Router) NoteSubscribed(p PeerId, topic string) {
	r.do(func(rr *Router) {
		rr.topic(topic).gossipsub[p] = struct{}{}
	})
}

func (r *Router) NoteUnsubscribed(p PeerId, topic string) {
	r.do(func(rr *Router) {
		if ts, ok := rr.topics[topic]; ok {
			delete(ts.gossipsub, p)
		}
	})
}

// getPeers returns up to count peers of topic's gossipsub set matching
// filter, shuffled first (spec §4.6 "Shuffle, then stable-sort"; getPeers
// itself only does the initial shuffle+cap, mirroring the teacher's
// getPeers helper in gossipsub.go).
func (r *Router) getPeers(topic string, count int, filter func(PeerId) bool) []PeerId {
	ts, ok := r.topics[topic]
	if !ok {
		return nil
	}
	peers := make([]PeerId, 0, len(ts.gossipsub))
	for p := range ts.gossipsub {
		if filter(p) {
			peers = append(peers, p)
		}
	}
	shufflePeerIds(r.deps.RNG, peers)
	if count > 0 && len(peers) > count {
		peers = peers[:count]
	}
	return peers
}

// getPeersByScoreDesc is getPeers's score-ordered counterpart: shuffle,
// then stable-sort by score descending, then cut at count (spec §4.6 step
// 1: "Shuffle, then stable-sort by score descending. Take up to
// D - |mesh[t]|"). Unlike getPeers's plain shuffle-and-cut, this is used
// everywhere the spec requires picking the *highest-scoring* candidates
// rather than an arbitrary subset.
func (r *Router) getPeersByScoreDesc(topic string, count int, filter func(PeerId) bool) []PeerId {
	ts, ok := r.topics[topic]
	if !ok {
		return nil
	}
	peers := make([]PeerId, 0, len(ts.gossipsub))
	for p := range ts.gossipsub {
		if filter(p) {
			peers = append(peers, p)
		}
	}
	r.sortPeersByScoreDesc(peers)
	if count > 0 && len(peers) > count {
		peers = peers[:count]
	}
	return peers
}

// Join notifies the router that we now want to receive/forward messages
// for topic (spec §4.6/teacher Join semantics): promote fanout peers into
// the mesh if we have one, topping up from the gossipsub set, and emit a
// GRAFT to every resulting mesh peer.
func (r *Router) Join(topic string) *ControlRPC {
	var outbox map[PeerId]*ControlRPC
	r.do(func(rr *Router) {
		ts := rr.topic(topic)
		if len(ts.mesh) > 0 {
			return
		}

		if len(ts.fanout) > 0 {
			for p := range ts.fanout {
				if rr.score(p) < 0 {
					delete(ts.fanout, p)
				}
			}
			if len(ts.fanout) < rr.cfg.D {
				more := rr.getPeersByScoreDesc(topic, rr.cfg.D-len(ts.fanout), func(p PeerId) bool {
					_, inFanout := ts.fanout[p]
					return !inFanout && !rr.isDirect(p) && rr.isConnected(p) && rr.score(p) >= 0
				})
				for _, p := range more {
					ts.fanout[p] = struct{}{}
				}
			}
			ts.mesh = ts.fanout
			ts.fanout = make(map[PeerId]struct{})
			delete(rr.lastPublish, topic)
		} else {
			peers := rr.getPeersByScoreDesc(topic, rr.cfg.D, func(p PeerId) bool {
				return !rr.isDirect(p) && rr.isConnected(p) && rr.score(p) >= 0
			})
			for _, p := range peers {
				ts.mesh[p] = struct{}{}
			}
		}

		outbox = make(map[PeerId]*ControlRPC)
		now := time.Now()
		for p := range ts.mesh {
			if peer, ok := rr.peers.Get(p); ok {
				peer.markGrafted(topic, now)
			}
			rr.deps.Metrics.IncGraft(topic)
			outbox[p] = &ControlRPC{Grafts: []Graft{{Topic: topic}}}
		}
		rr.deps.Metrics.SetMeshSize(topic, len(ts.mesh))
	})
	return r.sendAll(outbox)
}

// Leave notifies the router that we no longer want topic; every mesh peer
// is PRUNEd.
func (r *Router) Leave(topic string) {
	var outbox map[PeerId]*ControlRPC
	r.do(func(rr *Router) {
		ts, ok := rr.topics[topic]
		if !ok || len(ts.mesh) == 0 {
			return
		}
		outbox = make(map[PeerId]*ControlRPC)
		for p := range ts.mesh {
			outbox[p] = &ControlRPC{Prunes: []Prune{rr.makePrune(topic, p, true)}}
		}
		ts.mesh = make(map[PeerId]struct{})
		rr.deps.Metrics.SetMeshSize(topic, 0)
	})
	r.sendAll(outbox)
}

// sendAll dispatches one RPC per peer via Transport.Send and returns one of
// the RPCs it sent (the last in map-iteration order, nil if outbox is
// empty), only for testability; production callers generally ignore the
// return value since delivery is already handled here.
func (r *Router) sendAll(outbox map[PeerId]*ControlRPC) *ControlRPC {
	var last *ControlRPC
	for p, rpc := range outbox {
		if err := r.deps.Transport.Send(p, rpc, false); err != nil {
			log.Debugf("send to %s failed (reconciled next heartbeat): %s", p, err)
		}
		last = rpc
	}
	return last
}

// Publish forwards a locally- or remotely-originated message to the
// correct peer set for its topic: direct peers subscribed to the topic
// always get it, mesh peers if we've joined the topic, otherwise fanout
// peers (picked fresh if needed), mirroring the teacher's
// GossipSubRouter.Publish. The peer it was received from and peers that
// sent IDONTWANT for it are skipped.
func (r *Router) Publish(msg *Message, receivedFrom PeerId) {
	r.do(func(rr *Router) {
		rr.mcache.Add(msg)

		tosend := make(map[PeerId]struct{})
		ts := rr.topic(msg.Topic)

		for p := range rr.direct {
			if _, inTopic := ts.gossipsub[p]; inTopic {
				tosend[p] = struct{}{}
			}
		}

		if len(ts.mesh) > 0 {
			for p := range ts.mesh {
				tosend[p] = struct{}{}
			}
		} else {
			if len(ts.fanout) == 0 {
				peers := rr.getPeers(msg.Topic, rr.cfg.D, func(p PeerId) bool {
					return rr.score(p) >= rr.cfg.PublishThreshold
				})
				if len(peers) > 0 {
					ts.fanout = make(map[PeerId]struct{})
					for _, p := range peers {
						ts.fanout[p] = struct{}{}
					}
				}
			}
			rr.lastPublish[msg.Topic] = time.Now()
			for p := range ts.fanout {
				tosend[p] = struct{}{}
			}
		}

		delete(tosend, receivedFrom)

		peers := make([]PeerId, 0, len(tosend))
		for p := range tosend {
			if !rr.wantsMessage(p, msg.ID) {
				continue
			}
			peers = append(peers, p)
		}
		rr.deps.Transport.ForwardMessage(peers, msg)
	})
}

// HandleRPC processes one inbound RPC from p through every control
// handler in the teacher's fixed order (IHAVE, IWANT, GRAFT, PRUNE; spec
// §2 "Control Handlers ... pure functions") and returns the coalesced
// reply, or nil if there is nothing to send.
func (r *Router) HandleRPC(from PeerId, rpc *ControlRPC) *ControlRPC {
	var out *ControlRPC
	r.do(func(rr *Router) {
		out = rr.handleRPC(from, rpc)
	})
	return out
}

func (r *Router) handleRPC(from PeerId, rpc *ControlRPC) *ControlRPC {
	if rpc == nil {
		return nil
	}

	iwant := r.handleIHave(from, rpc.IHaves)
	msgs := r.handleIWant(from, rpc.IWants)
	prune := r.handleGraft(from, rpc.Grafts)
	r.handlePrune(from, rpc.Prunes)
	r.handleIDontWant(from, rpc.IDontWants)

	if r.preamble != nil {
		for _, pr := range rpc.Preambles {
			if im := r.handlePreamble(from, pr); im != nil {
				r.broadcastIMReceiving(pr.Topic, from, *im)
			}
		}
		for _, im := range rpc.IMReceivings {
			r.handleIMReceiving(from, im)
		}
	}

	if len(msgs) > 0 {
		r.deps.Transport.DeliverMessages(from, msgs)
	}

	out := &ControlRPC{}
	if len(iwant) > 0 {
		out.IWants = []IWant{{MessageIDs: iwant}}
	}
	out.Prunes = append(out.Prunes, prune...)
	if out.Empty() {
		return nil
	}
	return out
}

// broadcastIMReceiving fans im out to topic's other mesh peers that
// negotiated the v1.4 codec (spec §4.7.a: "broadcast IMReceiving... to the
// mesh subset that negotiated the v1.4 codec"), so they suppress their own
// redundant push of the same message -- the peer that sent us the Preamble
// gains nothing from hearing this back, so it is excluded.
func (r *Router) broadcastIMReceiving(topic string, from PeerId, im IMReceiving) {
	ts, ok := r.topics[topic]
	if !ok {
		return
	}
	var targets []PeerId
	for p := range ts.mesh {
		if p == from {
			continue
		}
		peerObj, ok := r.peers.Get(p)
		if !ok || !peerObj.Codec.SupportsPreamble() {
			continue
		}
		targets = append(targets, p)
	}
	if len(targets) == 0 {
		return
	}
	r.deps.Transport.Broadcast(targets, &ControlRPC{IMReceivings: []IMReceiving{im}}, false)
}

// sortPeersByScoreDesc is a small shared helper: shuffle first (for ties),
// then a stable sort locks score in as the primary key (spec §4.6 "Shuffle
// before sorting ... stable-sort by score then locks in score as the
// primary key").
func (r *Router) sortPeersByScoreDesc(peers []PeerId) {
	shufflePeerIds(r.deps.RNG, peers)
	scores := make(map[PeerId]float64, len(peers))
	for _, p := range peers {
		scores[p] = r.score(p)
	}
	sort.SliceStable(peers, func(i, j int) bool { return scores[peers[i]] > scores[peers[j]] })
}

func (r *Router) sortPeersByScoreAsc(peers []PeerId) {
	shufflePeerIds(r.deps.RNG, peers)
	scores := make(map[PeerId]float64, len(peers))
	for _, p := range peers {
		scores[p] = r.score(p)
	}
	sort.SliceStable(peers, func(i, j int) bool { return scores[peers[i]] < scores[peers[j]] })
}
