package gossipsub

import "time"

// rebalanceResult collects the control messages a rebalance pass wants to
// send, keyed by peer; callers merge this into the per-peer outbox built
// during heartbeat (spec §4.6, §4.8 step 3).
type rebalanceResult struct {
	grafts map[PeerId][]Graft
	prunes map[PeerId][]Prune
}

func newRebalanceResult() *rebalanceResult {
	return &rebalanceResult{grafts: make(map[PeerId][]Graft), prunes: make(map[PeerId][]Prune)}
}

func (rr *rebalanceResult) addGraft(p PeerId, topic string) {
	rr.grafts[p] = append(rr.grafts[p], Graft{Topic: topic})
}

func (rr *rebalanceResult) addPrune(p PeerId, prune Prune) {
	rr.prunes[p] = append(rr.prunes[p], prune)
}

// rebalance applies the full mesh maintenance pass for one topic (spec
// §4.6): prune negative-score members, replenish below DLow, top up the
// DOut outbound quota independently of DLow, prune above DHigh, and
// opportunistically graft. Order mirrors the teacher's heartbeat loop body
// in gossipsub.go, with the outbound-quota step inserted as its own pass
// per spec §4.6 step 2.
func (r *Router) rebalance(topic string, rr *rebalanceResult) {
	ts := r.topic(topic)
	now := time.Now()

	r.pruneNegativeScore(topic, ts, rr, now)

	if len(ts.mesh) < r.cfg.DLow {
		r.replenish(topic, ts, rr, now)
	}

	r.replenishOutboundQuota(topic, ts, rr, now)

	if len(ts.mesh) > r.cfg.DHigh {
		r.pruneExcess(topic, ts, rr, now)
	}

	r.opportunisticGraft(topic, ts, rr, now)

	r.deps.Metrics.SetMeshSize(topic, len(ts.mesh))
}

// pruneNegativeScore evicts any mesh member whose score has fallen below
// zero (spec §4.6: "members with score < 0 are pruned every heartbeat
// regardless of DLow/DHigh").
func (r *Router) pruneNegativeScore(topic string, ts *topicState, rr *rebalanceResult, now time.Time) {
	for p := range ts.mesh {
		if r.score(p) < 0 {
			delete(ts.mesh, p)
			prune := r.makePrune(topic, p, false)
			rr.addPrune(p, prune)
			r.deps.Metrics.IncPrune(topic, "negative_score")
		}
	}
}

// replenish tops the mesh back up to D when it has fallen below DLow (spec
// §4.6 step 1): shuffle, then stable-sort the connected, non-direct,
// non-backing-off, score >= 0 candidates by score descending, and take up
// to D - |mesh[t]| -- the highest-scoring peers available, not an
// arbitrary subset of them.
func (r *Router) replenish(topic string, ts *topicState, rr *rebalanceResult, now time.Time) {
	need := r.cfg.D - len(ts.mesh)
	if need <= 0 {
		return
	}
	candidates := r.getPeersByScoreDesc(topic, need, func(p PeerId) bool {
		if _, in := ts.mesh[p]; in {
			return false
		}
		if r.isDirect(p) || !r.isConnected(p) {
			return false
		}
		if r.backoff.isBackingOff(topic, p, now, r.cfg.BackoffSlackTime) {
			return false
		}
		return r.score(p) >= 0
	})
	for _, p := range candidates {
		ts.mesh[p] = struct{}{}
		if peerObj, ok := r.peers.Get(p); ok {
			peerObj.markGrafted(topic, now)
		}
		rr.addGraft(p, topic)
		r.deps.Metrics.IncGraft(topic)
	}
}

// replenishOutboundQuota tops up outbound mesh membership towards DOut
// independently of DLow (spec §4.6 step 2: "if outbound count of the mesh
// < dOut, repeat the above restricted to outbound peers, up to
// dOut - current_outbound"). This fires even when the mesh already sits
// at or above DLow, since a mesh that is full but outbound-starved would
// otherwise never get topped up between DHigh-prune events.
func (r *Router) replenishOutboundQuota(topic string, ts *topicState, rr *rebalanceResult, now time.Time) {
	need := r.cfg.DOut - r.outboundCount(ts)
	if need <= 0 {
		return
	}
	candidates := r.getPeersByScoreDesc(topic, need, func(p PeerId) bool {
		if _, in := ts.mesh[p]; in {
			return false
		}
		if r.isDirect(p) || !r.isConnected(p) {
			return false
		}
		if r.backoff.isBackingOff(topic, p, now, r.cfg.BackoffSlackTime) {
			return false
		}
		peerObj, ok := r.peers.Get(p)
		return ok && peerObj.Outbound && r.score(p) >= 0
	})
	for _, p := range candidates {
		ts.mesh[p] = struct{}{}
		if peerObj, ok := r.peers.Get(p); ok {
			peerObj.markGrafted(topic, now)
		}
		rr.addGraft(p, topic)
		r.deps.Metrics.IncGraft(topic)
	}
}

// pruneExcess trims the mesh down to D when above DHigh, mirroring the
// teacher exactly: shuffle (in case score is uninformative), stable-sort
// by score descending, keep the top DScore peers fixed by score, then
// shuffle only the tail so ties among the rest are broken randomly rather
// than by score alone, and cut at D (spec §4.6, teacher's heartbeat
// "do we have too many peers?" block). A DOut outbound floor (spec §3
// data model) is then restored as a second pass: if the cut left fewer
// than DOut outbound survivors, the lowest-scoring non-outbound survivor
// is swapped for the best-scoring pruned outbound peer, one at a time,
// until the floor is met or no outbound candidates remain.
func (r *Router) pruneExcess(topic string, ts *topicState, rr *rebalanceResult, now time.Time) {
	peers := make([]PeerId, 0, len(ts.mesh))
	for p := range ts.mesh {
		peers = append(peers, p)
	}
	r.sortPeersByScoreDesc(peers)

	dscore := r.cfg.DScore
	if dscore > len(peers) {
		dscore = len(peers)
	}
	tail := peers[dscore:]
	shufflePeerIds(r.deps.RNG, tail)

	keep := peers
	if r.cfg.D < len(keep) {
		keep = keep[:r.cfg.D]
	}
	keepSet := make(map[PeerId]struct{}, len(keep))
	for _, p := range keep {
		keepSet[p] = struct{}{}
	}

	outboundKept := 0
	for p := range keepSet {
		if peerObj, ok := r.peers.Get(p); ok && peerObj.Outbound {
			outboundKept++
		}
	}
	for outboundKept < r.cfg.DOut {
		var swapIn PeerId
		found := false
		for _, p := range peers {
			if _, already := keepSet[p]; already {
				continue
			}
			peerObj, ok := r.peers.Get(p)
			if !ok || !peerObj.Outbound {
				continue
			}
			swapIn = p
			found = true
			break
		}
		if !found {
			break
		}
		var worstNonOutbound PeerId
		worstFound := false
		for p := range keepSet {
			peerObj, _ := r.peers.Get(p)
			if peerObj != nil && peerObj.Outbound {
				continue
			}
			if !worstFound || r.score(p) < r.score(worstNonOutbound) {
				worstNonOutbound = p
				worstFound = true
			}
		}
		if !worstFound {
			break
		}
		delete(keepSet, worstNonOutbound)
		keepSet[swapIn] = struct{}{}
		outboundKept++
	}

	for _, p := range peers {
		if _, kept := keepSet[p]; kept {
			continue
		}
		delete(ts.mesh, p)
		rr.addPrune(p, r.makePrune(topic, p, false))
		r.deps.Metrics.IncPrune(topic, "dhigh")
	}
}

// opportunisticGraft grafts up to MaxOpportunisticGraftPeers extra peers
// scoring above the mesh's median when the median itself sits below
// OpportunisticGraftThreshold (spec §4.6 "opportunistic grafting"), but
// only once every OpportunisticGraftTicks heartbeats (spec §4.8).
func (r *Router) opportunisticGraft(topic string, ts *topicState, rr *rebalanceResult, now time.Time) {
	if r.heartbeatTicks%r.cfg.OpportunisticGraftTicks != 0 {
		return
	}
	if len(ts.mesh) < 2 {
		return
	}

	scores := make([]float64, 0, len(ts.mesh))
	for p := range ts.mesh {
		scores = append(scores, r.score(p))
	}
	median := medianOf(scores)
	if median >= r.cfg.OpportunisticGraftThreshold {
		return
	}

	candidates := r.getPeers(topic, 0, func(p PeerId) bool {
		if _, in := ts.mesh[p]; in {
			return false
		}
		if r.isDirect(p) {
			return false
		}
		if r.backoff.isBackingOff(topic, p, now, r.cfg.BackoffSlackTime) {
			return false
		}
		return r.score(p) > median
	})
	if len(candidates) > r.cfg.MaxOpportunisticGraftPeers {
		candidates = candidates[:r.cfg.MaxOpportunisticGraftPeers]
	}
	for _, p := range candidates {
		ts.mesh[p] = struct{}{}
		if peerObj, ok := r.peers.Get(p); ok {
			peerObj.markGrafted(topic, now)
		}
		rr.addGraft(p, topic)
		r.deps.Metrics.IncGraft(topic)
	}
}

func medianOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
