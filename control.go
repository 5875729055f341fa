package gossipsub

import "time"

// handleIHave processes incoming IHAVE advertisements (spec §4.5): for
// each id not already in the mcache or seen-set, ask the peer for at most
// one IWANT total by folding every id across every IHave in rpc into a
// single returned id list; the caller (handleRPC) wraps it in one IWant.
// IHaves below GossipThreshold are dropped outright without even being
// scanned for ids to avoid rewarding a bad-scoring peer with our demand
// signal (spec §4.5, §7). An id the preamble subsystem already tracks as
// an in-flight receive is never asked for here -- instead from is
// recorded as a possible alternate sender for that receive (spec §4.7) so
// a later stalled-transfer recovery has somewhere to pull from.
func (r *Router) handleIHave(from PeerId, ihaves []IHave) []string {
	if len(ihaves) == 0 {
		return nil
	}
	if r.score(from) < r.cfg.GossipThreshold {
		r.deps.Metrics.IncIHaveSkipped("low_score")
		return nil
	}
	peerObj, ok := r.peers.Get(from)
	if !ok {
		return nil
	}

	if len(ihaves) > r.cfg.IHaveMaxMessagesPerTick {
		r.deps.Metrics.IncIHaveSkipped("too_many_messages")
		ihaves = ihaves[:r.cfg.IHaveMaxMessagesPerTick]
	}

	var want []string
	for _, ih := range ihaves {
		if peerObj.iHaveBudget <= 0 {
			r.deps.Metrics.IncIHaveSkipped("budget_exhausted")
			break
		}
		for _, id := range ih.MessageIDs {
			if _, ok := r.mcache.Get(id); ok {
				continue
			}
			if r.deps.Seen.HasSeen(r.deps.Salter.Salt(id)) {
				continue
			}
			if r.preamble != nil {
				if rv, tracked := r.preamble.receives[id]; tracked {
					r.deps.Metrics.IncIHaveSkipped("preamble_saved_iwant")
					rv.possiblePeersToQuery = append(rv.possiblePeersToQuery, from)
					continue
				}
				if rv, tracked := r.preamble.iWantReceives[id]; tracked {
					r.deps.Metrics.IncIHaveSkipped("preamble_saved_iwant")
					rv.possiblePeersToQuery = append(rv.possiblePeersToQuery, from)
					continue
				}
			}
			if !peerObj.canAskIWant(id) {
				r.deps.Metrics.IncIHaveSkipped("already_asked")
				continue
			}
			want = append(want, id)
		}
		peerObj.iHaveBudget--
	}
	shuffleStrings(r.deps.RNG, want)
	return want
}

// handleIWant serves an incoming IWANT by looking each id up in the
// mcache, enforcing IWantMaxRetransmission per (id, peer) pair (spec
// SPEC_FULL.md §9 supplement). The returned messages are delivered by the
// caller via Transport out of band of the ControlRPC envelope, since
// Message carries application data rather than control semantics (spec
// §1 Non-goals: message delivery/signing is the PubSub base's job).
func (r *Router) handleIWant(from PeerId, iwants []IWant) []*Message {
	if len(iwants) == 0 {
		return nil
	}
	if r.score(from) < r.cfg.GossipThreshold {
		r.deps.Metrics.IncIWantSkipped("low_score")
		return nil
	}
	peerObj, ok := r.peers.Get(from)
	if !ok {
		return nil
	}

	var out []*Message
	invalid := 0
outer:
	for _, iw := range iwants {
		if peerObj.iWantBudget <= 0 {
			r.deps.Metrics.IncIWantSkipped("budget_exhausted")
			break
		}
		for _, id := range iw.MessageIDs {
			msg, deliveries, found := r.mcache.GetForPeer(id, from)
			if !found {
				r.deps.Metrics.IncUnknownIWant("")
				invalid++
				if invalid > r.cfg.IWantReplayMaxInvalid {
					r.deps.Metrics.IncIWantSkipped("too_many_invalid")
					peerObj.iWantBudget--
					break outer
				}
				continue
			}
			if deliveries > r.cfg.IWantMaxRetransmission {
				r.deps.Metrics.IncIWantSkipped("retransmission_cap")
				invalid++
				if invalid > r.cfg.IWantReplayMaxInvalid {
					r.deps.Metrics.IncIWantSkipped("too_many_invalid")
					peerObj.iWantBudget--
					break outer
				}
				continue
			}
			out = append(out, msg)
		}
		peerObj.iWantBudget--
	}
	return out
}

// behaviourPenaltyIncrement is the fixed charge applied per protocol
// violation (spec §4.3: "behaviourPenalty += 0.1").
const behaviourPenaltyIncrement = 0.1

// handleGraft processes an incoming GRAFT for each listed topic (spec
// §4.3), in the spec's fixed precedence order: direct-peer grafts are
// always refused with an immediate penalized PRUNE (direct peerings are
// fixed by configuration and may never be GRAFTed at); an already-meshed
// peer is a no-op; a peer still honoring a backoff (checked with the
// doubled slack window) is a punished violation; a peer scoring below
// publishThreshold, or not in the topic's gossipsub set, is silently
// ignored (no PRUNE, no penalty — the spec treats these as not worth a
// reply); otherwise the peer is admitted if the mesh has room, or via the
// DOut outbound exception even when at DHigh, or else refused with a
// plain PRUNE+PX.
func (r *Router) handleGraft(from PeerId, grafts []Graft) []Prune {
	if len(grafts) == 0 {
		return nil
	}
	peerObj, ok := r.peers.Get(from)
	if !ok {
		return nil
	}
	now := time.Now()

	var prunes []Prune
	for _, g := range grafts {
		ts := r.topic(g.Topic)

		if r.isDirect(from) {
			peerObj.behaviourPenalty += behaviourPenaltyIncrement
			prunes = append(prunes, r.makePrune(g.Topic, from, false))
			r.deps.Metrics.IncPrune(g.Topic, "direct_peer")
			continue
		}
		if _, already := ts.mesh[from]; already {
			continue
		}

		if r.backoff.isBackingOff(g.Topic, from, now, 2*r.cfg.BackoffSlackTime) {
			peerObj.behaviourPenalty += behaviourPenaltyIncrement
			r.deps.Metrics.IncBehaviourPenalty("graft_during_backoff")
			r.backoff.set(g.Topic, from, now.Add(2*r.cfg.PruneBackoff))
			prunes = append(prunes, r.makePrune(g.Topic, from, false))
			r.deps.Metrics.IncPrune(g.Topic, "backoff_violation")
			continue
		}

		if r.score(from) < r.cfg.PublishThreshold {
			continue
		}
		if _, subscribed := ts.gossipsub[from]; !subscribed {
			continue
		}

		hasRoom := len(ts.mesh) < r.cfg.DHigh
		outboundException := peerObj.Outbound && r.outboundCount(ts) < r.cfg.DOut
		if !hasRoom && !outboundException {
			prunes = append(prunes, r.makePrune(g.Topic, from, false))
			r.deps.Metrics.IncPrune(g.Topic, "mesh_full")
			continue
		}

		ts.mesh[from] = struct{}{}
		delete(ts.fanout, from)
		peerObj.markGrafted(g.Topic, now)
		r.deps.Metrics.SetMeshSize(g.Topic, len(ts.mesh))
	}
	return prunes
}

// outboundCount returns how many of topic's current mesh members are
// outbound connections (spec §4.3/§4.6 DOut accounting).
func (r *Router) outboundCount(ts *topicState) int {
	n := 0
	for p := range ts.mesh {
		if peerObj, ok := r.peers.Get(p); ok && peerObj.Outbound {
			n++
		}
	}
	return n
}

// maxBackoffClamp bounds an incoming PRUNE's carried backoff duration
// (spec §4.4: "clamp(backoff + BackoffSlackTime, 0, 1 day)").
const maxBackoffClamp = 24 * time.Hour

// handlePrune processes an incoming PRUNE (spec §4.4): the peer is
// removed from the topic's mesh (no further backoff installed here beyond
// what is computed below — the mesh removal itself never shortens an
// existing backoff), the carried backoff is widened by BackoffSlackTime
// and clamped to at most one day, and — only if the peer's score clears
// AcceptPXThreshold and a PX list was attached — the list is validated and
// fanned out to registered consumers.
func (r *Router) handlePrune(from PeerId, prunes []Prune) {
	for _, p := range prunes {
		ts, ok := r.topics[p.Topic]
		if ok {
			delete(ts.mesh, from)
			r.deps.Metrics.SetMeshSize(p.Topic, len(ts.mesh))
		}

		backoff := p.Backoff + r.cfg.BackoffSlackTime
		if backoff < 0 {
			backoff = 0
		}
		if backoff > maxBackoffClamp {
			backoff = maxBackoffClamp
		}
		r.backoff.set(p.Topic, from, time.Now().Add(backoff))

		if len(p.Peers) > 0 && r.score(from) >= r.cfg.AcceptPXThreshold {
			r.consumePeerExchange(p.Peers)
		}
	}
}

// handleIDontWant records salted ids a peer never wants pushed to it
// (spec §4.5 v1.4 extension), capped at IDontWantMaxCount per heartbeat
// generation; entries beyond the cap are silently dropped rather than
// erroring; a flood of IDONTWANTs is an annoyance, not a protocol fault
// (spec §7).
func (r *Router) handleIDontWant(from PeerId, idontwants []IDontWant) {
	if len(idontwants) == 0 {
		return
	}
	peerObj, ok := r.peers.Get(from)
	if !ok {
		return
	}
	for _, idw := range idontwants {
		for _, id := range idw.MessageIDs {
			if peerObj.iDontWants.CurrentLen() >= r.cfg.IDontWantMaxCount {
				return
			}
			peerObj.iDontWants.Add(r.deps.Salter.Salt(id))

			// A peer telling us it does not want id can no longer be the
			// source of an in-flight preamble receive for that id (spec
			// §4.7.b); dropping it here lets the next expirePreambles pass
			// or a future Preamble reuse the slot instead of waiting out
			// the full transfer ceiling.
			if r.preamble != nil {
				if rv, ok := r.preamble.receives[id]; ok && rv.peer == from {
					delete(r.preamble.receives, id)
					delete(peerObj.heIsSendings, id)
				}
			}
		}
	}
}

// wantsMessage reports whether p has NOT told us IDONTWANT for the salted
// form of id; used to filter mesh-forward/gossip targets (spec §4.5).
func (r *Router) wantsMessage(p PeerId, id string) bool {
	peerObj, ok := r.peers.Get(p)
	if !ok {
		return true
	}
	return !peerObj.iDontWants.Has(r.deps.Salter.Salt(id))
}
