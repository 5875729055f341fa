package gossipsub

import (
	"time"
)

// heartbeatTimer drives the periodic heartbeat on its own goroutine,
// posting onto the action channel so the actual work runs on the single
// owning goroutine (spec §5, mirroring the teacher's heartbeatTimer +
// gs.p.eval <- gs.heartbeat).
func (r *Router) heartbeatTimer() {
	select {
	case <-time.After(r.cfg.HeartbeatInitialDelay):
	case <-r.ctx.Done():
		return
	}

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.do(func(rr *Router) { rr.heartbeat() })
		case <-r.ctx.Done():
			return
		}
	}
}

// heartbeat runs the full per-tick maintenance pass (spec §4.8):
//  1. reset per-peer heartbeat budgets and rotate history rings
//  2. periodically age out expired backoffs (batched, spec §3 [FULL])
//  3. periodically reconnect direct peers
//  4. rebalance every topic's mesh
//  5. expire and replenish fanout
//  6. emit gossip (IHAVE) to non-mesh peers
//  7. shift the message cache
func (r *Router) heartbeat() {
	r.heartbeatTicks++
	now := time.Now()

	r.peers.Range(func(p *Peer) { p.resetHeartbeatBudgets(r.cfg) })

	if r.heartbeatTicks%r.cfg.BackoffSweepEveryTicks == 0 {
		r.backoff.ageExpiredAll(now)
	}

	if r.deps.DirectConnect != nil && r.directConnectTicks() > 0 && r.heartbeatTicks%r.directConnectTicks() == 0 {
		for p := range r.direct {
			r.deps.DirectConnect.EnsureConnected(p)
		}
	}

	rr := newRebalanceResult()
	for topic := range r.topics {
		r.rebalance(topic, rr)
	}

	r.expireFanout(now)

	gossip := r.emitGossip()

	r.mcache.Shift()

	r.flushHeartbeatOutbox(rr, gossip)
}

// directConnectTicks converts DirectConnectInterval into a heartbeat tick
// count, at least 1, so the check in heartbeat is a plain modulo.
func (r *Router) directConnectTicks() uint64 {
	if r.cfg.DirectConnectInterval <= 0 || r.cfg.HeartbeatInterval <= 0 {
		return 0
	}
	n := uint64(r.cfg.DirectConnectInterval / r.cfg.HeartbeatInterval)
	if n == 0 {
		n = 1
	}
	return n
}

// expireFanout drops fanout peer sets for topics that have not been
// published to within FanoutTTL (spec §4.8 step 5, teacher's
// lastpub/fanoutTTL handling).
func (r *Router) expireFanout(now time.Time) {
	for topic, last := range r.lastPublish {
		if now.Sub(last) > r.cfg.FanoutTTL {
			if ts, ok := r.topics[topic]; ok {
				ts.fanout = make(map[PeerId]struct{})
			}
			delete(r.lastPublish, topic)
		}
	}
}

// emitGossip builds the IHAVE payload sent to a random subset of each
// topic's non-mesh, non-fanout, non-direct peers (spec §4.8 step 6): the
// candidate pool is sized by GossipFactor*|gossipsub peers| but floored at
// DLazy (mirroring the teacher's emitGossip), and the id list per topic is
// the mcache's gossip window, shuffled and capped at IHaveMaxLength.
func (r *Router) emitGossip() map[PeerId][]IHave {
	out := make(map[PeerId][]IHave)
	for topic, ts := range r.topics {
		ids := r.mcache.Window(topic)
		if len(ids) == 0 {
			continue
		}
		shuffleStrings(r.deps.RNG, ids)
		if len(ids) > r.cfg.IHaveMaxLength {
			ids = ids[:r.cfg.IHaveMaxLength]
		}

		target := int(float64(len(ts.gossipsub)) * r.cfg.GossipFactor)
		if target < r.cfg.DLazy {
			target = r.cfg.DLazy
		}

		candidates := r.getPeers(topic, target, func(p PeerId) bool {
			if _, inMesh := ts.mesh[p]; inMesh {
				return false
			}
			if _, inFanout := ts.fanout[p]; inFanout {
				return false
			}
			if r.isDirect(p) {
				return false
			}
			return r.score(p) >= r.cfg.GossipThreshold
		})

		for _, p := range candidates {
			peerObj, ok := r.peers.Get(p)
			if !ok {
				continue
			}
			filtered := ids[:0:0]
			for _, id := range ids {
				if peerObj.sentIHaves.Has(id) {
					continue
				}
				filtered = append(filtered, id)
			}
			if len(filtered) == 0 {
				continue
			}
			for _, id := range filtered {
				peerObj.sentIHaves.Add(id)
			}
			out[p] = append(out[p], IHave{Topic: topic, MessageIDs: filtered})
		}
	}
	return out
}

// flushHeartbeatOutbox merges the rebalance result and gossip IHAVEs into
// one ControlRPC per peer and dispatches them via Transport (spec §4.8
// step 7, teacher's sendGraftPrune + flush).
func (r *Router) flushHeartbeatOutbox(rr *rebalanceResult, gossip map[PeerId][]IHave) {
	outbox := make(map[PeerId]*ControlRPC)
	get := func(p PeerId) *ControlRPC {
		rpc, ok := outbox[p]
		if !ok {
			rpc = &ControlRPC{}
			outbox[p] = rpc
		}
		return rpc
	}
	for p, gs := range rr.grafts {
		get(p).Grafts = append(get(p).Grafts, gs...)
	}
	for p, ps := range rr.prunes {
		get(p).Prunes = append(get(p).Prunes, ps...)
	}
	for p, ihs := range gossip {
		get(p).IHaves = append(get(p).IHaves, ihs...)
	}
	r.sendAll(outbox)
}
