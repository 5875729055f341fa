package gossipsub

import (
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/record"
)

// peerExchangeList builds the PX candidate list attached to an outgoing
// PRUNE (spec §4.4, §4.6): all peers in topic's gossipsub set with score
// >= 0, excluding the peer being pruned and any direct peer, capped at
// 2*DHigh, each annotated with its signed peer record when the SPRBook has
// one on file. CodecV10 peers never receive a PX list at all (spec: "peer
// exchange is withheld from v1.0 peers"), matching the teacher's makePrune
// special case for GossipSubID_v10.
func (r *Router) peerExchangeList(topic string, excluding PeerId) []PeerInfoMsg {
	if !r.cfg.EnablePX {
		return nil
	}
	candidates := r.getPeers(topic, 2*r.cfg.DHigh, func(p PeerId) bool {
		return p != excluding && !r.isDirect(p) && r.score(p) >= 0
	})
	if len(candidates) == 0 {
		return nil
	}
	out := make([]PeerInfoMsg, 0, len(candidates))
	for _, p := range candidates {
		info := PeerInfoMsg{PeerId: p}
		if env, ok := r.deps.SPRBook.Lookup(p); ok {
			if raw, err := env.Marshal(); err == nil {
				info.SignedPeerRecord = raw
			}
		}
		out = append(out, info)
	}
	return out
}

// makePrune constructs the Prune control message sent to p for topic,
// attaching a PX list unless the peer's negotiated codec cannot use one,
// or isLeave is set (spec §4.6: leaving a topic entirely does not warrant
// advertising replacements -- the teacher's makePrune takes the same
// isLeave shortcut).
func (r *Router) makePrune(topic string, p PeerId, isLeave bool) Prune {
	prune := Prune{Topic: topic, Backoff: r.cfg.PruneBackoff}
	r.backoff.set(topic, p, time.Now().Add(r.cfg.PruneBackoff))

	if isLeave {
		return prune
	}
	peerObj, ok := r.peers.Get(p)
	if !ok || !peerObj.Codec.SupportsPX() {
		return prune
	}
	prune.Peers = r.peerExchangeList(topic, p)
	return prune
}

// consumePeerExchange decodes the PX payload of an incoming PRUNE and
// fans it out to every registered PeerExchangeConsumer (spec §4.4). A
// peer record is validated via record.ConsumeEnvelope before being handed
// to consumers; a record that fails to validate is dropped but does not
// invalidate the rest of the list (spec §7: "a single malformed PX entry
// does not fail the whole PRUNE").
func (r *Router) consumePeerExchange(peers []PeerInfoMsg) {
	if len(peers) == 0 || len(r.pxConsumers) == 0 {
		return
	}
	ids := make([]PeerId, 0, len(peers))
	records := make(map[PeerId]*record.Envelope)
	for _, pi := range peers {
		ids = append(ids, pi.PeerId)
		if len(pi.SignedPeerRecord) == 0 {
			continue
		}
		env, untyped, err := record.ConsumeEnvelope(pi.SignedPeerRecord, peer.PeerRecordEnvelopeDomain)
		if err != nil {
			log.Debugf("px record for %s failed to validate: %s", pi.PeerId, err)
			continue
		}
		rec, ok := untyped.(*peer.PeerRecord)
		if !ok || rec.PeerID != pi.PeerId {
			log.Debugf("px record for %s does not match claimed peer id", pi.PeerId)
			continue
		}
		records[pi.PeerId] = env
	}
	for _, c := range r.pxConsumers {
		c.OnPeerExchange(ids, records)
	}
}
