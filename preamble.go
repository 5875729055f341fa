package gossipsub

import "time"

// inFlightReceive tracks one large message we are currently receiving
// from a peer that sent us a Preamble (spec §4.7).
type inFlightReceive struct {
	topic     string
	length    int
	startedAt time.Time
	peer      PeerId

	// possiblePeersToQuery accumulates other peers seen advertising this
	// same id (via IHAVE) while the preamble'd transfer is in flight (spec
	// §4.7 data model), so a stalled receive can fall back to pull mode
	// against a peer already known to have the message rather than a
	// uniformly random mesh member.
	possiblePeersToQuery []PeerId
}

// preambleState is the v1.4 bandwidth-aware streaming extension's
// bookkeeping (spec §4.7): in-flight receives we are told about via
// Preamble, and in-flight receives a peer told us IT is doing via
// IMReceiving. Both are pruned on a fast (200ms) heartbeat distinct from
// the main 1s heartbeat, since transfers can complete much faster than a
// full mesh maintenance tick (spec §4.7: "preamble bookkeeping ages out on
// its own faster clock").
type preambleState struct {
	receives      map[string]*inFlightReceive // messageId -> receive
	iWantReceives map[string]*inFlightReceive // messageId -> receive (told to us by someone else)
	bandwidth     map[PeerId]*bandwidthTracker
}

func newPreambleState() *preambleState {
	return &preambleState{
		receives:      make(map[string]*inFlightReceive),
		iWantReceives: make(map[string]*inFlightReceive),
		bandwidth:     make(map[PeerId]*bandwidthTracker),
	}
}

func (s *preambleState) removePeer(p PeerId) {
	for id, rv := range s.receives {
		if rv.peer == p {
			delete(s.receives, id)
		}
	}
	for id, rv := range s.iWantReceives {
		if rv.peer == p {
			delete(s.iWantReceives, id)
		}
	}
	delete(s.bandwidth, p)
}

// preambleTimer runs the extension's own fast aging tick (spec §4.7).
func (r *Router) preambleTimer() {
	ticker := time.NewTicker(r.cfg.PreambleTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.do(func(rr *Router) { rr.expirePreambles() })
		case <-r.ctx.Done():
			return
		}
	}
}

// expirePreambles drops any in-flight receive that has been open longer
// than a generous multiple of the expected transfer time implied by the
// peer's tracked bandwidth, falling back to a fixed ceiling when no
// bandwidth estimate exists yet (spec §4.7.b "a receive that never
// completes must not be tracked forever").
func (r *Router) expirePreambles() {
	const fallbackCeiling = 30 * time.Second
	now := time.Now()

	for id, rv := range r.preamble.receives {
		if now.Sub(rv.startedAt) > r.expectedTransferCeiling(rv, fallbackCeiling) {
			delete(r.preamble.receives, id)
			r.deps.Metrics.IncPreambleExpired("receive")
			r.recoverStalledReceive(id, rv)
		}
	}
	for id, rv := range r.preamble.iWantReceives {
		if now.Sub(rv.startedAt) > r.expectedTransferCeiling(rv, fallbackCeiling) {
			delete(r.preamble.iWantReceives, id)
			r.deps.Metrics.IncPreambleExpired("iwant_receive")
		}
	}
}

// recoverStalledReceive implements the preamble extension's pull-mode
// fallback (spec §4.7.b): a sender that promised a streamed message and
// never delivered it is penalized, and we fall back to the ordinary IWANT
// path against an alternate sender, so a single stalled stream never
// permanently starves the message. The alternate is drawn first from
// possiblePeersToQuery -- peers we have already seen IHAVE-advertise this
// id while the preamble'd transfer was in flight (spec §4.7 data model) --
// falling back to the topic's other mesh members only if none were
// tracked; either way the candidate must itself negotiate the v1.4 codec,
// since a v1.0/v1.1 peer cannot be preamble'd at in turn.
func (r *Router) recoverStalledReceive(id string, rv *inFlightReceive) {
	if peerObj, ok := r.peers.Get(rv.peer); ok {
		peerObj.behaviourPenalty += behaviourPenaltyIncrement
		r.deps.Metrics.IncBehaviourPenalty("preamble_stalled")
	}

	supportsV14 := func(p PeerId) bool {
		peerObj, ok := r.peers.Get(p)
		return ok && peerObj.Codec.SupportsPreamble()
	}

	candidates := make([]PeerId, 0, len(rv.possiblePeersToQuery))
	for _, p := range rv.possiblePeersToQuery {
		if p == rv.peer || !supportsV14(p) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		ts, ok := r.topics[rv.topic]
		if !ok {
			return
		}
		for p := range ts.mesh {
			if p == rv.peer || !supportsV14(p) {
				continue
			}
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return
	}
	shufflePeerIds(r.deps.RNG, candidates)
	alt := candidates[0]

	if err := r.deps.Transport.Send(alt, &ControlRPC{IWants: []IWant{{MessageIDs: []string{id}}}}, true); err != nil {
		log.Debugf("preamble recovery IWANT to %s failed: %v", alt, err)
		return
	}
	r.preamble.iWantReceives[id] = &inFlightReceive{
		topic:     rv.topic,
		length:    rv.length,
		startedAt: time.Now(),
		peer:      alt,
	}
}

func (r *Router) expectedTransferCeiling(rv *inFlightReceive, fallback time.Duration) time.Duration {
	bt, ok := r.preamble.bandwidth[rv.peer]
	if !ok || bt.Rate() <= 0 {
		return fallback
	}
	expected := time.Duration(float64(rv.length)/bt.Rate()*float64(time.Second)) * 3
	if expected < fallback {
		return fallback
	}
	return expected
}

// handlePreamble records an incoming Preamble: a peer announcing it is
// about to stream us a large message (spec §4.7.a). Each Preamble spends
// one unit of the sender's preambleBudget. If MaxHeIsReceiving in-flight
// receives are already tracked (across all peers, not per peer), the
// preamble is dropped rather than growing the table unboundedly (spec §7).
// Unless the sender is known to be slower than the median tracked download
// rate, this returns an IMReceiving for the caller to broadcast to the
// topic's other mesh peers so they suppress a redundant push.
func (r *Router) handlePreamble(from PeerId, p Preamble) *IMReceiving {
	peerObj, ok := r.peers.Get(from)
	if !ok {
		return nil
	}
	if peerObj.preambleBudget <= 0 {
		r.deps.Metrics.IncPreambleExpired("budget_exhausted")
		return nil
	}
	peerObj.preambleBudget--

	if _, ok := r.mcache.Get(p.MessageId); ok {
		return nil
	}
	if r.deps.Seen.HasSeen(r.deps.Salter.Salt(p.MessageId)) {
		return nil
	}
	if _, already := peerObj.heIsSendings[p.MessageId]; already {
		return nil
	}
	if _, already := r.preamble.receives[p.MessageId]; already {
		return nil
	}
	if len(r.preamble.receives) >= r.cfg.MaxHeIsReceiving {
		r.deps.Metrics.IncPreambleExpired("receive_table_full")
		return nil
	}

	peerObj.heIsSendings[p.MessageId] = time.Now()
	r.preamble.receives[p.MessageId] = &inFlightReceive{
		topic:     p.Topic,
		length:    p.MessageLength,
		startedAt: time.Now(),
		peer:      from,
	}

	// A sender with no tracked rate yet gets the benefit of the doubt: only
	// a *known* slow sender should suppress the suppression broadcast.
	if bt, ok := r.preamble.bandwidth[from]; ok && bt.Rate() < r.medianDownloadRate() {
		return nil
	}
	return &IMReceiving{MessageId: p.MessageId, MessageLength: p.MessageLength}
}

// handleIMReceiving records that from is itself already receiving the
// message im names: the declared length goes into from's heIsReceivings
// and an entry into iWantReceives. A re-announcement whose length differs
// from the one already recorded for from is ignored, and nothing is
// recorded once iWantReceives holds MaxHeIsReceiving entries. Bandwidth
// estimates are not touched here; ObserveDelivery updates them when the
// out-of-scope message-delivery path reports a finished transfer.
func (r *Router) handleIMReceiving(from PeerId, im IMReceiving) {
	peerObj, ok := r.peers.Get(from)
	if !ok {
		return
	}
	if existing, already := peerObj.heIsReceivings[im.MessageId]; already && existing != im.MessageLength {
		return
	}
	if len(r.preamble.iWantReceives) >= r.cfg.MaxHeIsReceiving {
		return
	}
	peerObj.heIsReceivings[im.MessageId] = im.MessageLength
	r.preamble.iWantReceives[im.MessageId] = &inFlightReceive{
		length:    im.MessageLength,
		startedAt: time.Now(),
		peer:      from,
	}
}

// ObserveDelivery folds a completed message transfer from p into that
// peer's smoothed bandwidth estimate and clears any in-flight bookkeeping
// for id (spec §4.7.b). Called by the (out-of-scope) message-delivery
// path once a streamed message finishes arriving.
func (r *Router) ObserveDelivery(p PeerId, id string, size int, duration time.Duration) {
	r.do(func(rr *Router) {
		if rr.preamble == nil {
			return
		}
		bt, ok := rr.preamble.bandwidth[p]
		if !ok {
			bt = newBandwidthTracker()
			rr.preamble.bandwidth[p] = bt
		}
		bt.Observe(size, duration)
		delete(rr.preamble.receives, id)
		delete(rr.preamble.iWantReceives, id)
	})
}

// medianDownloadRate returns the median smoothed download rate across all
// peers with a tracked estimate (spec §4.7.a: used to decide whether a
// given transfer is "slow" relative to the rest of the mesh). Returns 0
// if no peer has an estimate yet.
func (r *Router) medianDownloadRate() float64 {
	if r.preamble == nil || len(r.preamble.bandwidth) == 0 {
		return 0
	}
	rates := make([]float64, 0, len(r.preamble.bandwidth))
	for _, bt := range r.preamble.bandwidth {
		rates = append(rates, bt.Rate())
	}
	return medianOf(rates)
}
