package gossipsub

import "time"

// BackoffTable maps (topic, peer) -> expiry moment (spec §4.1). Backoffs
// never shorten: set() always keeps the later of the existing and
// requested expiry, matching the teacher's doAddBackoff
// ("if backoff[p].Before(expire) { backoff[p] = expire }").
type BackoffTable struct {
	byTopic map[string]map[PeerId]time.Time
}

func newBackoffTable() *BackoffTable {
	return &BackoffTable{byTopic: make(map[string]map[PeerId]time.Time)}
}

// set installs or extends a backoff, storing max(existing, until).
func (b *BackoffTable) set(topic string, p PeerId, until time.Time) {
	m, ok := b.byTopic[topic]
	if !ok {
		m = make(map[PeerId]time.Time)
		b.byTopic[topic] = m
	}
	if existing, ok := m[p]; !ok || existing.Before(until) {
		m[p] = until
	}
}

// expiry returns the stored expiry for (topic, p), if any.
func (b *BackoffTable) expiry(topic string, p PeerId) (time.Time, bool) {
	m, ok := b.byTopic[topic]
	if !ok {
		return time.Time{}, false
	}
	e, ok := m[p]
	return e, ok
}

// isBackingOff reports whether expiry - slack > now (spec §4.1). Callers
// pass BackoffSlackTime once for the ordinary check, or subtract it twice
// by doubling slack for the stricter GRAFT-handler check (spec §4.3: "if
// backoff[t][p].expiry - 2*BackoffSlackTime > now").
func (b *BackoffTable) isBackingOff(topic string, p PeerId, now time.Time, slack time.Duration) bool {
	e, ok := b.expiry(topic, p)
	if !ok {
		return false
	}
	return e.Add(-slack).After(now)
}

// ageExpired removes entries with expiry <= now for topic.
func (b *BackoffTable) ageExpired(topic string, now time.Time) {
	m, ok := b.byTopic[topic]
	if !ok {
		return
	}
	for p, e := range m {
		if !e.After(now) {
			delete(m, p)
		}
	}
	if len(m) == 0 {
		delete(b.byTopic, topic)
	}
}

// ageExpiredAll sweeps every topic. The teacher only does this full sweep
// every 15 ticks rather than every heartbeat (gossipsub.go's clearBackoff)
// to avoid walking the whole table on every tick; spec §3 [FULL] keeps
// that batching as an internal detail of the sweep, not of per-(topic,
// peer) correctness, which ageExpired's on-demand check already guarantees
// via isBackingOff.
func (b *BackoffTable) ageExpiredAll(now time.Time) {
	for topic := range b.byTopic {
		b.ageExpired(topic, now)
	}
}

func (b *BackoffTable) removeTopic(topic string) {
	delete(b.byTopic, topic)
}

func (b *BackoffTable) removePeer(p PeerId) {
	for _, m := range b.byTopic {
		delete(m, p)
	}
}
