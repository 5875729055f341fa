package gossipsub

// cacheEntry wraps a cached message with the per-peer retransmission
// counters used to cap repeated IWANT service for the same (message,
// peer) pair (spec SPEC_FULL.md §9 supplemented feature, grounded on the
// teacher's mcache.GetForPeer / GossipSubGossipRetransmission).
type cacheEntry struct {
	msg        *Message
	deliveries map[PeerId]int
}

// MessageCache is the sliding generational window of recently seen
// messages (spec §4.2). Generation 0 is always the newest; shift() rotates
// in a fresh one and drops the oldest once the ring exceeds its configured
// length. gossipWindow bounds how many of the newest generations are
// eligible for IHAVE advertisement (spec: "the window length governs how
// far back IHAVE advertisements may reach"), while the full ring bounds
// id lookup and IWANT service -- mirroring the teacher's two-length
// NewMessageCache(GossipSubHistoryGossip, GossipSubHistoryLength).
type MessageCache struct {
	gens         []map[string]*cacheEntry // index 0 = current generation
	gossipWindow int
	maxRetransmission int
}

// NewMessageCache builds an mcache with gossipWindow generations eligible
// for IHAVE advertisement and historyLength total retained generations.
func NewMessageCache(gossipWindow, historyLength int, maxRetransmission int) *MessageCache {
	if gossipWindow > historyLength {
		gossipWindow = historyLength
	}
	mc := &MessageCache{gossipWindow: gossipWindow, maxRetransmission: maxRetransmission}
	for i := 0; i < historyLength; i++ {
		mc.gens = append(mc.gens, make(map[string]*cacheEntry))
	}
	return mc
}

// Add records msg into the newest generation.
func (mc *MessageCache) Add(msg *Message) {
	mc.gens[0][msg.ID] = &cacheEntry{msg: msg, deliveries: make(map[PeerId]int)}
}

// Get returns the message for id, if any generation holds it.
func (mc *MessageCache) Get(id string) (*Message, bool) {
	for _, gen := range mc.gens {
		if e, ok := gen[id]; ok {
			return e.msg, true
		}
	}
	return nil, false
}

// GetForPeer returns the message for id along with the running count of
// times p has requested it, incrementing that count on every call that
// finds the message. The caller (handleIWant) compares the returned count
// against IWantMaxRetransmission after this call and skips serving once it
// is exceeded, so refused requests are counted too.
func (mc *MessageCache) GetForPeer(id string, p PeerId) (msg *Message, deliveries int, ok bool) {
	for _, gen := range mc.gens {
		if e, found := gen[id]; found {
			e.deliveries[p]++
			return e.msg, e.deliveries[p], true
		}
	}
	return nil, 0, false
}

// Window returns the ids observable in the gossip window belonging to
// topic, in arbitrary (map iteration) order -- callers that need a stable
// or randomized order shuffle themselves (spec §4.8 step 4 shuffles before
// truncating).
func (mc *MessageCache) Window(topic string) []string {
	seen := make(map[string]struct{})
	var ids []string
	limit := mc.gossipWindow
	if limit > len(mc.gens) {
		limit = len(mc.gens)
	}
	for i := 0; i < limit; i++ {
		for id, e := range mc.gens[i] {
			if e.msg.Topic != topic {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// Shift rotates the generations: the oldest is dropped and a fresh empty
// generation becomes current.
func (mc *MessageCache) Shift() {
	mc.gens = append([]map[string]*cacheEntry{make(map[string]*cacheEntry)}, mc.gens[:len(mc.gens)-1]...)
}
