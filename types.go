package gossipsub

import (
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/libp2p/go-libp2p-core/record"
)

// PeerId identifies a peer. It is comparable and orderable (string-keyed),
// as required by the backoff and peer-state tables.
type PeerId = peer.ID

// Negotiated gossipsub protocol variants. The preamble/bandwidth extension
// (§4.7) only ever acts on CodecV14; peer exchange (§4.6) is withheld from
// CodecV10 peers the same way the teacher's makePrune special-cases
// GossipSubID_v10.
type Codec int

const (
	CodecUnknown Codec = iota
	CodecV10
	CodecV11
	CodecV12
	CodecV14
)

const (
	ProtocolV10 = protocol.ID("/meshsub/1.0.0")
	ProtocolV11 = protocol.ID("/meshsub/1.1.0")
	ProtocolV12 = protocol.ID("/meshsub/1.2.0")
	ProtocolV14 = protocol.ID("/meshsub/1.4.0")
)

func (c Codec) String() string {
	switch c {
	case CodecV10:
		return "1.0.0"
	case CodecV11:
		return "1.1.0"
	case CodecV12:
		return "1.2.0"
	case CodecV14:
		return "1.4.0"
	default:
		return "unknown"
	}
}

// SupportsPX reports whether a peer negotiated a codec capable of parsing
// a peer-exchange list attached to a PRUNE.
func (c Codec) SupportsPX() bool { return c >= CodecV11 }

// SupportsPreamble reports whether a peer negotiated the v1.4 streaming
// extension.
func (c Codec) SupportsPreamble() bool { return c == CodecV14 }

// Message is the opaque payload unit the mesh forwards. Wire encoding is
// out of scope (spec §1); only ID/Topic/Data are needed by the core.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// PeerInfoMsg is the PX payload attached to a PRUNE: a candidate peer plus
// an optional signed peer record. Empty SignedPeerRecord means "no record
// available".
type PeerInfoMsg struct {
	PeerId           PeerId
	SignedPeerRecord []byte
}

// Graft invites a peer into a topic's mesh.
type Graft struct {
	Topic string
}

// Prune evicts a peer from a topic's mesh, carrying an optional PX list and
// the backoff the peer must honor before it may be GRAFTed again.
type Prune struct {
	Topic   string
	Peers   []PeerInfoMsg
	Backoff time.Duration
}

// IHave lazily advertises message ids a peer may be missing.
type IHave struct {
	Topic      string
	MessageIDs []string
}

// IWant requests full messages by id.
type IWant struct {
	MessageIDs []string
}

// IDontWant tells the recipient never to push us the messages whose ids are
// listed (plain message ids; the recipient stores their salted form),
// typically because the preamble extension already has them in flight.
type IDontWant struct {
	MessageIDs []string
}

// Preamble announces an in-flight large message (v1.4 extension).
type Preamble struct {
	MessageId     string
	Topic         string
	MessageLength int
}

// IMReceiving announces that the sender is itself currently receiving a
// message another peer told it about (v1.4 extension).
type IMReceiving struct {
	MessageId     string
	MessageLength int
}

// ControlRPC is the semantic envelope for one batch of control messages
// exchanged with a single peer. It intentionally has no wire encoding
// (spec §1 Non-goals).
type ControlRPC struct {
	Grafts       []Graft
	Prunes       []Prune
	IHaves       []IHave
	IWants       []IWant
	IDontWants   []IDontWant
	Preambles    []Preamble
	IMReceivings []IMReceiving
}

// Empty reports whether the RPC carries nothing worth sending.
func (c *ControlRPC) Empty() bool {
	return c == nil ||
		(len(c.Grafts) == 0 && len(c.Prunes) == 0 && len(c.IHaves) == 0 &&
			len(c.IWants) == 0 && len(c.IDontWants) == 0 &&
			len(c.Preambles) == 0 && len(c.IMReceivings) == 0)
}

// TopicParameters holds the scoring-weight knobs that are opaque to this
// core; they are threaded through only so callers can keep per-topic
// scoring config alongside per-topic mesh config.
type TopicParameters struct {
	MeshMessageDeliveriesThreshold float64
}

// Transport is the narrow seam into the out-of-scope transport layer
// (spec §1, §6). Implementations deliver out to a connected peer; framing,
// multiplexing, and peer identification live entirely on the other side of
// this interface.
type Transport interface {
	Send(p PeerId, rpc *ControlRPC, highPriority bool) error
	Broadcast(peers []PeerId, rpc *ControlRPC, highPriority bool)
	ForwardMessage(peers []PeerId, msg *Message)
	DeliverMessages(p PeerId, msgs []*Message)
}

// SeenCache exposes the PubSub base's duplicate-detection fingerprint
// query (spec §1: "Only the fingerprint/seen-set query is used").
type SeenCache interface {
	HasSeen(saltedID string) bool
}

// SPRBook exposes the peerstore's certified-address-book lookup used when
// building a PX list (spec §6 peerStore[SPRBook].lookup).
type SPRBook interface {
	Lookup(p PeerId) (*record.Envelope, bool)
}

// ScoreSource exposes the externally computed, opaque peer score (spec §1:
// "The core consumes a scalar `score` per peer").
type ScoreSource interface {
	Score(p PeerId) float64
}

// RNG exposes a uniform shuffle (spec §6 rng.shuffle). The signature
// matches sort.Interface's Swap and math/rand.Shuffle so the default
// implementation is a one-line wrapper.
type RNG interface {
	Shuffle(n int, swap func(i, j int))
}

// DirectPeerConnector is the narrow seam for reconnecting direct peers
// (spec §3 [FULL]); actual dialing is transport-layer and out of scope.
type DirectPeerConnector interface {
	EnsureConnected(p PeerId)
}

// PeerExchangeConsumer receives the peer lists decoded from an incoming
// PRUNE's PX payload (spec §4.4: "deliver to registered peer-exchange
// consumers").
type PeerExchangeConsumer interface {
	OnPeerExchange(peers []PeerId, records map[PeerId]*record.Envelope)
}

// MetricsSink is a write-only observability seam (spec §5: "Metrics
// counters are write-only from this task"). Deps.setDefaults installs
// NoopMetrics when none is given.
type MetricsSink interface {
	IncGraft(topic string)
	IncPrune(topic, reason string)
	SetMeshSize(topic string, n int)
	IncIHaveSkipped(reason string)
	IncIWantSkipped(reason string)
	IncUnknownIWant(topic string)
	IncBehaviourPenalty(reason string)
	IncPreambleExpired(kind string)
}
