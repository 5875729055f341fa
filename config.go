package gossipsub

import "time"

// Config collects the effect-enumerated GossipSubParameters from spec §3/§6.
// Defaults match the spec's parenthetical defaults and, where the spec is
// silent, the teacher's own package-level var defaults (gossipsub.go).
type Config struct {
	D      int
	DLow   int
	DHigh  int
	DOut   int
	DScore int
	DLazy  int

	GossipFactor float64

	HeartbeatInterval      time.Duration
	HeartbeatInitialDelay  time.Duration
	PruneBackoff           time.Duration
	BackoffSlackTime       time.Duration
	FanoutTTL              time.Duration
	DirectConnectInterval  time.Duration
	BackoffSweepEveryTicks uint64

	HistoryLength       int // full mcache window (IWANT lookup, retransmission caps)
	GossipHistoryLength int // shorter gossip-advertisement window

	PublishThreshold            float64
	GossipThreshold             float64
	AcceptPXThreshold           float64
	OpportunisticGraftThreshold float64
	OpportunisticGraftTicks     uint64
	MaxOpportunisticGraftPeers  int

	EnablePX     bool
	DirectPeers  []PeerId
	EnablePream  bool // enable the v1.4 preamble/bandwidth extension
	PreambleTick time.Duration

	IHaveMaxLength          int
	IHaveMaxMessagesPerTick int
	IDontWantMaxCount       int
	MaxHeIsReceiving        int
	IWantMaxRetransmission  int
	IWantReplayMaxInvalid   int

	IHaveBudget    int
	IWantBudget    int
	PingBudget     int
	PreambleBudget int
}

// DefaultConfig returns the spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		D:      6,
		DLow:   5,
		DHigh:  12,
		DOut:   2,
		DScore: 4,
		DLazy:  6,

		GossipFactor: 0.25,

		HeartbeatInterval:      time.Second,
		HeartbeatInitialDelay:  100 * time.Millisecond,
		PruneBackoff:           time.Minute,
		BackoffSlackTime:       2 * time.Second,
		FanoutTTL:              60 * time.Second,
		DirectConnectInterval:  5 * time.Minute,
		BackoffSweepEveryTicks: 15,

		HistoryLength:       5,
		GossipHistoryLength: 3,

		PublishThreshold:            0,
		GossipThreshold:             0,
		AcceptPXThreshold:           0,
		OpportunisticGraftThreshold: 0,
		OpportunisticGraftTicks:     60,
		MaxOpportunisticGraftPeers:  2,

		EnablePX:     false,
		DirectPeers:  nil,
		EnablePream:  false,
		PreambleTick: 200 * time.Millisecond,

		IHaveMaxLength:          5000,
		IHaveMaxMessagesPerTick: 10,
		IDontWantMaxCount:       1000,
		MaxHeIsReceiving:        50,
		IWantMaxRetransmission:  3,
		IWantReplayMaxInvalid:   20,

		IHaveBudget:    2048,
		IWantBudget:    2048,
		PingBudget:     2,
		PreambleBudget: 128,
	}
}

// Option mutates a Config in place. The pattern mirrors the teacher's
// functional pubsub.Option, generalized to configuration rather than a
// live *PubSub since construction here has no host to attach to.
type Option func(*Config)

func WithMeshParams(d, dLow, dHigh, dOut, dScore, dLazy int) Option {
	return func(c *Config) {
		c.D, c.DLow, c.DHigh, c.DOut, c.DScore, c.DLazy = d, dLow, dHigh, dOut, dScore, dLazy
	}
}

func WithGossipFactor(factor float64) Option {
	return func(c *Config) { c.GossipFactor = factor }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

func WithPruneBackoff(d time.Duration) Option {
	return func(c *Config) { c.PruneBackoff = d }
}

func WithHistoryLength(full, gossip int) Option {
	return func(c *Config) { c.HistoryLength, c.GossipHistoryLength = full, gossip }
}

func WithThresholds(publish, gossip, acceptPX, opportunisticGraft float64) Option {
	return func(c *Config) {
		c.PublishThreshold = publish
		c.GossipThreshold = gossip
		c.AcceptPXThreshold = acceptPX
		c.OpportunisticGraftThreshold = opportunisticGraft
	}
}

// WithPeerExchange enables Peer eXchange on PRUNE, mirroring the teacher's
// WithPeerExchange router option. This should generally be enabled only on
// well-connected, trusted bootstrappers.
func WithPeerExchange(enable bool) Option {
	return func(c *Config) { c.EnablePX = enable }
}

// WithDirectPeers mirrors the teacher's WithDirectPeers: we never GRAFT
// these peers and they never appear in mesh/fanout (spec §3 invariants);
// a GRAFT from one of them is answered with a PRUNE.
func WithDirectPeers(peers []PeerId) Option {
	return func(c *Config) { c.DirectPeers = append([]PeerId(nil), peers...) }
}

// WithPreamble enables the v1.4 streaming/bandwidth extension (spec §4.7,
// §9 "compile-time feature flag"). It is a Config field rather than a Go
// build tag so a single binary can run both variants for testing, but at
// runtime it behaves exactly like the static flag the spec describes: once
// a Router is built the extension is either active for its whole lifetime
// or entirely absent.
func WithPreamble(enable bool) Option {
	return func(c *Config) { c.EnablePream = enable }
}

func WithIHaveMaxLength(n int) Option {
	return func(c *Config) { c.IHaveMaxLength = n }
}

func WithIDontWantMaxCount(n int) Option {
	return func(c *Config) { c.IDontWantMaxCount = n }
}

func WithMaxHeIsReceiving(n int) Option {
	return func(c *Config) { c.MaxHeIsReceiving = n }
}

func WithBudgets(iHave, iWant, ping, preamble int) Option {
	return func(c *Config) {
		c.IHaveBudget, c.IWantBudget, c.PingBudget, c.PreambleBudget = iHave, iWant, ping, preamble
	}
}

// NewConfig builds a Config from DefaultConfig with the given options
// applied in order.
func NewConfig(opts ...Option) Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
