package gossipsub

import "math/rand"

// defaultRNG wraps math/rand's package-level Shuffle, the same source the
// teacher uses for shufflePeers/shuffleStrings in gossipsub.go (there
// implemented by hand as a Fisher-Yates loop; math/rand.Shuffle is the
// same algorithm via the standard library's own entry point).
type defaultRNG struct{}

// DefaultRNG returns the standard math/rand-backed RNG.
func DefaultRNG() RNG { return defaultRNG{} }

func (defaultRNG) Shuffle(n int, swap func(i, j int)) {
	rand.Shuffle(n, swap)
}

// shufflePeerIds shuffles a []PeerId slice in place using rng.
func shufflePeerIds(rng RNG, peers []PeerId) {
	rng.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
}

// shuffleStrings shuffles a []string slice in place using rng.
func shuffleStrings(rng RNG, ids []string) {
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}
