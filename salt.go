package gossipsub

import (
	"crypto/rand"
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Salter computes salted message ids (spec §6: "salt(id) -> saltedId"),
// a per-node-secret keyed hash that defeats cross-node prediction of the
// seen set. IDONTWANT advertisements (spec §4.5) are keyed by salted id
// rather than the raw message id for exactly this reason.
//
// blake3 is not part of the teacher's dependency set -- the teacher's
// gossipsub 1.0/1.1 predates IDONTWANT and never needed a second,
// adversary-resistant fingerprint. WebFirstLanguage-beenet (go.mod:
// lukechampine.com/blake3) is the pack's example of a keyed fast hash used
// for exactly this kind of per-node fingerprinting, so we adopt it here
// rather than hand-rolling one.
type Salter struct {
	secret []byte
}

// NewSalter generates a fresh random per-node secret.
func NewSalter() (*Salter, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return &Salter{secret: secret}, nil
}

// NewSalterFromSecret builds a Salter from a caller-provided secret of any
// length (e.g. to keep the salted-id mapping stable across restarts). The
// secret is hashed down to the 32-byte key that blake3's keyed mode takes.
func NewSalterFromSecret(secret []byte) *Salter {
	key := blake3.Sum256(secret)
	return &Salter{secret: key[:]}
}

// Salt returns the salted id for a message id.
func (s *Salter) Salt(id string) string {
	h := blake3.New(32, s.secret)
	h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}
