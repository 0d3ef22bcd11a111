package actions

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"lukechampine.com/blake3"
)

// Attestor signs entries with a keyed BLAKE3 MAC over timestamp || payload.
type Attestor struct {
	key [32]byte
}

// NewAttestor derives the MAC key from secret.
func NewAttestor(secret []byte) (*Attestor, error) {
	if len(secret) == 0 {
		return nil, errors.New("actions: attestation secret required")
	}
	return &Attestor{key: blake3.Sum256(secret)}, nil
}

func (a *Attestor) mac(ts uint64, payload string) []byte {
	h := blake3.New(32, a.key[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ts)
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(payload))
	return h.Sum(nil)
}

// Sign returns the hex MAC for an entry.
func (a *Attestor) Sign(ts uint64, payload string) string {
	return hex.EncodeToString(a.mac(ts, payload))
}

// Verify reports whether the entry carries a valid signature.
func (a *Attestor) Verify(e Entry) bool {
	if a == nil || e.Signature == "" {
		return false
	}
	got, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, a.mac(e.Timestamp, e.Action)) == 1
}
