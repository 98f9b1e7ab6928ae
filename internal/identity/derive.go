package identity

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

const fingerprintPrefix = "hl1"

// validScalar reports whether b is a usable secp256k1 private scalar (1..n-1).
func validScalar(b []byte) bool {
	if len(b) != SecretSize {
		return false
	}
	var s secp256k1.ModNScalar
	overflow := s.SetByteSlice(b)
	ok := !overflow && !s.IsZero()
	s.Zero()
	return ok
}

// derivePublicKey returns the 32-byte x-only public key for secret.
func derivePublicKey(secret []byte) [PublicKeySize]byte {
	priv := secp256k1.PrivKeyFromBytes(secret)
	defer priv.Zero()

	var out [PublicKeySize]byte
	compressed := priv.PubKey().SerializeCompressed()
	copy(out[:], compressed[1:])
	return out
}

// Fingerprint is a short, non-secret label for comparing identities by eye.
func (k *KeyPair) Fingerprint() string {
	return FingerprintPublicKey(k.public[:])
}

func FingerprintPublicKey(publicKey []byte) string {
	h := blake2b.Sum256(publicKey)
	return fingerprintPrefix + base58.Encode(h[:16])
}
