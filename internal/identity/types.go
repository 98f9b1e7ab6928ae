package identity

import (
	"crypto/subtle"
	"encoding/hex"
)

const (
	SecretSize    = 32
	PublicKeySize = 32
)

// KeyPair is a volunteer's identity. The secret is the only sensitive value;
// the public key and both display encodings are derived from it.
type KeyPair struct {
	secret [SecretSize]byte
	public [PublicKeySize]byte
}

// Secret returns a copy of the raw 32-byte identity secret.
func (k *KeyPair) Secret() []byte {
	return append([]byte(nil), k.secret[:]...)
}

// PublicKey returns a copy of the x-only public key bytes.
func (k *KeyPair) PublicKey() []byte {
	return append([]byte(nil), k.public[:]...)
}

// PublicID is the hex form of the public key used on the wire.
func (k *KeyPair) PublicID() string {
	return hex.EncodeToString(k.public[:])
}

func (k *KeyPair) Equal(other *KeyPair) bool {
	if k == nil || other == nil {
		return false
	}
	return subtle.ConstantTimeCompare(k.secret[:], other.secret[:]) == 1
}

// Zero overwrites the secret in place. The pair is unusable afterwards.
func (k *KeyPair) Zero() {
	zeroBytes(k.secret[:])
	zeroBytes(k.public[:])
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
