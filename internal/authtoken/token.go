// Package authtoken mints the per-request bearer credential that proves
// possession of an identity key, and verifies it on the receiving side.
package authtoken

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"hotline/keycore/internal/identity"
)

const proofPrefix = "hotline:auth:"

var ErrMalformedToken = errors.New("malformed auth token")

// Token is the wire form sent on every authenticated request.
type Token struct {
	PublicKey string `json:"pubkey"`
	Timestamp int64  `json:"timestamp"`
	Proof     string `json:"token"`
}

// Mint derives the public key from secret on every call and binds it to
// nowMillis. The result depends only on its inputs.
func Mint(secret []byte, nowMillis int64) (Token, error) {
	kp, err := identity.FromSecret(secret)
	if err != nil {
		return Token{}, err
	}
	defer kp.Zero()
	publicID := kp.PublicID()
	return Token{
		PublicKey: publicID,
		Timestamp: nowMillis,
		Proof:     ComputeProof(publicID, nowMillis),
	}, nil
}

// ComputeProof is the function both sides evaluate.
func ComputeProof(publicID string, timestampMillis int64) string {
	var b strings.Builder
	b.Grow(len(proofPrefix) + len(publicID) + 21)
	b.WriteString(proofPrefix)
	b.WriteString(publicID)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(timestampMillis, 10))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (t Token) Encode() (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Header is the Authorization header value.
func (t Token) Header() (string, error) {
	enc, err := t.Encode()
	if err != nil {
		return "", err
	}
	return "Bearer " + enc, nil
}

// Decode parses an encoded token, with or without the Bearer prefix.
// Field shapes are checked but the proof is not.
func Decode(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "Bearer "); ok {
		raw = strings.TrimSpace(rest)
	}
	var t Token
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if !identity.ValidPublicID(t.PublicKey) {
		return Token{}, fmt.Errorf("%w: bad pubkey", ErrMalformedToken)
	}
	if t.Timestamp <= 0 {
		return Token{}, fmt.Errorf("%w: bad timestamp", ErrMalformedToken)
	}
	if proof, err := hex.DecodeString(t.Proof); err != nil || len(proof) != sha256.Size {
		return Token{}, fmt.Errorf("%w: bad proof", ErrMalformedToken)
	}
	return t, nil
}
