package identity

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/decred/dcrd/bech32"
)

func TestGenerateProducesDistinctValidPairs(t *testing.T) {
	a := Generate()
	b := Generate()
	if a.Equal(b) {
		t.Fatal("two generated identities must differ")
	}
	if len(a.Secret()) != SecretSize || len(a.PublicKey()) != PublicKeySize {
		t.Fatalf("unexpected key sizes: %d/%d", len(a.Secret()), len(a.PublicKey()))
	}
	if !ValidPublicID(a.PublicID()) {
		t.Fatalf("generated public id is not a valid x-only key: %s", a.PublicID())
	}
}

func TestPublicKeyDerivationKnownVector(t *testing.T) {
	secret := make([]byte, SecretSize)
	secret[SecretSize-1] = 1
	kp, err := FromSecret(secret)
	if err != nil {
		t.Fatalf("from secret failed: %v", err)
	}
	const generatorX = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	if kp.PublicID() != generatorX {
		t.Fatalf("unexpected public id: %s", kp.PublicID())
	}
}

func TestSecretDisplayRoundtrip(t *testing.T) {
	for i := 0; i < 16; i++ {
		kp := Generate()
		display := kp.SecretDisplay()
		if !strings.HasPrefix(display, "nsec1") {
			t.Fatalf("unexpected secret display prefix: %q", display)
		}
		if !IsWellFormed(display) {
			t.Fatalf("generated display must be well formed: %q", display)
		}
		parsed, err := Parse(display)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if !bytes.Equal(parsed.Secret(), kp.Secret()) {
			t.Fatal("parsed secret mismatch")
		}
		if parsed.PublicID() != kp.PublicID() {
			t.Fatal("public id must be re-derivable from the secret")
		}
	}
}

func TestPublicDisplayRoundtrip(t *testing.T) {
	kp := Generate()
	npub := kp.PublicDisplay()
	if !strings.HasPrefix(npub, "npub1") {
		t.Fatalf("unexpected public display prefix: %q", npub)
	}
	id, err := ParsePublicDisplay(npub)
	if err != nil {
		t.Fatalf("parse public display failed: %v", err)
	}
	if id != kp.PublicID() {
		t.Fatalf("public id mismatch: %s != %s", id, kp.PublicID())
	}
	encoded, err := EncodePublicID(id)
	if err != nil {
		t.Fatalf("encode public id failed: %v", err)
	}
	if encoded != npub {
		t.Fatalf("encode public id mismatch: %s != %s", encoded, npub)
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	kp := Generate()
	valid := kp.SecretDisplay()

	last := valid[len(valid)-1]
	replacement := byte('q')
	if last == 'q' {
		replacement = 'p'
	}
	badChecksum := valid[:len(valid)-1] + string(replacement)

	short, err := bech32.EncodeFromBase256("nsec", make([]byte, 31))
	if err != nil {
		t.Fatalf("encode short payload: %v", err)
	}
	overflow, err := bech32.EncodeFromBase256("nsec", bytes.Repeat([]byte{0xff}, 32))
	if err != nil {
		t.Fatalf("encode overflow payload: %v", err)
	}
	zero, err := bech32.EncodeFromBase256("nsec", make([]byte, 32))
	if err != nil {
		t.Fatalf("encode zero payload: %v", err)
	}

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not a key",
		"wrong tag":    kp.PublicDisplay(),
		"bad checksum": badChecksum,
		"mixed case":   strings.ToUpper(valid[:6]) + valid[6:],
		"short":        short,
		"overflow":     overflow,
		"zero":         zero,
		"hex secret":   hex.EncodeToString(kp.Secret()),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if IsWellFormed(input) {
				t.Fatalf("expected %q to be rejected", input)
			}
			if _, err := Parse(input); !errors.Is(err, ErrInvalidFormat) {
				t.Fatalf("expected ErrInvalidFormat, got %v", err)
			}
		})
	}
}

func TestParseAcceptsSurroundingWhitespace(t *testing.T) {
	kp := Generate()
	parsed, err := Parse("  " + kp.SecretDisplay() + "\n")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !parsed.Equal(kp) {
		t.Fatal("parsed pair mismatch")
	}
}

func TestGeneratedPublicIDsRoundtripThroughEveryForm(t *testing.T) {
	// Enough pairs that both y parities are exercised.
	for i := 0; i < 32; i++ {
		kp := Generate()
		raw, err := DecodePublicID(kp.PublicID())
		if err != nil {
			t.Fatalf("decode public id %s: %v", kp.PublicID(), err)
		}
		if !bytes.Equal(raw, kp.PublicKey()) {
			t.Fatalf("decoded key mismatch for %s", kp.PublicID())
		}
		npub, err := EncodePublicID(kp.PublicID())
		if err != nil || npub != kp.PublicDisplay() {
			t.Fatalf("encode public id = %q %v, want %q", npub, err, kp.PublicDisplay())
		}
		if id, err := ParsePublicDisplay(npub); err != nil || id != kp.PublicID() {
			t.Fatalf("parse public display = %q %v", id, err)
		}
	}
	if !ValidPublicID("79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798") {
		t.Fatal("generator x coordinate must be accepted")
	}
}

func TestDecodePublicIDRejectsInvalid(t *testing.T) {
	const fieldPrime = "fffffffffffffffffffffffffffffffffffffffffffffffffffffffefffffc2f"
	cases := []string{"", "zz", strings.Repeat("00", 31), strings.Repeat("ff", 32), fieldPrime, "02" + strings.Repeat("11", 32)}
	for _, c := range cases {
		if ValidPublicID(c) {
			t.Fatalf("expected %q to be invalid", c)
		}
	}
}

func TestFingerprintStable(t *testing.T) {
	kp := Generate()
	if kp.Fingerprint() != FingerprintPublicKey(kp.PublicKey()) {
		t.Fatal("fingerprint must depend only on the public key")
	}
	if !strings.HasPrefix(kp.Fingerprint(), "hl1") {
		t.Fatalf("unexpected fingerprint: %s", kp.Fingerprint())
	}
	if Generate().Fingerprint() == kp.Fingerprint() {
		t.Fatal("fingerprints of distinct identities should differ")
	}
}

func TestZeroClearsSecret(t *testing.T) {
	kp := Generate()
	kp.Zero()
	if !bytes.Equal(kp.Secret(), make([]byte, SecretSize)) {
		t.Fatal("secret should be zeroed")
	}
}
