package crypto

import (
	"bytes"
	"testing"

	"github.com/pqsky/skybridge/pkg/suites"
)

func TestNewAEADRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	nonce := make([]byte, 12)
	aad := []byte("header bytes")
	plaintext := []byte("telemetry frame")

	for _, id := range []byte{suites.AeadAESGCM, suites.AeadChaCha20} {
		aead, err := NewAEAD(id, key)
		if err != nil {
			t.Fatalf("NewAEAD(%d): %v", id, err)
		}
		ct := aead.Seal(nil, nonce, plaintext, aad)
		pt, err := aead.Open(nil, nonce, ct, aad)
		if err != nil {
			t.Fatalf("Open(%d): %v", id, err)
		}
		if !bytes.Equal(pt, plaintext) {
			t.Errorf("aead %d: round trip mismatch", id)
		}
	}
}

func TestNewAEADRejectsBadInput(t *testing.T) {
	if _, err := NewAEAD(suites.AeadAESGCM, make([]byte, 16)); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := NewAEAD(0xFF, make([]byte, 32)); err == nil {
		t.Error("expected error for unknown aead id")
	}
}

func TestHKDFIsDeterministicAndDomainSeparated(t *testing.T) {
	secret := bytes.Repeat([]byte{0x01}, 32)
	salt := []byte("salt")

	a, err := HKDF(secret, salt, []byte("info-a"), 64)
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	a2, err := HKDF(secret, salt, []byte("info-a"), 64)
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	b, err := HKDF(secret, salt, []byte("info-b"), 64)
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}

	if !bytes.Equal(a, a2) {
		t.Error("same inputs produced different output")
	}
	if bytes.Equal(a, b) {
		t.Error("different info strings produced identical output")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 bytes, got %d", len(a))
	}
}

func TestTranscriptHash(t *testing.T) {
	h1 := TranscriptHash([]byte("hello"))
	h2 := TranscriptHash([]byte("hello"))
	h3 := TranscriptHash([]byte("hellp"))
	if !bytes.Equal(h1, h2) {
		t.Error("hash is not deterministic")
	}
	if bytes.Equal(h1, h3) {
		t.Error("distinct transcripts collide")
	}
	if len(h1) != 32 {
		t.Errorf("expected 32-byte digest, got %d", len(h1))
	}
}

func TestAuthTag(t *testing.T) {
	psk := bytes.Repeat([]byte{0x5a}, 32)
	msg := []byte("server hello bytes")

	tag := AuthTag(psk, msg)
	if !VerifyAuthTag(psk, msg, tag) {
		t.Fatal("valid tag rejected")
	}

	flipped := append([]byte(nil), tag...)
	flipped[0] ^= 0x01
	if VerifyAuthTag(psk, msg, flipped) {
		t.Error("corrupted tag accepted")
	}
	if VerifyAuthTag(bytes.Repeat([]byte{0x5b}, 32), msg, tag) {
		t.Error("tag accepted under wrong key")
	}
}

func TestSecureRandomBytes(t *testing.T) {
	a, err := SecureRandomBytes(32)
	if err != nil {
		t.Fatalf("SecureRandomBytes: %v", err)
	}
	b, err := SecureRandomBytes(32)
	if err != nil {
		t.Fatalf("SecureRandomBytes: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two draws returned identical bytes")
	}
}

func TestZeroize(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zeroize(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d not cleared", i)
		}
	}
}
