// Package crypto provides the symmetric primitives shared by the handshake
// and framing layers: AEAD instantiation, HKDF key derivation, transcript
// hashing and secure randomness.
//
// Security Note: All random number generation uses crypto/rand which provides
// cryptographically secure random bytes from the operating system's CSPRNG.
package crypto

import (
	"crypto/rand"
	"io"

	qerrors "github.com/pqsky/skybridge/internal/errors"
)

// SecureRandom reads cryptographically secure random bytes into the provided
// slice. It only returns an error if the system's random number generator
// fails, which should be treated as a critical system failure.
func SecureRandom(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	if err != nil {
		return qerrors.NewCryptoError("SecureRandom", err)
	}
	return nil
}

// SecureRandomBytes returns n cryptographically secure random bytes.
func SecureRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if err := SecureRandom(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Reader is an io.Reader that returns cryptographically secure random bytes.
var Reader = rand.Reader

// Zeroize overwrites sensitive data with zeros. Call on shared secrets and
// ephemeral key material as soon as they are no longer needed.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroizeMultiple securely erases multiple byte slices.
func ZeroizeMultiple(slices ...[]byte) {
	for _, s := range slices {
		Zeroize(s)
	}
}
