package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	qerrors "github.com/pqsky/skybridge/internal/errors"
)

// HKDF derives n bytes of key material from the shared secret using
// HKDF-SHA256 with the given salt and info. The info string is the only
// per-session input besides the secret itself, so it must bind everything
// that distinguishes this derivation: suite, session and transcript.
func HKDF(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	r := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, qerrors.NewCryptoError("HKDF", err)
	}
	return out, nil
}

// TranscriptHash returns the SHA3-256 digest of the handshake transcript.
func TranscriptHash(transcript []byte) []byte {
	sum := sha3.Sum256(transcript)
	return sum[:]
}

// AuthTag computes the HMAC-SHA256 initiator authentication tag over msg
// keyed by the pre-shared key.
func AuthTag(psk, msg []byte) []byte {
	mac := hmac.New(sha256.New, psk)
	mac.Write(msg)
	return mac.Sum(nil)
}

// VerifyAuthTag checks an initiator authentication tag in constant time.
func VerifyAuthTag(psk, msg, tag []byte) bool {
	return hmac.Equal(AuthTag(psk, msg), tag)
}
