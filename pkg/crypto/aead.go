package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
	"github.com/pqsky/skybridge/pkg/suites"
)

// NewAEAD instantiates the authenticated cipher identified by the wire AEAD
// id with the given 32-byte transport key. Both registered ciphers use a
// 96-bit nonce and a 128-bit tag.
func NewAEAD(aeadID byte, key []byte) (cipher.AEAD, error) {
	if len(key) != constants.AEADKeySize {
		return nil, qerrors.NewCryptoError("NewAEAD",
			fmt.Errorf("key must be %d bytes, got %d", constants.AEADKeySize, len(key)))
	}

	switch aeadID {
	case suites.AeadAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, qerrors.NewCryptoError("NewAEAD", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, qerrors.NewCryptoError("NewAEAD", err)
		}
		return aead, nil

	case suites.AeadChaCha20:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, qerrors.NewCryptoError("NewAEAD", err)
		}
		return aead, nil

	default:
		return nil, qerrors.NewCryptoError("NewAEAD",
			fmt.Errorf("%w: aead id %d", qerrors.ErrUnknownSuite, aeadID))
	}
}
