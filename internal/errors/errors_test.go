package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestCryptoErrorWrapping(t *testing.T) {
	inner := stderrors.New("short buffer")
	err := NewCryptoError("Decapsulate", inner)

	if err.Error() != "Decapsulate: short buffer" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !Is(err, inner) {
		t.Error("CryptoError does not unwrap to the inner error")
	}

	var ce *CryptoError
	if !As(err, &ce) || ce.Op != "Decapsulate" {
		t.Error("As failed to recover the CryptoError")
	}
}

func TestProtocolErrorWrapping(t *testing.T) {
	err := NewProtocolError("handshake", ErrHandshakeFormat)

	if !Is(err, ErrHandshakeFormat) {
		t.Error("ProtocolError does not unwrap to the sentinel")
	}
	var pe *ProtocolError
	if !As(err, &pe) || pe.Phase != "handshake" {
		t.Error("As failed to recover the ProtocolError")
	}
}

func TestSentinelsSurviveFmtWrapping(t *testing.T) {
	sentinels := []error{
		ErrConfig,
		ErrUnknownSuite,
		ErrHandshakeVerify,
		ErrSuitePinned,
		ErrAeadAuth,
		ErrReplay,
		ErrEpochMismatch,
		ErrSequenceOverflow,
		ErrControlBusy,
		ErrRateLimited,
	}
	for _, s := range sentinels {
		wrapped := fmt.Errorf("context: %w", s)
		if !Is(wrapped, s) {
			t.Errorf("%v lost through wrapping", s)
		}
	}
}

func TestFramingSentinelsAreDistinct(t *testing.T) {
	// Drop accounting keys off these identities; two merging silently
	// would misclassify counters.
	all := []error{ErrAeadAuth, ErrReplay, ErrHeaderMismatch, ErrEpochMismatch,
		ErrSequenceOverflow, ErrPacketTooShort, ErrPayloadTooLarge}
	for i, a := range all {
		for j, b := range all {
			if i != j && Is(a, b) {
				t.Errorf("sentinels %v and %v are not distinct", a, b)
			}
		}
	}
}
