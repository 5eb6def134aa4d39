// Package errors defines the error taxonomy shared across the skybridge
// tunnel. Sentinel errors classify failures so callers can decide between
// dropping a packet, failing a negotiation, or terminating the process,
// without leaking sensitive detail in the messages themselves.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for configuration and suite resolution
var (
	// ErrConfig indicates invalid or incomplete configuration
	ErrConfig = errors.New("config: invalid configuration")

	// ErrUnknownSuite indicates a suite identifier not present in the registry
	ErrUnknownSuite = errors.New("suites: unknown suite")

	// ErrLevelMismatch indicates a KEM/signature pairing across NIST levels
	ErrLevelMismatch = errors.New("suites: security level mismatch")
)

// Sentinel errors for the handshake
var (
	// ErrHandshake indicates a handshake failure of unspecified kind
	ErrHandshake = errors.New("handshake: failed")

	// ErrHandshakeFormat indicates a malformed or truncated handshake message
	ErrHandshakeFormat = errors.New("handshake: malformed message")

	// ErrHandshakeVerify indicates a signature or authentication tag mismatch
	ErrHandshakeVerify = errors.New("handshake: verification failed")

	// ErrSuitePinned indicates the peer offered a suite other than the pinned one
	ErrSuitePinned = errors.New("handshake: suite does not match pinned suite")

	// ErrHandshakeLimited indicates the responder's accept gate refused the attempt
	ErrHandshakeLimited = errors.New("handshake: rate limited")
)

// Sentinel errors for packet framing. All of these are per-packet and
// non-fatal: the receiver drops the packet, counts it, and continues.
var (
	// ErrAeadAuth indicates AEAD authentication failed on a received packet
	ErrAeadAuth = errors.New("framing: authentication failed")

	// ErrReplay indicates a duplicate or stale sequence number
	ErrReplay = errors.New("framing: replay detected")

	// ErrHeaderMismatch indicates header fields inconsistent with the session
	ErrHeaderMismatch = errors.New("framing: header mismatch")

	// ErrEpochMismatch indicates an epoch outside the current window
	ErrEpochMismatch = errors.New("framing: epoch not active")

	// ErrSequenceOverflow indicates the send sequence space is exhausted and
	// a rekey must be negotiated before further traffic is protected
	ErrSequenceOverflow = errors.New("framing: sequence space exhausted, rekey required")

	// ErrPacketTooShort indicates a datagram shorter than header plus tag
	ErrPacketTooShort = errors.New("framing: packet too short")

	// ErrPayloadTooLarge indicates a plaintext exceeding the datagram budget
	ErrPayloadTooLarge = errors.New("framing: payload too large")
)

// Sentinel errors for the control plane
var (
	// ErrControlBusy indicates a negotiation is already in flight
	ErrControlBusy = errors.New("control: negotiation in progress")

	// ErrControlUnsafe indicates the follower refused a prepare
	ErrControlUnsafe = errors.New("control: prepare refused")

	// ErrControlMessage indicates a malformed control message
	ErrControlMessage = errors.New("control: invalid message")
)

// Sentinel errors for the proxy
var (
	// ErrProxyClosed indicates the proxy has been shut down
	ErrProxyClosed = errors.New("proxy: closed")

	// ErrRateLimited indicates the dataplane token bucket dropped a packet
	ErrRateLimited = errors.New("proxy: rate limited")

	// ErrUnexpectedSource indicates a ciphertext from an address other than
	// the configured peer
	ErrUnexpectedSource = errors.New("proxy: unexpected source address")
)

// CryptoError wraps a cryptographic error with the failing operation
type CryptoError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// NewCryptoError creates a new CryptoError
func NewCryptoError(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Err: err}
}

// ProtocolError wraps a protocol error with the phase it occurred in
type ProtocolError struct {
	Phase string // Protocol phase (e.g., "handshake", "rekey", "control")
	Err   error  // Underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError
func NewProtocolError(phase string, err error) *ProtocolError {
	return &ProtocolError{Phase: phase, Err: err}
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
