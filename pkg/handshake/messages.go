// Package handshake implements the signature-authenticated KEM handshake
// that establishes transport keys for an epoch.
//
// The exchange is one round over a reliable channel. The responder sends a
// signed hello carrying a fresh KEM public key; the initiator verifies the
// signature, encapsulates, and returns the ciphertext together with an
// HMAC tag keyed by the pre-shared key. Both sides then derive directional
// transport keys from the shared secret and the transcript.
package handshake

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
)

// ServerHello is the responder's first and only message.
//
//	+---------+-------------+----------+-------------+----------+
//	| version | kem name    | sig name | session id  | challenge|
//	| (1)     | (2+n)       | (2+n)    | (8)         | (8)      |
//	+---------+-------------+----------+-------------+----------+
//	| kem public key (4+n)  | signature (2+n)                   |
//	+-----------------------+-----------------------------------+
//
// All length prefixes are big endian. The signature covers the transcript,
// not the raw wire bytes, so the initiator can recompute it field by field.
type ServerHello struct {
	Version   byte
	KemName   string
	SigName   string
	SessionID [constants.SessionIDSize]byte
	Challenge [constants.ChallengeSize]byte
	KemPublic []byte
	Signature []byte
}

// Marshal serializes the hello into its wire form.
func (h *ServerHello) Marshal() ([]byte, error) {
	if len(h.KemName) == 0 || len(h.SigName) == 0 {
		return nil, qerrors.NewProtocolError("handshake", qerrors.ErrHandshakeFormat)
	}
	var b bytes.Buffer
	b.WriteByte(h.Version)
	writeLP16(&b, []byte(h.KemName))
	writeLP16(&b, []byte(h.SigName))
	b.Write(h.SessionID[:])
	b.Write(h.Challenge[:])
	writeLP32(&b, h.KemPublic)
	writeLP16(&b, h.Signature)
	if b.Len() > constants.MaxHandshakeMessage {
		return nil, qerrors.NewProtocolError("handshake", qerrors.ErrHandshakeFormat)
	}
	return b.Bytes(), nil
}

// ParseServerHello decodes a hello, rejecting truncated or oversized fields.
func ParseServerHello(wire []byte) (*ServerHello, error) {
	r := &reader{buf: wire}
	h := &ServerHello{}

	h.Version = r.byte()
	h.KemName = string(r.lp16())
	h.SigName = string(r.lp16())
	copy(h.SessionID[:], r.take(constants.SessionIDSize))
	copy(h.Challenge[:], r.take(constants.ChallengeSize))
	h.KemPublic = r.lp32()
	h.Signature = r.lp16()

	if r.failed || r.rest() != 0 {
		return nil, fmt.Errorf("%w: server hello", qerrors.ErrHandshakeFormat)
	}
	if len(h.KemName) == 0 || len(h.SigName) == 0 || len(h.KemPublic) == 0 || len(h.Signature) == 0 {
		return nil, fmt.Errorf("%w: empty field", qerrors.ErrHandshakeFormat)
	}
	return h, nil
}

// Transcript returns the byte string the responder signs. It binds the
// version, both algorithm names, the session, the KEM public key and the
// challenge, with explicit separators between variable-length fields.
func (h *ServerHello) Transcript() []byte {
	var b bytes.Buffer
	b.WriteByte(h.Version)
	b.WriteString("|" + constants.ProtocolName + "|")
	b.Write(h.SessionID[:])
	b.WriteString("|")
	b.WriteString(h.KemName)
	b.WriteString("|")
	b.WriteString(h.SigName)
	b.WriteString("|")
	b.Write(h.KemPublic)
	b.WriteString("|")
	b.Write(h.Challenge[:])
	return b.Bytes()
}

// ClientResponse is the initiator's reply: the KEM ciphertext and an
// HMAC-SHA256 tag over the hello wire bytes, keyed by the pre-shared key.
type ClientResponse struct {
	KemCiphertext []byte
	AuthTag       [constants.AuthTagSize]byte
}

// Marshal serializes the response.
func (c *ClientResponse) Marshal() ([]byte, error) {
	if len(c.KemCiphertext) == 0 {
		return nil, qerrors.NewProtocolError("handshake", qerrors.ErrHandshakeFormat)
	}
	var b bytes.Buffer
	writeLP32(&b, c.KemCiphertext)
	b.Write(c.AuthTag[:])
	if b.Len() > constants.MaxHandshakeMessage {
		return nil, qerrors.NewProtocolError("handshake", qerrors.ErrHandshakeFormat)
	}
	return b.Bytes(), nil
}

// ParseClientResponse decodes a response.
func ParseClientResponse(wire []byte) (*ClientResponse, error) {
	r := &reader{buf: wire}
	c := &ClientResponse{}
	c.KemCiphertext = r.lp32()
	copy(c.AuthTag[:], r.take(constants.AuthTagSize))
	if r.failed || r.rest() != 0 || len(c.KemCiphertext) == 0 {
		return nil, fmt.Errorf("%w: client response", qerrors.ErrHandshakeFormat)
	}
	return c, nil
}

// --- wire helpers ---

func writeLP16(b *bytes.Buffer, p []byte) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(p)))
	b.Write(l[:])
	b.Write(p)
}

func writeLP32(b *bytes.Buffer, p []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(p)))
	b.Write(l[:])
	b.Write(p)
}

// reader is a cursor that latches failure instead of returning errors at
// every step; the caller checks failed once at the end.
type reader struct {
	buf    []byte
	off    int
	failed bool
}

func (r *reader) rest() int { return len(r.buf) - r.off }

func (r *reader) take(n int) []byte {
	if r.failed || n < 0 || r.rest() < n {
		r.failed = true
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) lp16() []byte {
	l := r.take(2)
	if l == nil {
		return nil
	}
	return r.take(int(binary.BigEndian.Uint16(l)))
}

func (r *reader) lp32() []byte {
	l := r.take(4)
	if l == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(l)
	if n > constants.MaxHandshakeMessage {
		r.failed = true
		return nil
	}
	return r.take(int(n))
}
