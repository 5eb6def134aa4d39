package handshake

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
	"github.com/pqsky/skybridge/pkg/crypto"
	"github.com/pqsky/skybridge/pkg/metrics"
	"github.com/pqsky/skybridge/pkg/suites"
)

// Result is the outcome of a completed handshake exchange.
type Result struct {
	Suite     suites.Suite
	SessionID [constants.SessionIDSize]byte
	Keys      SessionKeys
	Timings   Timings
}

// Initiate runs the initiator (drone) side of the exchange over conn.
// The responder identity is authenticated by verifyKey; the initiator
// authenticates itself with an HMAC tag keyed by psk.
func Initiate(ctx context.Context, conn net.Conn, suite suites.Suite, verifyKey VerifyKey, psk []byte) (*Result, error) {
	ctx, end := metrics.StartSpan(ctx, "skybridge.handshake.initiate",
		metrics.WithSpanKind(metrics.SpanKindClient),
		metrics.WithAttributes(map[string]interface{}{"suite": suite.ID}))

	res, err := initiate(ctx, conn, suite, verifyKey, psk)
	end(err)
	return res, err
}

func initiate(ctx context.Context, conn net.Conn, suite suites.Suite, verifyKey VerifyKey, psk []byte) (*Result, error) {
	if err := applyDeadline(ctx, conn); err != nil {
		return nil, err
	}
	start := time.Now()
	var t Timings

	helloWire, err := readFrame(conn)
	if err != nil {
		return nil, qerrors.NewProtocolError("handshake", err)
	}

	hello, err := ParseAndVerifyServerHello(helloWire, suite, verifyKey, &t)
	if err != nil {
		return nil, err
	}

	ct, ss, err := ClientEncapsulate(hello, suite, &t)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(ss)

	resp := &ClientResponse{KemCiphertext: ct}
	copy(resp.AuthTag[:], crypto.AuthTag(psk, helloWire))
	respWire, err := resp.Marshal()
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, respWire); err != nil {
		return nil, qerrors.NewProtocolError("handshake", err)
	}

	keys, err := DeriveTransportKeys(constants.RoleDrone, ss, helloWire, suite)
	if err != nil {
		return nil, err
	}

	t.Total = time.Since(start)
	return &Result{Suite: suite, SessionID: hello.SessionID, Keys: keys, Timings: t}, nil
}

// Respond runs the responder (gcs) side of the exchange over conn.
func Respond(ctx context.Context, conn net.Conn, suite suites.Suite, id *Identity, psk []byte) (*Result, error) {
	ctx, end := metrics.StartSpan(ctx, "skybridge.handshake.respond",
		metrics.WithSpanKind(metrics.SpanKindServer),
		metrics.WithAttributes(map[string]interface{}{"suite": suite.ID}))

	res, err := respond(ctx, conn, suite, id, psk)
	end(err)
	return res, err
}

func respond(ctx context.Context, conn net.Conn, suite suites.Suite, id *Identity, psk []byte) (*Result, error) {
	if err := applyDeadline(ctx, conn); err != nil {
		return nil, err
	}
	start := time.Now()
	var t Timings

	eph, err := BuildServerHello(suite, id, &t)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, eph.Wire); err != nil {
		return nil, qerrors.NewProtocolError("handshake", err)
	}

	respWire, err := readFrame(conn)
	if err != nil {
		return nil, qerrors.NewProtocolError("handshake", err)
	}
	resp, err := ParseClientResponse(respWire)
	if err != nil {
		return nil, err
	}

	// The initiator proves knowledge of the PSK before any decapsulation
	// state is committed.
	if !crypto.VerifyAuthTag(psk, eph.Wire, resp.AuthTag[:]) {
		return nil, fmt.Errorf("%w: initiator tag", qerrors.ErrHandshakeVerify)
	}

	ss, err := eph.Decapsulate(resp.KemCiphertext, &t)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(ss)

	keys, err := DeriveTransportKeys(constants.RoleGCS, ss, eph.Wire, suite)
	if err != nil {
		return nil, err
	}

	t.Total = time.Since(start)
	return &Result{Suite: suite, SessionID: eph.Hello.SessionID, Keys: keys, Timings: t}, nil
}

func applyDeadline(ctx context.Context, conn net.Conn) error {
	if err := ctx.Err(); err != nil {
		return qerrors.NewProtocolError("handshake", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		return conn.SetDeadline(deadline)
	}
	return nil
}

// Handshake messages travel as 4-byte big endian length frames so the
// exchange works over any stream transport.

func writeFrame(w io.Writer, p []byte) error {
	if len(p) > constants.MaxHandshakeMessage {
		return qerrors.ErrHandshakeFormat
	}
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(p)))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}
	_, err := w.Write(p)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(l[:])
	if n == 0 || n > constants.MaxHandshakeMessage {
		return nil, qerrors.ErrHandshakeFormat
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
