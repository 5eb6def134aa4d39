// Package integration verifies the complete path from handshake to
// authenticated datagram exchange, without the UDP proxy around it.
package integration

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
	"github.com/pqsky/skybridge/pkg/framing"
	"github.com/pqsky/skybridge/pkg/handshake"
	"github.com/pqsky/skybridge/pkg/suites"
)

var testPSK = bytes.Repeat([]byte{0x42}, 32)

// runHandshake drives both sides of the exchange over a pipe and returns
// the initiator and responder results.
func runHandshake(t *testing.T, suite suites.Suite, id *handshake.Identity, verifyKey handshake.VerifyKey, psk []byte) (*handshake.Result, *handshake.Result, error, error) {
	t.Helper()

	initConn, respConn := net.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var initRes, respRes *handshake.Result
	var initErr, respErr error
	wg.Add(2)

	// Each side closes its end on return so a one-sided failure unblocks
	// the peer instead of waiting out the deadline.
	go func() {
		defer wg.Done()
		defer func() { _ = initConn.Close() }()
		initRes, initErr = handshake.Initiate(ctx, initConn, suite, verifyKey, psk)
	}()

	go func() {
		defer wg.Done()
		defer func() { _ = respConn.Close() }()
		respRes, respErr = handshake.Respond(ctx, respConn, suite, id, psk)
	}()

	wg.Wait()
	return initRes, respRes, initErr, respErr
}

func TestHandshakeAndDatagramExchange(t *testing.T) {
	suite := suites.Default()
	id, err := handshake.NewIdentity(suite.Sig.Scheme)
	if err != nil {
		t.Fatal(err)
	}

	drone, gcs, initErr, respErr := runHandshake(t, suite, id, id.VerifyKey(), testPSK)
	if initErr != nil {
		t.Fatalf("initiator handshake failed: %v", initErr)
	}
	if respErr != nil {
		t.Fatalf("responder handshake failed: %v", respErr)
	}

	if drone.SessionID != gcs.SessionID {
		t.Fatal("session identifiers disagree")
	}
	if !bytes.Equal(drone.Keys.SendKey, gcs.Keys.RecvKey) ||
		!bytes.Equal(drone.Keys.RecvKey, gcs.Keys.SendKey) {
		t.Fatal("directional keys are not complementary")
	}
	if bytes.Equal(drone.Keys.SendKey, drone.Keys.RecvKey) {
		t.Fatal("both directions derived the same key")
	}

	// Build framing state from the derived keys, drone to gcs direction.
	ids := suite.WireIDs()
	sender, err := framing.NewSender(framing.Params{
		IDs: ids, SessionID: drone.SessionID, Key: drone.Keys.SendKey,
	})
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := framing.NewReceiver(framing.Params{
		IDs: ids, SessionID: gcs.SessionID, Key: gcs.Keys.RecvKey,
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		want := []byte("mavlink telemetry frame")
		pkt, err := sender.Encrypt(want)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		got, err := receiver.Decrypt(pkt)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("packet %d: got %q, want %q", i, got, want)
		}
	}
}

func TestAllRegisteredSuites(t *testing.T) {
	if testing.Short() {
		t.Skip("full suite sweep runs every KEM and signature scheme")
	}

	for _, suite := range suites.List() {
		t.Run(suite.ID, func(t *testing.T) {
			id, err := handshake.NewIdentity(suite.Sig.Scheme)
			if err != nil {
				t.Fatal(err)
			}

			drone, gcs, initErr, respErr := runHandshake(t, suite, id, id.VerifyKey(), testPSK)
			if initErr != nil || respErr != nil {
				t.Fatalf("handshake failed: initiator %v, responder %v", initErr, respErr)
			}

			sender, err := framing.NewSender(framing.Params{
				IDs: suite.WireIDs(), SessionID: drone.SessionID, Key: drone.Keys.SendKey,
			})
			if err != nil {
				t.Fatal(err)
			}
			receiver, err := framing.NewReceiver(framing.Params{
				IDs: suite.WireIDs(), SessionID: gcs.SessionID, Key: gcs.Keys.RecvKey,
			})
			if err != nil {
				t.Fatal(err)
			}

			pkt, err := sender.Encrypt([]byte("probe"))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := receiver.Decrypt(pkt); err != nil {
				t.Fatalf("round trip under %s: %v", suite.ID, err)
			}
		})
	}
}

func TestWrongVerifyKeyRejected(t *testing.T) {
	suite := suites.Default()
	id, err := handshake.NewIdentity(suite.Sig.Scheme)
	if err != nil {
		t.Fatal(err)
	}
	imposter, err := handshake.NewIdentity(suite.Sig.Scheme)
	if err != nil {
		t.Fatal(err)
	}

	// The initiator pins the imposter's key, so the genuine responder's
	// signature must not verify.
	_, _, initErr, _ := runHandshake(t, suite, id, imposter.VerifyKey(), testPSK)
	if !errors.Is(initErr, qerrors.ErrHandshakeVerify) {
		t.Fatalf("initiator error = %v, want ErrHandshakeVerify", initErr)
	}
}

func TestWrongPSKRejected(t *testing.T) {
	suite := suites.Default()
	id, err := handshake.NewIdentity(suite.Sig.Scheme)
	if err != nil {
		t.Fatal(err)
	}

	initConn, respConn := net.Pipe()
	defer func() { _ = initConn.Close() }()
	defer func() { _ = respConn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var respErr error
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = handshake.Initiate(ctx, initConn, suite, id.VerifyKey(), bytes.Repeat([]byte{0x13}, 32))
	}()
	go func() {
		defer wg.Done()
		_, respErr = handshake.Respond(ctx, respConn, suite, id, testPSK)
	}()
	wg.Wait()

	if !errors.Is(respErr, qerrors.ErrHandshakeVerify) {
		t.Fatalf("responder error = %v, want ErrHandshakeVerify", respErr)
	}
}

// TestRekeyEpochGrace walks the receiver through a key switch: the old
// epoch keeps decrypting during the grace window and is refused after it.
func TestRekeyEpochGrace(t *testing.T) {
	suite := suites.Default()
	id, err := handshake.NewIdentity(suite.Sig.Scheme)
	if err != nil {
		t.Fatal(err)
	}

	first, firstPeer, initErr, respErr := runHandshake(t, suite, id, id.VerifyKey(), testPSK)
	if initErr != nil || respErr != nil {
		t.Fatalf("first handshake failed: %v / %v", initErr, respErr)
	}
	second, secondPeer, initErr, respErr := runHandshake(t, suite, id, id.VerifyKey(), testPSK)
	if initErr != nil || respErr != nil {
		t.Fatalf("second handshake failed: %v / %v", initErr, respErr)
	}

	ids := suite.WireIDs()
	oldSender, err := framing.NewSender(framing.Params{
		IDs: ids, SessionID: first.SessionID, Key: first.Keys.SendKey, Epoch: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := framing.NewReceiver(framing.Params{
		IDs: ids, SessionID: firstPeer.SessionID, Key: firstPeer.Keys.RecvKey, Epoch: 0,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Stage a packet under the old epoch before switching keys.
	inFlight, err := oldSender.Encrypt([]byte("sent before the switch"))
	if err != nil {
		t.Fatal(err)
	}

	const grace = 100 * time.Millisecond
	err = receiver.Install(framing.Params{
		IDs: ids, SessionID: secondPeer.SessionID, Key: secondPeer.Keys.RecvKey, Epoch: 1,
	}, grace)
	if err != nil {
		t.Fatal(err)
	}

	// Within the grace window the in-flight packet still lands.
	if _, err := receiver.Decrypt(inFlight); err != nil {
		t.Fatalf("in-flight packet rejected during grace: %v", err)
	}

	// The new epoch works immediately.
	newSender, err := framing.NewSender(framing.Params{
		IDs: ids, SessionID: second.SessionID, Key: second.Keys.SendKey, Epoch: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := newSender.Encrypt([]byte("sent after the switch"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := receiver.Decrypt(pkt); err != nil {
		t.Fatalf("new epoch packet rejected: %v", err)
	}

	// After the grace window the old epoch is dead. Its session identifier
	// went with it, so the packet no longer matches any live slot.
	time.Sleep(grace + 50*time.Millisecond)
	late, err := oldSender.Encrypt([]byte("too late"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := receiver.Decrypt(late); !errors.Is(err, qerrors.ErrHeaderMismatch) {
		t.Fatalf("stale epoch error = %v, want ErrHeaderMismatch", err)
	}
}

// TestTimingsPopulated checks that the per-primitive measurements surfaced
// in status snapshots are filled in on both sides.
func TestTimingsPopulated(t *testing.T) {
	suite := suites.Default()
	id, err := handshake.NewIdentity(suite.Sig.Scheme)
	if err != nil {
		t.Fatal(err)
	}

	drone, gcs, initErr, respErr := runHandshake(t, suite, id, id.VerifyKey(), testPSK)
	if initErr != nil || respErr != nil {
		t.Fatalf("handshake failed: %v / %v", initErr, respErr)
	}

	if drone.Timings.SigVerify <= 0 || drone.Timings.KemEncaps <= 0 {
		t.Errorf("initiator timings incomplete: %+v", drone.Timings)
	}
	if gcs.Timings.KemKeygen <= 0 || gcs.Timings.SigSign <= 0 || gcs.Timings.KemDecaps <= 0 {
		t.Errorf("responder timings incomplete: %+v", gcs.Timings)
	}
	if drone.Timings.Total <= 0 || gcs.Timings.Total <= 0 {
		t.Error("total handshake duration not recorded")
	}
	if drone.Timings.CiphertextBytes != suite.KEM.Scheme.CiphertextSize() {
		t.Errorf("ciphertext size = %d, want %d",
			drone.Timings.CiphertextBytes, suite.KEM.Scheme.CiphertextSize())
	}

	if len(drone.Keys.SendKey) != constants.AEADKeySize || len(gcs.Keys.SendKey) != constants.AEADKeySize {
		t.Error("derived keys have the wrong size")
	}

	drone.Keys.Zeroize()
	if !bytes.Equal(drone.Keys.SendKey, make([]byte, constants.AEADKeySize)) {
		t.Error("Zeroize left key material behind")
	}
}
