package proxy

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pqsky/skybridge/internal/config"
	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
	"github.com/pqsky/skybridge/pkg/control"
	"github.com/pqsky/skybridge/pkg/handshake"
	"github.com/pqsky/skybridge/pkg/metrics"
	"github.com/pqsky/skybridge/pkg/suites"
)

const (
	e2eSuite = "cs-mlkem512-aesgcm-mldsa44"
	e2ePSK   = "00112233445566778899aabbccddeeff"
)

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func quietObserver(role string) *metrics.ProxyObserver {
	return metrics.NewProxyObserver(metrics.ProxyObserverConfig{
		Collector: metrics.NewCollector(metrics.Labels{"role": role}),
		Tracer:    metrics.NoOpTracer{},
		Logger:    metrics.NullLogger(),
		Role:      role,
	})
}

// testPair builds a connected drone/gcs configuration on loopback.
func testPair(t *testing.T) (droneCfg, gcsCfg *config.Config) {
	t.Helper()
	suite := suites.MustResolve(e2eSuite)

	seed := make([]byte, suite.Sig.Scheme.SeedSize())
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	id, err := handshake.IdentityFromSeed(suite.Sig.Scheme, seed)
	if err != nil {
		t.Fatal(err)
	}

	droneData := freeUDPAddr(t)
	gcsData := freeUDPAddr(t)
	gcsCtl := freeTCPAddr(t)

	d := config.Default()
	d.Role = constants.RoleDrone
	d.Suite = e2eSuite
	d.PSKHex = e2ePSK
	pub, err := id.PublicBytes()
	if err != nil {
		t.Fatal(err)
	}
	d.PeerVerifyKeyHex = hex.EncodeToString(pub)
	d.Listen.App = freeUDPAddr(t)
	d.Listen.Data = droneData
	d.Peer.Data = gcsData
	d.Peer.Control = gcsCtl
	d.Timeouts.Handshake = 5 * time.Second
	if err := d.Validate(); err != nil {
		t.Fatalf("drone config: %v", err)
	}

	g := config.Default()
	g.Role = constants.RoleGCS
	g.Suite = e2eSuite
	g.PSKHex = e2ePSK
	g.IdentitySeedHex = hex.EncodeToString(seed)
	g.Listen.App = freeUDPAddr(t)
	g.Listen.Data = gcsData
	g.Listen.Control = gcsCtl
	g.Peer.Data = droneData
	g.Timeouts.Handshake = 5 * time.Second
	if err := g.Validate(); err != nil {
		t.Fatalf("gcs config: %v", err)
	}
	return &d, &g
}

func startProxy(t *testing.T, ctx context.Context, cfg *config.Config) *Proxy {
	t.Helper()
	p, err := New(cfg, quietObserver(string(cfg.Role)))
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		p.Stop()
		select {
		case err := <-done:
			if err != nil && ctx.Err() == nil {
				t.Errorf("proxy exited: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("proxy did not shut down")
		}
	})
	return p
}

func dialApp(t *testing.T, addr string) *net.UDPConn {
	t.Helper()
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := net.DialUDP("udp", nil, ua)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// primeApps sends throwaway datagrams from every application socket so
// each proxy learns where to deliver egress traffic. Until a socket has
// sent once, frames for it are dropped with "no application peer yet".
func primeApps(apps ...*net.UDPConn) {
	for i := 0; i < 5; i++ {
		for _, app := range apps {
			_, _ = app.Write([]byte("app-hello"))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// exchange sends a payload into one end and expects it out the other,
// retrying to absorb UDP loss and not-yet-learned app addresses.
func exchange(t *testing.T, from, to *net.UDPConn, payload string) {
	t.Helper()
	buf := make([]byte, 2048)
	for attempt := 0; attempt < 50; attempt++ {
		if _, err := from.Write([]byte(payload)); err != nil {
			t.Fatal(err)
		}
		_ = to.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := to.Read(buf)
		if err == nil && string(buf[:n]) == payload {
			return
		}
	}
	t.Fatalf("payload %q never traversed the tunnel", payload)
}

func TestTunnelEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("end to end tunnel test")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	droneCfg, gcsCfg := testPair(t)
	gcs := startProxy(t, ctx, gcsCfg)
	drone := startProxy(t, ctx, droneCfg)

	waitFor(t, 15*time.Second, "session establishment", func() bool {
		return drone.Status().HasKeys && gcs.Status().HasKeys
	})

	if st := drone.Status(); st.Epoch != 0 || st.Suite != e2eSuite {
		t.Fatalf("drone status after handshake: %+v", st)
	}

	droneApp := dialApp(t, droneCfg.Listen.App)
	gcsApp := dialApp(t, gcsCfg.Listen.App)
	primeApps(droneApp, gcsApp)

	exchange(t, gcsApp, droneApp, "telemetry-downlink")
	exchange(t, droneApp, gcsApp, "command-uplink")

	for i := 0; i < 25; i++ {
		exchange(t, droneApp, gcsApp, fmt.Sprintf("up-%03d", i))
		exchange(t, gcsApp, droneApp, fmt.Sprintf("down-%03d", i))
	}

	if snap := drone.Status().Metrics; snap.EncryptedOut == 0 || snap.EncryptedIn == 0 {
		t.Errorf("drone dataplane counters empty: %+v", snap)
	}
}

func TestTunnelRekey(t *testing.T) {
	if testing.Short() {
		t.Skip("end to end rekey test")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	droneCfg, gcsCfg := testPair(t)
	gcs := startProxy(t, ctx, gcsCfg)
	drone := startProxy(t, ctx, droneCfg)

	waitFor(t, 15*time.Second, "session establishment", func() bool {
		return drone.Status().HasKeys && gcs.Status().HasKeys
	})

	// Coordinator-side manual rekey: PREPARE, PREPARE_OK, COMMIT, fresh
	// handshake, epoch bump on both ends. The trigger is retried because a
	// proposal sent before the control channel is up simply times out.
	waitFor(t, 30*time.Second, "epoch bump on both sides", func() bool {
		if drone.Status().Epoch >= 1 && gcs.Status().Epoch >= 1 {
			return true
		}
		_ = gcs.TriggerRekey("", control.ReasonManual)
		return false
	})

	if snap := gcs.Status().Metrics; snap.RekeysCompleted < 1 {
		t.Errorf("gcs rekeys completed = %d, want at least 1", snap.RekeysCompleted)
	}
	waitFor(t, 5*time.Second, "control machines back to idle", func() bool {
		return gcs.Status().State == "IDLE" && drone.Status().State == "IDLE"
	})

	droneApp := dialApp(t, droneCfg.Listen.App)
	gcsApp := dialApp(t, gcsCfg.Listen.App)
	primeApps(droneApp, gcsApp)

	exchange(t, gcsApp, droneApp, "post-rekey-downlink")
	exchange(t, droneApp, gcsApp, "post-rekey-uplink")
}

// A sequence overflow makes the rekey mandatory, so an attempt that dies
// without producing a fresh epoch must not consume the only trigger.
func TestOverflowRekeyRetriesAfterFailedNegotiation(t *testing.T) {
	droneCfg, _ := testPair(t)
	droneCfg.Timeouts.Control = 50 * time.Millisecond
	p, err := New(droneCfg, quietObserver("drone"))
	if err != nil {
		t.Fatal(err)
	}

	p.onSequenceOverflow()
	if got := p.machine.State(); got != control.StatePrepareSent {
		t.Fatalf("state after first overflow = %v, want %v", got, control.StatePrepareSent)
	}

	// No peer ever answers, so the proposal times out and aborts.
	waitFor(t, 2*time.Second, "negotiation abort", func() bool {
		p.dispatchResult(p.machine.Tick())
		return p.machine.State() == control.StateIdle
	})

	p.onSequenceOverflow()
	if got := p.machine.State(); got != control.StatePrepareSent {
		t.Fatalf("state after second overflow = %v, want %v", got, control.StatePrepareSent)
	}
}

// runPipeHandshake completes one handshake over an in-memory pipe and
// returns both sides' results.
func runPipeHandshake(t *testing.T, suite suites.Suite, id *handshake.Identity, psk []byte) (initiator, responder *handshake.Result) {
	t.Helper()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	type outcome struct {
		res *handshake.Result
		err error
	}
	initCh := make(chan outcome, 1)
	go func() {
		res, err := handshake.Initiate(context.Background(), a, suite, id.VerifyKey(), psk)
		initCh <- outcome{res, err}
	}()
	respRes, respErr := handshake.Respond(context.Background(), b, suite, id, psk)
	init := <-initCh
	if init.err != nil || respErr != nil {
		t.Fatalf("handshake failed: initiator %v, responder %v", init.err, respErr)
	}
	return init.res, respRes
}

// One side installing a handshake the other side abandoned must not leave
// the peers tagging later epochs differently.
func TestEpochAgreementAfterOneSidedInstall(t *testing.T) {
	droneCfg, gcsCfg := testPair(t)
	drone, err := New(droneCfg, quietObserver("drone"))
	if err != nil {
		t.Fatal(err)
	}
	gcs, err := New(gcsCfg, quietObserver("gcs"))
	if err != nil {
		t.Fatal(err)
	}

	suite := suites.MustResolve(e2eSuite)
	seed, err := gcsCfg.IdentitySeed()
	if err != nil {
		t.Fatal(err)
	}
	id, err := handshake.IdentityFromSeed(suite.Sig.Scheme, seed)
	if err != nil {
		t.Fatal(err)
	}
	psk, err := droneCfg.PSK()
	if err != nil {
		t.Fatal(err)
	}

	// The drone installs a rekey result the gcs never commits.
	firstInit, _ := runPipeHandshake(t, suite, id, psk)
	if err := drone.install(firstInit); err != nil {
		t.Fatal(err)
	}

	// The next negotiation succeeds on both ends.
	secondInit, secondResp := runPipeHandshake(t, suite, id, psk)
	if err := drone.install(secondInit); err != nil {
		t.Fatal(err)
	}
	if err := gcs.install(secondResp); err != nil {
		t.Fatal(err)
	}

	pkt, err := drone.sender.Load().Encrypt([]byte("post-recovery frame"))
	if err != nil {
		t.Fatal(err)
	}
	gcs.recvMu.Lock()
	recv := gcs.receiver
	gcs.recvMu.Unlock()
	plain, err := recv.Decrypt(pkt)
	if err != nil {
		t.Fatalf("peer rejected traffic after recovery: %v", err)
	}
	if string(plain) != "post-recovery frame" {
		t.Fatalf("plaintext mismatch: %q", plain)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	droneCfg, _ := testPair(t)
	droneCfg.Suite = "cs-bogus-bogus-bogus"
	if _, err := New(droneCfg, quietObserver("drone")); !qerrors.Is(err, qerrors.ErrUnknownSuite) {
		t.Errorf("unknown suite: got %v", err)
	}

	droneCfg2, _ := testPair(t)
	droneCfg2.PSKHex = "zz"
	if _, err := New(droneCfg2, quietObserver("drone")); !qerrors.Is(err, qerrors.ErrConfig) {
		t.Errorf("bad psk: got %v", err)
	}
}

func TestClassifyDrop(t *testing.T) {
	tests := map[error]metrics.DropReason{
		qerrors.ErrReplay:         metrics.DropReplay,
		qerrors.ErrAeadAuth:       metrics.DropAuth,
		qerrors.ErrEpochMismatch:  metrics.DropEpoch,
		qerrors.ErrHeaderMismatch: metrics.DropHeader,
		qerrors.ErrPacketTooShort: metrics.DropHeader,
		qerrors.ErrRateLimited:    metrics.DropOther,
	}
	for err, want := range tests {
		if got := classifyDrop(err); got != want {
			t.Errorf("classifyDrop(%v) = %v, want %v", err, got, want)
		}
	}
}
