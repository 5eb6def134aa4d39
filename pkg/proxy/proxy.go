// Package proxy is the bump-in-the-wire dataplane. It forwards application
// datagrams between a cleartext UDP socket and an encrypted UDP socket,
// running the handshake, rekey negotiation, rate limiting and status
// reporting around the hot path.
//
// The drone side initiates every TCP exchange toward the gcs: the
// persistent control channel and each handshake connection. Both arrive on
// the gcs control listener and are told apart by a one-byte preface.
package proxy

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pqsky/skybridge/internal/config"
	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
	"github.com/pqsky/skybridge/pkg/control"
	"github.com/pqsky/skybridge/pkg/framing"
	"github.com/pqsky/skybridge/pkg/handshake"
	"github.com/pqsky/skybridge/pkg/metrics"
	"github.com/pqsky/skybridge/pkg/suites"
	"github.com/pqsky/skybridge/pkg/version"
)

// Connection prefaces on the gcs control listener.
const (
	prefaceControl   byte = 'C'
	prefaceHandshake byte = 'H'
)

// tickInterval drives control-plane timeout checks.
const tickInterval = 500 * time.Millisecond

// pendingRekey tracks a committed rekey on the responder, which completes
// when the initiator's handshake lands on the control listener.
type pendingRekey struct {
	nid   string
	suite suites.Suite
	done  chan error
}

// Proxy is one tunnel endpoint.
type Proxy struct {
	cfg  *config.Config
	role constants.Role
	psk  []byte

	obs *metrics.ProxyObserver
	log *metrics.Logger

	appConn  *net.UDPConn
	dataConn *net.UDPConn
	peerData *net.UDPAddr

	sender  atomic.Pointer[framing.Sender]
	appAddr atomic.Pointer[net.UDPAddr]

	recvMu   sync.Mutex
	receiver *framing.Receiver

	sessMu    sync.Mutex
	suite     suites.Suite
	epoch     int64 // -1 before the first handshake
	sessionID [constants.SessionIDSize]byte
	timings   *handshake.Timings

	machine *control.Machine
	commits chan control.Commit

	chanMu  sync.Mutex
	channel *control.Channel

	pendingMu sync.Mutex
	pending   *pendingRekey

	gate         *handshake.AcceptGate
	ingressLimit *PacketLimiter
	egressLimit  *PacketLimiter
	bufs         *datagramPool

	overflowFired atomic.Bool

	started  time.Time
	stopOnce sync.Once
	stop     context.CancelFunc
}

// New builds a proxy from validated configuration.
func New(cfg *config.Config, obs *metrics.ProxyObserver) (*Proxy, error) {
	suite, err := suites.Resolve(cfg.Suite)
	if err != nil {
		return nil, err
	}
	psk, err := cfg.PSK()
	if err != nil {
		return nil, err
	}
	peerData, err := net.ResolveUDPAddr("udp", cfg.Peer.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: peer.data: %v", qerrors.ErrConfig, err)
	}

	machine, err := control.NewMachine(control.Config{
		Role:        cfg.Role,
		Coordinator: cfg.Coordinator,
		Suite:       suite.ID,
		Timeout:     cfg.Timeouts.Control,
	})
	if err != nil {
		return nil, err
	}

	if obs == nil {
		obs = metrics.NewProxyObserver(metrics.ProxyObserverConfig{Role: string(cfg.Role)})
	}

	p := &Proxy{
		cfg:      cfg,
		role:     cfg.Role,
		psk:      psk,
		obs:      obs,
		log:      obs.Logger(),
		peerData: peerData,
		suite:    suite,
		epoch:    -1,
		machine:  machine,
		commits:  make(chan control.Commit, 4),
		bufs:     newDatagramPool(),
		started:  time.Now(),
	}
	if cfg.Limits.RatePPS > 0 {
		p.ingressLimit = NewPacketLimiter(cfg.Limits.RatePPS, cfg.Limits.RateBurst)
		p.egressLimit = NewPacketLimiter(cfg.Limits.RatePPS, cfg.Limits.RateBurst)
	}
	if cfg.Role == constants.RoleGCS {
		p.gate = handshake.NewAcceptGate(cfg.Limits.HandshakeRate, cfg.Limits.HandshakeBurst, nil)
	}
	return p, nil
}

// Run operates the proxy until the context is cancelled or Stop is called.
func (p *Proxy) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.stop = cancel
	defer cancel()

	appConn, err := listenUDP(p.cfg.Listen.App)
	if err != nil {
		return err
	}
	defer appConn.Close()
	dataConn, err := listenUDP(p.cfg.Listen.Data)
	if err != nil {
		return err
	}
	defer dataConn.Close()
	p.appConn = appConn
	p.dataConn = dataConn

	var ctlListener net.Listener
	if p.role == constants.RoleGCS {
		ctlListener, err = net.Listen("tcp", p.cfg.Listen.Control)
		if err != nil {
			return err
		}
		defer ctlListener.Close()
	}

	// Unblock every socket read when shutting down.
	go func() {
		<-ctx.Done()
		appConn.Close()
		dataConn.Close()
		if ctlListener != nil {
			ctlListener.Close()
		}
		p.closeChannel()
	}()

	p.log.Info("proxy starting", metrics.Fields{
		"suite":   p.suite.ID,
		"app":     p.cfg.Listen.App,
		"data":    p.cfg.Listen.Data,
		"version": version.String(),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.ingressLoop(ctx) })
	g.Go(func() error { return p.egressLoop(ctx) })
	g.Go(func() error { return p.rekeyLoop(ctx) })
	g.Go(func() error { return p.tickLoop(ctx) })

	if p.role == constants.RoleGCS {
		ln := ctlListener
		g.Go(func() error { return p.acceptLoop(ctx, ln) })
	} else {
		g.Go(func() error { return p.controlDialLoop(ctx) })
		g.Go(func() error { return p.bootstrapHandshake(ctx) })
	}

	if p.cfg.StatusFile != "" {
		g.Go(func() error { return p.statusLoop(ctx) })
	}
	if p.cfg.Listen.Command != "" {
		cs := NewCommandServer(CommandHandlers{
			Status: p.Status,
			Rekey:  func(suite string) error { return p.TriggerRekey(suite, control.ReasonManual) },
			Stop:   p.Stop,
		}, p.cfg.CommandAllow, p.log)
		g.Go(func() error { return cs.Serve(ctx, p.cfg.Listen.Command) })
	}
	if p.cfg.Listen.Metrics != "" {
		g.Go(func() error { return p.metricsLoop(ctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop shuts the proxy down.
func (p *Proxy) Stop() {
	p.stopOnce.Do(func() {
		if p.stop != nil {
			p.stop()
		}
	})
}

func listenUDP(addr string) (*net.UDPConn, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", qerrors.ErrConfig, addr, err)
	}
	return net.ListenUDP("udp", ua)
}

// --- Dataplane ---

// ingressLoop reads cleartext from the application, seals it and sends it
// to the peer's data socket.
func (p *Proxy) ingressLoop(ctx context.Context) error {
	for {
		buf := p.bufs.Get()
		n, src, err := p.appConn.ReadFromUDP(buf)
		if err != nil {
			p.bufs.Put(buf)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		p.appAddr.Store(src)
		p.forwardIngress(buf[:n])
		p.bufs.Put(buf[:cap(buf)])
	}
}

func (p *Proxy) forwardIngress(plain []byte) {
	if !p.ingressLimit.Allow() {
		p.obs.OnDrop(metrics.DropRateLimit, qerrors.ErrRateLimited)
		return
	}
	s := p.sender.Load()
	if s == nil {
		p.obs.OnDrop(metrics.DropOther, qerrors.ErrProxyClosed)
		return
	}

	done := p.obs.OnEncrypt(len(plain))
	pkt, err := s.Encrypt(plain)
	done(err)
	if err != nil {
		if errors.Is(err, qerrors.ErrSequenceOverflow) {
			p.onSequenceOverflow()
		}
		p.obs.OnDrop(metrics.DropOther, err)
		return
	}

	if _, err := p.dataConn.WriteToUDP(pkt, p.peerData); err != nil {
		p.obs.OnDrop(metrics.DropOther, err)
		return
	}
	p.obs.Collector().RecordEncryptedOut(len(pkt))
}

// onSequenceOverflow demands a rekey. The proposal cannot be refused by
// the peer: with the counter exhausted this direction of the tunnel is
// already dark. The latch suppresses duplicates only while a negotiation
// is in flight; if the machine falls back to idle without a fresh epoch,
// the next exhausted packet asks again.
func (p *Proxy) onSequenceOverflow() {
	if !p.overflowFired.CompareAndSwap(false, true) && p.machine.State() != control.StateIdle {
		return
	}
	p.log.Warn("sequence space exhausted, forcing rekey")
	if err := p.TriggerRekey("", control.ReasonSeqOverflow); err != nil {
		p.log.Error("overflow rekey request failed", metrics.Fields{"error": err.Error()})
		p.overflowFired.Store(false)
	}
}

// egressLoop reads sealed packets from the network, opens them and delivers
// the plaintext to the application's last seen address.
func (p *Proxy) egressLoop(ctx context.Context) error {
	for {
		buf := p.bufs.Get()
		n, src, err := p.dataConn.ReadFromUDP(buf)
		if err != nil {
			p.bufs.Put(buf)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		p.forwardEgress(buf[:n], src)
		p.bufs.Put(buf[:cap(buf)])
	}
}

func (p *Proxy) forwardEgress(pkt []byte, src *net.UDPAddr) {
	if p.cfg.StrictSourceAddr && !udpAddrEqual(src, p.peerData) {
		p.obs.OnDrop(metrics.DropSourceAddr, qerrors.ErrUnexpectedSource)
		return
	}
	if !p.egressLimit.Allow() {
		p.obs.OnDrop(metrics.DropRateLimit, qerrors.ErrRateLimited)
		return
	}

	p.recvMu.Lock()
	r := p.receiver
	p.recvMu.Unlock()
	if r == nil {
		p.obs.OnDrop(metrics.DropOther, qerrors.ErrProxyClosed)
		return
	}

	done := p.obs.OnDecrypt(len(pkt))
	plain, err := r.Decrypt(pkt)
	done(err)
	if err != nil {
		p.obs.OnDrop(classifyDrop(err), err)
		return
	}

	dst := p.appAddr.Load()
	if dst == nil {
		p.obs.OnDrop(metrics.DropOther, errors.New("no application peer yet"))
		return
	}
	if _, err := p.appConn.WriteToUDP(plain, dst); err != nil {
		p.obs.OnDrop(metrics.DropOther, err)
		return
	}
	p.obs.Collector().RecordPlaintextOut(len(plain))
}

func classifyDrop(err error) metrics.DropReason {
	switch {
	case errors.Is(err, qerrors.ErrReplay):
		return metrics.DropReplay
	case errors.Is(err, qerrors.ErrAeadAuth):
		return metrics.DropAuth
	case errors.Is(err, qerrors.ErrEpochMismatch):
		return metrics.DropEpoch
	case errors.Is(err, qerrors.ErrHeaderMismatch), errors.Is(err, qerrors.ErrPacketTooShort):
		return metrics.DropHeader
	default:
		return metrics.DropOther
	}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}

// --- Session installation ---

// install swaps in the keys of a completed handshake as the next epoch.
func (p *Proxy) install(res *handshake.Result) error {
	defer res.Keys.Zeroize()

	p.sessMu.Lock()
	installs := uint64(p.epoch + 1)
	p.sessMu.Unlock()

	// The wire epoch is derived from the shared session identifier, never
	// from a local counter: if one side installs a handshake the other
	// abandoned, local counters would stay offset through every later
	// rekey and no packet would dispatch again.
	wireEpoch := uint64(res.SessionID[0])

	ids := res.Suite.WireIDs()
	sender, err := framing.NewSender(framing.Params{
		IDs:       ids,
		SessionID: res.SessionID,
		Epoch:     wireEpoch,
		Key:       res.Keys.SendKey,
		SeqLimit:  p.cfg.Limits.SeqLimit,
	})
	if err != nil {
		return err
	}

	recvParams := framing.Params{
		IDs:       ids,
		SessionID: res.SessionID,
		Epoch:     wireEpoch,
		Key:       res.Keys.RecvKey,
		Window:    p.cfg.Limits.ReplayWindow,
	}
	p.recvMu.Lock()
	if p.receiver == nil {
		p.receiver, err = framing.NewReceiver(recvParams)
	} else {
		err = p.receiver.Install(recvParams, p.cfg.Limits.EpochGrace)
	}
	p.recvMu.Unlock()
	if err != nil {
		return err
	}

	p.sender.Store(sender)
	p.overflowFired.Store(false)

	p.sessMu.Lock()
	p.epoch = int64(installs)
	p.suite = res.Suite
	p.sessionID = res.SessionID
	t := res.Timings
	p.timings = &t
	p.sessMu.Unlock()

	p.obs.OnSessionEstablished(res.SessionID[:], res.Suite.ID, installs)
	return nil
}

// --- Control plane ---

// TriggerRekey proposes a negotiated key rotation. An empty suite keeps the
// current one.
func (p *Proxy) TriggerRekey(suiteID, reason string) error {
	target := p.machine.Suite()
	if suiteID != "" {
		s, err := suites.Resolve(suiteID)
		if err != nil {
			return err
		}
		target = s.ID
	}
	res, err := p.machine.RequestPrepare(target, reason)
	if err != nil {
		return err
	}
	p.dispatchResult(res)
	return nil
}

// dispatchResult transmits a state machine result and queues any commit.
// The responder arms its pending rekey before the commit message leaves,
// so the initiator's handshake can never outrun the expectation.
func (p *Proxy) dispatchResult(res control.Result) {
	for _, note := range res.Notes {
		p.obs.OnControlEvent(note, nil)
	}
	if res.Commit != nil && p.role != constants.RoleDrone {
		p.armPending(*res.Commit)
	}
	if len(res.Send) > 0 {
		if err := p.sendControl(res.Send); err != nil {
			p.log.Warn("control send failed", metrics.Fields{"error": err.Error()})
		}
	}
	if res.Commit != nil {
		select {
		case p.commits <- *res.Commit:
		default:
			p.log.Error("commit queue full, dropping rekey", metrics.Fields{"nid": res.Commit.NID})
		}
	}
}

func (p *Proxy) armPending(commit control.Commit) {
	suite, err := suites.Resolve(commit.Suite)
	if err != nil {
		return
	}
	p.pendingMu.Lock()
	p.pending = &pendingRekey{nid: commit.NID, suite: suite, done: make(chan error, 1)}
	p.pendingMu.Unlock()
}

func (p *Proxy) sendControl(msgs []control.Message) error {
	p.chanMu.Lock()
	ch := p.channel
	p.chanMu.Unlock()
	if ch == nil {
		return fmt.Errorf("%w: control channel down", qerrors.ErrControlMessage)
	}
	return ch.SendAll(msgs)
}

func (p *Proxy) setChannel(ch *control.Channel) {
	p.chanMu.Lock()
	old := p.channel
	p.channel = ch
	p.chanMu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (p *Proxy) closeChannel() {
	p.chanMu.Lock()
	ch := p.channel
	p.channel = nil
	p.chanMu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// controlDialLoop keeps the drone's persistent control channel up.
func (p *Proxy) controlDialLoop(ctx context.Context) error {
	for {
		ch, err := p.dialControl(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		p.setChannel(ch)
		p.log.Debug("control channel connected", metrics.Fields{"remote": ch.RemoteAddr().String()})

		p.receiveControl(ch)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn("control channel lost, reconnecting")
	}
}

// dialControl connects to the peer's control listener, retrying with
// backoff until the context is done.
func (p *Proxy) dialControl(ctx context.Context) (*control.Channel, error) {
	d := net.Dialer{}
	backoff := 250 * time.Millisecond
	for {
		conn, err := d.DialContext(ctx, "tcp", p.cfg.Peer.Control)
		if err == nil {
			if _, werr := conn.Write([]byte{prefaceControl}); werr == nil {
				return control.NewChannel(conn), nil
			}
			conn.Close()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

// receiveControl pumps inbound messages into the machine until the channel
// dies.
func (p *Proxy) receiveControl(ch *control.Channel) {
	for {
		msg, err := ch.Receive()
		if err != nil {
			if errors.Is(err, qerrors.ErrControlMessage) {
				p.obs.OnControlEvent("malformed_message", metrics.Fields{"error": err.Error()})
				continue
			}
			return
		}
		p.obs.OnControlEvent("recv_"+msg.Kind, metrics.Fields{"nid": msg.NID})
		p.dispatchResult(p.machine.HandleMessage(msg))
	}
}

// acceptLoop serves the gcs control listener: handshake connections and the
// drone's control channel both land here, distinguished by the preface.
func (p *Proxy) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go p.handleInbound(ctx, conn)
	}
}

func (p *Proxy) handleInbound(ctx context.Context, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(p.cfg.Timeouts.Handshake))
	var preface [1]byte
	if _, err := io.ReadFull(conn, preface[:]); err != nil {
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch preface[0] {
	case prefaceControl:
		ch := control.NewChannel(conn)
		p.setChannel(ch)
		p.log.Debug("control channel accepted", metrics.Fields{"remote": conn.RemoteAddr().String()})
		p.receiveControl(ch)
	case prefaceHandshake:
		p.respondHandshake(ctx, conn)
	default:
		conn.Close()
	}
}

// respondHandshake runs the responder side of one handshake connection and
// installs the resulting epoch.
func (p *Proxy) respondHandshake(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip := remoteIP(conn)
	if !p.gate.Allow(ip) {
		p.obs.OnDrop(metrics.DropRateLimit, qerrors.ErrHandshakeLimited)
		return
	}

	suite := p.handshakeSuite()
	id, err := p.identity(suite)
	if err != nil {
		p.log.Error("identity unavailable", metrics.Fields{"error": err.Error()})
		return
	}

	hsCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeouts.Handshake)
	defer cancel()
	hsCtx, finish := p.obs.OnHandshake(hsCtx, suite.ID)

	res, err := handshake.Respond(hsCtx, conn, suite, id, p.psk)
	if err == nil {
		err = p.install(res)
	}
	finish(err)
	p.completePending(err)
}

// handshakeSuite picks the suite the responder offers: a committed rekey's
// target if one is pending, the active suite otherwise.
func (p *Proxy) handshakeSuite() suites.Suite {
	p.pendingMu.Lock()
	pending := p.pending
	p.pendingMu.Unlock()
	if pending != nil {
		return pending.suite
	}
	p.sessMu.Lock()
	defer p.sessMu.Unlock()
	return p.suite
}

func (p *Proxy) identity(suite suites.Suite) (*handshake.Identity, error) {
	seed, err := p.cfg.IdentitySeed()
	if err != nil {
		return nil, err
	}
	if seed == nil {
		return nil, fmt.Errorf("%w: identity seed not configured", qerrors.ErrConfig)
	}
	return handshake.IdentityFromSeed(suite.Sig.Scheme, seed)
}

func (p *Proxy) completePending(err error) {
	p.pendingMu.Lock()
	pending := p.pending
	p.pendingMu.Unlock()
	if pending != nil {
		select {
		case pending.done <- err:
		default:
		}
	}
}

// bootstrapHandshake establishes the drone's first session, retrying until
// it succeeds or the proxy stops.
func (p *Proxy) bootstrapHandshake(ctx context.Context) error {
	backoff := time.Second
	for {
		err := p.initiateHandshake(ctx, p.suiteNow())
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn("initial handshake failed, retrying", metrics.Fields{
			"error":   err.Error(),
			"backoff": backoff.String(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (p *Proxy) suiteNow() suites.Suite {
	p.sessMu.Lock()
	defer p.sessMu.Unlock()
	return p.suite
}

// initiateHandshake dials the responder, runs the exchange and installs the
// resulting epoch.
func (p *Proxy) initiateHandshake(ctx context.Context, suite suites.Suite) error {
	raw, err := p.cfg.PeerVerifyKey()
	if err != nil {
		return err
	}
	verifyKey, err := handshake.VerifyKeyFromBytes(suite.Sig.Scheme, raw)
	if err != nil {
		return err
	}

	hsCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeouts.Handshake)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(hsCtx, "tcp", p.cfg.Peer.Control)
	if err != nil {
		return qerrors.NewProtocolError("handshake", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{prefaceHandshake}); err != nil {
		return qerrors.NewProtocolError("handshake", err)
	}

	hsCtx, finish := p.obs.OnHandshake(hsCtx, suite.ID)
	res, err := handshake.Initiate(hsCtx, conn, suite, verifyKey, p.psk)
	if err == nil {
		err = p.install(res)
	}
	finish(err)
	return err
}

// --- Rekey execution ---

// rekeyLoop executes committed rekeys off the forwarding hot path.
func (p *Proxy) rekeyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case commit := <-p.commits:
			p.executeRekey(ctx, commit)
		}
	}
}

func (p *Proxy) executeRekey(ctx context.Context, commit control.Commit) {
	suite, err := suites.Resolve(commit.Suite)
	if err != nil {
		p.log.Error("committed suite unknown", metrics.Fields{"suite": commit.Suite})
		p.dispatchResult(p.machine.RecordRekeyResult(commit.NID, false))
		return
	}

	rkCtx, finish := p.obs.OnRekeyStart(ctx, commit.Reason, suite.ID)
	start := time.Now()

	if p.role == constants.RoleDrone {
		err = p.initiateHandshake(rkCtx, suite)
	} else {
		err = p.awaitRekeyHandshake(rkCtx, commit, suite)
	}

	blackout := time.Duration(0)
	if err == nil {
		// The old epoch keeps decrypting through the grace window, so the
		// observable outage is the span between commit and the swap.
		blackout = time.Since(start)
	}
	finish(err, blackout)
	p.dispatchResult(p.machine.RecordRekeyResult(commit.NID, err == nil))
}

// awaitRekeyHandshake arms the responder side of a committed rekey and
// waits for the initiator's handshake to land.
func (p *Proxy) awaitRekeyHandshake(ctx context.Context, commit control.Commit, suite suites.Suite) error {
	p.pendingMu.Lock()
	pending := p.pending
	if pending == nil || pending.nid != commit.NID {
		pending = &pendingRekey{nid: commit.NID, suite: suite, done: make(chan error, 1)}
		p.pending = pending
	}
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		p.pending = nil
		p.pendingMu.Unlock()
	}()

	select {
	case err := <-pending.done:
		return err
	case <-time.After(p.cfg.Timeouts.Rekey):
		return fmt.Errorf("%w: rekey handshake did not arrive", qerrors.ErrHandshake)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tickLoop drives control timeouts.
func (p *Proxy) tickLoop(ctx context.Context) error {
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.dispatchResult(p.machine.Tick())
		}
	}
}

// --- Reporting ---

// Status assembles the current snapshot.
func (p *Proxy) Status() Status {
	p.sessMu.Lock()
	suite := p.suite.ID
	epoch := p.epoch
	session := p.sessionID
	timings := p.timings
	p.sessMu.Unlock()

	st := Status{
		Version:   statusFileVersion,
		Role:      string(p.role),
		Suite:     suite,
		State:     p.machine.State().String(),
		HasKeys:   p.sender.Load() != nil,
		UpdatedAt: time.Now().UTC(),
		UptimeS:   time.Since(p.started).Seconds(),
		Handshake: timings,
		Control:   p.machine.Stats(),
		Metrics:   p.obs.Collector().Snapshot(),
	}
	if epoch >= 0 {
		st.Epoch = uint64(epoch)
		st.SessionID = hex.EncodeToString(session[:])
	}
	return st
}

// statusLoop rewrites the status file every interval.
func (p *Proxy) statusLoop(ctx context.Context) error {
	t := time.NewTicker(p.cfg.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := writeStatusFile(p.cfg.StatusFile, p.Status()); err != nil {
				p.log.Warn("status file write failed", metrics.Fields{"error": err.Error()})
			}
		}
	}
}

// metricsLoop serves /metrics and /health until shutdown.
func (p *Proxy) metricsLoop(ctx context.Context) error {
	srv := metrics.NewServer(metrics.ServerConfig{
		Collector: p.obs.Collector(),
		Version:   version.String(),
	})
	hs := &http.Server{
		Addr:              p.cfg.Listen.Metrics,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(shCtx)
	}()
	if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func remoteIP(conn net.Conn) string {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err == nil {
		return host
	}
	return conn.RemoteAddr().String()
}
