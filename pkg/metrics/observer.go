package metrics

import (
	"context"
	"encoding/hex"
	"time"
)

// ProxyObserver bundles the collector, tracer and logger for one proxy
// instance and exposes hooks the dataplane calls at each stage. Keeping the
// instrumentation here keeps the forwarding loops free of logging decisions.
type ProxyObserver struct {
	collector *Collector
	tracer    Tracer
	logger    *Logger
	role      string
}

// ProxyObserverConfig configures a proxy observer.
type ProxyObserverConfig struct {
	Collector *Collector
	Tracer    Tracer
	Logger    *Logger
	Role      string // "drone" or "gcs"
}

// NewProxyObserver creates a new proxy observer.
func NewProxyObserver(cfg ProxyObserverConfig) *ProxyObserver {
	if cfg.Collector == nil {
		cfg.Collector = Global()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = GetTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = GetLogger()
	}
	return &ProxyObserver{
		collector: cfg.Collector,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger.Named("proxy").With(Fields{"role": cfg.Role}),
		role:      cfg.Role,
	}
}

// Collector returns the observer's collector.
func (o *ProxyObserver) Collector() *Collector { return o.collector }

// Logger returns the observer's logger for custom logging.
func (o *ProxyObserver) Logger() *Logger { return o.logger }

// OnHandshake returns a completion function for a handshake attempt.
func (o *ProxyObserver) OnHandshake(ctx context.Context, suite string) (context.Context, func(error)) {
	start := time.Now()
	ctx, endSpan := o.tracer.StartSpan(ctx, SpanHandshakeInitiate,
		WithAttributes(SpanAttributes{Role: o.role, Suite: suite}.ToMap()))

	o.logger.Debug("handshake started", Fields{"suite": suite})

	return ctx, func(err error) {
		duration := time.Since(start)
		o.collector.RecordHandshakeLatency(duration)
		if err != nil {
			o.logger.Error("handshake failed", Fields{
				"suite":    suite,
				"error":    err.Error(),
				"duration": duration.String(),
			})
		} else {
			o.logger.Info("handshake completed", Fields{
				"suite":    suite,
				"duration": duration.String(),
			})
		}
		endSpan(err)
	}
}

// OnSessionEstablished logs a freshly installed epoch.
func (o *ProxyObserver) OnSessionEstablished(sessionID []byte, suite string, epoch uint64) {
	o.logger.Info("epoch installed", Fields{
		"session_id": hex.EncodeToString(sessionID),
		"suite":      suite,
		"epoch":      epoch,
	})
}

// OnEncrypt records a seal operation; the returned func takes the outcome.
func (o *ProxyObserver) OnEncrypt(plaintextLen int) func(error) {
	start := time.Now()
	return func(err error) {
		o.collector.RecordEncryptLatency(time.Since(start))
		if err == nil {
			o.collector.RecordPlaintextIn(plaintextLen)
		}
	}
}

// OnDecrypt records an open operation; the returned func takes the outcome.
func (o *ProxyObserver) OnDecrypt(ciphertextLen int) func(error) {
	start := time.Now()
	return func(err error) {
		o.collector.RecordDecryptLatency(time.Since(start))
		if err == nil {
			o.collector.RecordEncryptedIn(ciphertextLen)
		}
	}
}

// OnDrop counts a discarded packet and logs it at debug level; per-packet
// drops must never spam the operator log at info.
func (o *ProxyObserver) OnDrop(reason DropReason, err error) {
	o.collector.RecordDrop(reason)
	fields := Fields{"reason": reason.String()}
	if err != nil {
		fields["error"] = err.Error()
	}
	o.logger.Debug("packet dropped", fields)
}

// OnRekeyStart records the start of a rekey; the returned function records
// the outcome and closes the span.
func (o *ProxyObserver) OnRekeyStart(ctx context.Context, reason, suite string) (context.Context, func(err error, blackout time.Duration)) {
	o.collector.RecordRekeyInitiated(reason)
	start := time.Now()
	ctx, endSpan := o.tracer.StartSpan(ctx, SpanRekey,
		WithAttributes(SpanAttributes{Role: o.role, Suite: suite}.ToMap()))

	o.logger.Info("rekey started", Fields{"reason": reason, "suite": suite})

	return ctx, func(err error, blackout time.Duration) {
		duration := time.Since(start)
		if err != nil {
			o.collector.RecordRekeyFailed()
			o.logger.Error("rekey failed", Fields{
				"reason":   reason,
				"error":    err.Error(),
				"duration": duration.String(),
			})
		} else {
			o.collector.RecordRekeyCompleted(duration, blackout)
			o.logger.Info("rekey completed", Fields{
				"duration": duration.String(),
				"blackout": blackout.String(),
			})
		}
		endSpan(err)
	}
}

// OnControlEvent logs a control-plane transition.
func (o *ProxyObserver) OnControlEvent(event string, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["event"] = event
	o.logger.Debug("control", fields)
}
