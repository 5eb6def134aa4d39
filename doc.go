// Package skybridge provides a post-quantum bump-in-the-wire UDP tunnel for
// drone-to-ground-station links.
//
// Skybridge sits between an application speaking plaintext UDP (for example a
// flight controller or MAVLink router) and an untrusted network, protecting
// each datagram with an authenticated post-quantum channel. Key establishment
// uses ML-KEM (NIST FIPS 203) encapsulation authenticated by ML-DSA (NIST
// FIPS 204) signatures, and the data plane uses AES-256-GCM or
// ChaCha20-Poly1305 with deterministic nonces derived from an epoch and
// sequence counter.
//
// # Quick Start
//
// Run a ground-station proxy from configuration:
//
//	import (
//		"github.com/pqsky/skybridge/internal/config"
//		"github.com/pqsky/skybridge/pkg/metrics"
//		"github.com/pqsky/skybridge/pkg/proxy"
//	)
//
//	cfg, _ := config.Load("gcs.yaml")
//	p, _ := proxy.New(cfg, metrics.NewProxyObserver(metrics.ProxyObserverConfig{}))
//	p.Run(ctx)
//
// For low-level access to the handshake and framing layers:
//
//	import (
//		"github.com/pqsky/skybridge/pkg/framing"
//		"github.com/pqsky/skybridge/pkg/handshake"
//		"github.com/pqsky/skybridge/pkg/suites"
//	)
//
//	suite, _ := suites.Resolve("cs-mlkem768-aesgcm-mldsa65")
//	eph, _ := handshake.BuildServerHello(suite, identity, nil)
//
// # Package Structure
//
//   - pkg/suites: registry of negotiable cipher suites (KEM, signature, AEAD)
//   - pkg/handshake: signature-authenticated KEM handshake and key derivation
//   - pkg/framing: AEAD packet framing, replay protection, epoch management
//   - pkg/control: two-phase rekey negotiation state machine
//   - pkg/proxy: the dataplane proxy tying handshake, framing and control together
//   - pkg/metrics: counters, histograms, structured logging and tracing
//   - internal/config: YAML configuration loading and validation
//   - internal/constants: wire format constants and protocol limits
//   - internal/errors: error taxonomy shared across packages
//
// # Security Properties
//
//   - Post-quantum confidentiality: ML-KEM-512/768/1024 key encapsulation
//   - Post-quantum authenticity: ML-DSA-44/65/87 responder signatures
//   - Initiator authentication: HMAC-SHA256 tag keyed by a pre-shared key
//   - Authenticated encryption: AES-256-GCM or ChaCha20-Poly1305, header bound as AAD
//   - Replay protection: sliding window over the 64-bit sequence counter
//   - Forward secrecy across rekeys: every epoch runs a fresh encapsulation
//
// # Roles
//
// Each endpoint has a fixed role. The ground station ("gcs") is the handshake
// responder; the drone is the initiator. Rekey negotiation has its own
// coordinator/follower split which is independent of the handshake roles.
package skybridge
