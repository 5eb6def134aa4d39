// Package config loads and validates the tunnel endpoint configuration.
//
// Configuration comes from a YAML file plus a small set of environment
// overrides for material that must not live on disk (the handshake PSK).
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
	"github.com/pqsky/skybridge/pkg/suites"
)

// EnvPSK overrides psk_hex from the environment.
const EnvPSK = "SKYBRIDGE_PSK"

// Listen groups the local sockets an endpoint binds.
type Listen struct {
	// App is the UDP socket the protected application talks to.
	App string `yaml:"app"`

	// Data is the UDP socket facing the untrusted network.
	Data string `yaml:"data"`

	// Control is the TCP listener for rekey negotiation (follower side)
	// and for handshakes (responder side).
	Control string `yaml:"control"`

	// Command is the optional TCP listener for operator commands.
	// Empty disables the command surface.
	Command string `yaml:"command"`

	// Metrics is the optional HTTP listener for /metrics and /health.
	// Empty disables the observability server.
	Metrics string `yaml:"metrics"`
}

// Peer groups the remote endpoints.
type Peer struct {
	// Data is the peer's encrypted UDP endpoint.
	Data string `yaml:"data"`

	// Control is the peer's control/handshake TCP endpoint.
	Control string `yaml:"control"`
}

// Timeouts bounds the blocking operations. Zero values take defaults.
type Timeouts struct {
	Handshake time.Duration `yaml:"handshake"`
	Rekey     time.Duration `yaml:"rekey"`
	Control   time.Duration `yaml:"control"`
}

// Limits tunes the dataplane protections. Zero values take defaults.
type Limits struct {
	// ReplayWindow is the anti-replay window size in packets.
	ReplayWindow int `yaml:"replay_window"`

	// SeqLimit caps the per-epoch sequence counter; reaching it forces
	// a rekey.
	SeqLimit uint64 `yaml:"seq_limit"`

	// EpochGrace keeps the previous epoch's keys accepting packets for
	// this long after a rekey.
	EpochGrace time.Duration `yaml:"epoch_grace"`

	// RatePPS caps forwarded packets per second per direction.
	// 0 disables rate limiting.
	RatePPS float64 `yaml:"rate_pps"`

	// RateBurst is the token bucket depth for RatePPS.
	RateBurst int `yaml:"rate_burst"`

	// HandshakeRate caps inbound handshake attempts per second per
	// source IP on the responder.
	HandshakeRate float64 `yaml:"handshake_rate"`

	// HandshakeBurst is the token bucket depth for HandshakeRate.
	HandshakeBurst int `yaml:"handshake_burst"`
}

// Config is the full endpoint configuration.
type Config struct {
	// Role is "drone" or "gcs".
	Role constants.Role `yaml:"role"`

	// Coordinator names the role that wins crossed rekey negotiations.
	// Default: gcs.
	Coordinator constants.Role `yaml:"coordinator"`

	// Suite is the cryptographic suite identifier or alias.
	// Default: the registry default.
	Suite string `yaml:"suite"`

	// PSKHex is the hex-encoded pre-shared key authenticating handshake
	// initiators. EnvPSK overrides it.
	PSKHex string `yaml:"psk_hex"`

	// PeerVerifyKeyHex is the peer responder's hex-encoded signature
	// public key. Required on the initiator.
	PeerVerifyKeyHex string `yaml:"peer_verify_key_hex"`

	// IdentitySeedHex deterministically derives this endpoint's signing
	// key. Required on the responder.
	IdentitySeedHex string `yaml:"identity_seed_hex"`

	Listen   Listen   `yaml:"listen"`
	Peer     Peer     `yaml:"peer"`
	Timeouts Timeouts `yaml:"timeouts"`
	Limits   Limits   `yaml:"limits"`

	// StrictSourceAddr drops encrypted packets whose source address does
	// not match the configured peer.
	StrictSourceAddr bool `yaml:"strict_source_addr"`

	// StatusFile periodically receives a JSON status snapshot via
	// atomic rename. Empty disables it.
	StatusFile string `yaml:"status_file"`

	// StatusInterval is the status file refresh period.
	StatusInterval time.Duration `yaml:"status_interval"`

	// CommandAllow lists IPs permitted on the command listener.
	// Empty means loopback only.
	CommandAllow []string `yaml:"command_allow"`

	// LogLevel is debug, info, warn, error or silent. Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat is text or json. Default: text.
	LogFormat string `yaml:"log_format"`
}

// Default returns a Config with every optional knob at its default.
func Default() Config {
	return Config{
		Coordinator: constants.RoleGCS,
		Suite:       suites.DefaultSuiteID,
		Timeouts: Timeouts{
			Handshake: constants.DefaultHandshakeTimeout,
			Rekey:     constants.DefaultRekeyTimeout,
			Control:   constants.DefaultControlTimeout,
		},
		Limits: Limits{
			ReplayWindow:   constants.DefaultReplayWindow,
			SeqLimit:       constants.DefaultSeqLimit,
			EpochGrace:     constants.DefaultEpochGrace,
			HandshakeRate:  constants.DefaultHandshakeRate,
			HandshakeBurst: constants.DefaultHandshakeBurst,
		},
		StatusInterval: constants.DefaultStatusInterval,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads, overlays and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", qerrors.ErrConfig, path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and defaults, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", qerrors.ErrConfig, err)
	}
	if psk := os.Getenv(EnvPSK); psk != "" {
		cfg.PSKHex = psk
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Coordinator == "" {
		c.Coordinator = d.Coordinator
	}
	if c.Suite == "" {
		c.Suite = d.Suite
	}
	if c.Timeouts.Handshake == 0 {
		c.Timeouts.Handshake = d.Timeouts.Handshake
	}
	if c.Timeouts.Rekey == 0 {
		c.Timeouts.Rekey = d.Timeouts.Rekey
	}
	if c.Timeouts.Control == 0 {
		c.Timeouts.Control = d.Timeouts.Control
	}
	if c.Limits.ReplayWindow == 0 {
		c.Limits.ReplayWindow = d.Limits.ReplayWindow
	}
	if c.Limits.SeqLimit == 0 {
		c.Limits.SeqLimit = d.Limits.SeqLimit
	}
	if c.Limits.EpochGrace == 0 {
		c.Limits.EpochGrace = d.Limits.EpochGrace
	}
	if c.Limits.HandshakeRate == 0 {
		c.Limits.HandshakeRate = d.Limits.HandshakeRate
	}
	if c.Limits.HandshakeBurst == 0 {
		c.Limits.HandshakeBurst = d.Limits.HandshakeBurst
	}
	if c.Limits.RatePPS > 0 && c.Limits.RateBurst == 0 {
		c.Limits.RateBurst = int(c.Limits.RatePPS)
		if c.Limits.RateBurst < 1 {
			c.Limits.RateBurst = 1
		}
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !c.Role.Valid() {
		return fmt.Errorf("%w: role must be %q or %q, got %q",
			qerrors.ErrConfig, constants.RoleDrone, constants.RoleGCS, c.Role)
	}
	if !c.Coordinator.Valid() {
		return fmt.Errorf("%w: coordinator must be %q or %q, got %q",
			qerrors.ErrConfig, constants.RoleDrone, constants.RoleGCS, c.Coordinator)
	}
	if _, err := suites.Resolve(c.Suite); err != nil {
		return fmt.Errorf("%w: suite: %v", qerrors.ErrConfig, err)
	}

	if c.PSKHex == "" {
		return fmt.Errorf("%w: psk_hex (or %s) is required", qerrors.ErrConfig, EnvPSK)
	}
	if _, err := c.PSK(); err != nil {
		return err
	}
	if c.PeerVerifyKeyHex != "" {
		if _, err := hex.DecodeString(c.PeerVerifyKeyHex); err != nil {
			return fmt.Errorf("%w: peer_verify_key_hex: %v", qerrors.ErrConfig, err)
		}
	}
	if c.IdentitySeedHex != "" {
		if _, err := hex.DecodeString(c.IdentitySeedHex); err != nil {
			return fmt.Errorf("%w: identity_seed_hex: %v", qerrors.ErrConfig, err)
		}
	}
	if c.Role == constants.RoleDrone && c.PeerVerifyKeyHex == "" {
		return fmt.Errorf("%w: peer_verify_key_hex is required on the drone", qerrors.ErrConfig)
	}
	if c.Role == constants.RoleGCS && c.IdentitySeedHex == "" {
		return fmt.Errorf("%w: identity_seed_hex is required on the gcs", qerrors.ErrConfig)
	}

	for name, addr := range map[string]string{
		"listen.app":  c.Listen.App,
		"listen.data": c.Listen.Data,
		"peer.data":   c.Peer.Data,
	} {
		if addr == "" {
			return fmt.Errorf("%w: %s is required", qerrors.ErrConfig, name)
		}
		if _, err := net.ResolveUDPAddr("udp", addr); err != nil {
			return fmt.Errorf("%w: %s: %v", qerrors.ErrConfig, name, err)
		}
	}
	if c.Role == constants.RoleGCS && c.Listen.Control == "" {
		return fmt.Errorf("%w: listen.control is required on the gcs", qerrors.ErrConfig)
	}
	if c.Role == constants.RoleDrone && c.Peer.Control == "" {
		return fmt.Errorf("%w: peer.control is required on the drone", qerrors.ErrConfig)
	}

	if c.Limits.ReplayWindow < constants.MinReplayWindow {
		return fmt.Errorf("%w: limits.replay_window must be at least %d",
			qerrors.ErrConfig, constants.MinReplayWindow)
	}
	if c.Limits.SeqLimit > constants.DefaultSeqLimit {
		return fmt.Errorf("%w: limits.seq_limit exceeds %d", qerrors.ErrConfig, constants.DefaultSeqLimit)
	}
	if c.Limits.RatePPS < 0 || c.Limits.RateBurst < 0 {
		return fmt.Errorf("%w: rate limits cannot be negative", qerrors.ErrConfig)
	}
	if c.Limits.EpochGrace < 0 {
		return fmt.Errorf("%w: limits.epoch_grace cannot be negative", qerrors.ErrConfig)
	}
	for _, ip := range c.CommandAllow {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("%w: command_allow: invalid ip %q", qerrors.ErrConfig, ip)
		}
	}
	return nil
}

// PSK decodes the pre-shared key.
func (c *Config) PSK() ([]byte, error) {
	psk, err := hex.DecodeString(c.PSKHex)
	if err != nil {
		return nil, fmt.Errorf("%w: psk_hex: %v", qerrors.ErrConfig, err)
	}
	if len(psk) < 16 {
		return nil, fmt.Errorf("%w: psk must be at least 16 bytes, got %d", qerrors.ErrConfig, len(psk))
	}
	return psk, nil
}

// PeerVerifyKey decodes the peer's signature public key, or nil when unset.
func (c *Config) PeerVerifyKey() ([]byte, error) {
	if c.PeerVerifyKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.PeerVerifyKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: peer_verify_key_hex: %v", qerrors.ErrConfig, err)
	}
	return key, nil
}

// IdentitySeed decodes the identity seed, or nil when unset.
func (c *Config) IdentitySeed() ([]byte, error) {
	if c.IdentitySeedHex == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.IdentitySeedHex)
	if err != nil {
		return nil, fmt.Errorf("%w: identity_seed_hex: %v", qerrors.ErrConfig, err)
	}
	return seed, nil
}
