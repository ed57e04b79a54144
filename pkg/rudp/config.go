package rudp

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMTU, maxPayloadCap and the rest of the package-level constants
// mirror the spec's literal defaults; Config lets cmd/rudpcat and other
// embedders override them without touching code.
const (
	defaultMTU               = 128
	maxPayloadCap            = 64
	headerOverhead           = HeaderSize
	defaultRTO               = 4 * time.Second
	defaultRetransmitTick    = 100 * time.Millisecond
	defaultHandshakeInterval = 500 * time.Millisecond
	defaultHandshakeWait     = 2 * time.Second
)

// Config tunes the knobs the spec calls out as configurable: MTU, window
// size, RTO, and the two background-loop tick intervals. Loaded from YAML
// for cmd/rudpcat; DefaultConfig() is what Listen/Dial use when the caller
// doesn't supply one.
type Config struct {
	MTU                int           `yaml:"mtu"`
	WindowSize         int           `yaml:"window_size"`
	RTO                time.Duration `yaml:"rto"`
	RetransmitTick     time.Duration `yaml:"retransmit_tick"`
	HandshakeInterval  time.Duration `yaml:"handshake_interval"`
	HandshakeCloseWait time.Duration `yaml:"handshake_close_wait"`
}

// DefaultConfig returns the spec's literal defaults: MTU 128, window 4,
// RTO 4s, retransmit tick 100ms, handshake retry 500ms.
func DefaultConfig() Config {
	return Config{
		MTU:                defaultMTU,
		WindowSize:         DefaultWindowSize,
		RTO:                defaultRTO,
		RetransmitTick:     defaultRetransmitTick,
		HandshakeInterval:  defaultHandshakeInterval,
		HandshakeCloseWait: defaultHandshakeWait,
	}
}

// maxPayload returns min(64, MTU-20), the per-segment payload ceiling.
func (c Config) maxPayload() int {
	p := c.MTU - headerOverhead
	if p > maxPayloadCap {
		p = maxPayloadCap
	}
	if p < 0 {
		p = 0
	}
	return p
}

// normalize fills in any zero-valued field with its DefaultConfig
// counterpart, so a partially-specified YAML file behaves sensibly.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MTU <= 0 {
		c.MTU = def.MTU
	}
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.RTO <= 0 {
		c.RTO = def.RTO
	}
	if c.RetransmitTick <= 0 {
		c.RetransmitTick = def.RetransmitTick
	}
	if c.HandshakeInterval <= 0 {
		c.HandshakeInterval = def.HandshakeInterval
	}
	if c.HandshakeCloseWait <= 0 {
		c.HandshakeCloseWait = def.HandshakeCloseWait
	}
	return c
}

// LoadConfig reads a YAML config file from path and normalizes it against
// DefaultConfig for any field left unset.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, err
	}
	return c.normalize(), nil
}
