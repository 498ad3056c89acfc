// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/patchbay-dev/patchbay/bridge"
)

// EnvironmentVariable names the config file when no flag is given.
const EnvironmentVariable = "PATCHBAY_CONFIG"

// Config is the router configuration.
type Config struct {
	Router RouterConfig `yaml:"router" json:"router"`
	Listen ListenConfig `yaml:"listen" json:"listen"`

	// MetricsAddress serves Prometheus metrics on /metrics when set.
	MetricsAddress string `yaml:"metrics_address" json:"metrics_address"`

	// StateFile persists the bridge table across restarts when set.
	StateFile string `yaml:"state_file" json:"state_file"`

	Signaling SignalingConfig `yaml:"signaling" json:"signaling"`

	// Bridges are created at startup, before any persisted ones.
	Bridges []bridge.Config `yaml:"bridges" json:"bridges"`
}

// RouterConfig configures the router core.
type RouterConfig struct {
	ID string `yaml:"id" json:"id"`

	// QueueSize bounds each destination's queue. Overflow drops the
	// oldest message.
	QueueSize int `yaml:"queue_size" json:"queue_size"`

	// StateLimit bounds how many addresses keep a last value for late
	// subscribers. Zero uses the router default; negative disables it.
	StateLimit int `yaml:"state_limit" json:"state_limit"`
}

// ListenConfig names the addresses remote clients connect to. Empty
// disables the listener.
type ListenConfig struct {
	TCP       string `yaml:"tcp" json:"tcp"`
	WebSocket string `yaml:"websocket" json:"websocket"`
}

// SignalingConfig configures the router's own signaling peer and the
// limits applied to its sessions.
type SignalingConfig struct {
	// PeerID is the router's name on the signaling relay. Empty means
	// the router id.
	PeerID string `yaml:"peer_id" json:"peer_id"`

	AnswerTimeout  Duration `yaml:"answer_timeout" json:"answer_timeout"`
	ConnectTimeout Duration `yaml:"connect_timeout" json:"connect_timeout"`
	CloseGrace     Duration `yaml:"close_grace" json:"close_grace"`
	MaxSessions    int      `yaml:"max_sessions" json:"max_sessions"`
	MaxCandidates  int      `yaml:"max_candidates" json:"max_candidates"`

	// ICEServers are STUN or TURN URLs. Empty means host candidates
	// only.
	ICEServers    []string `yaml:"ice_servers" json:"ice_servers"`
	ICEUsername   string   `yaml:"ice_username" json:"ice_username"`
	ICECredential string   `yaml:"ice_credential" json:"ice_credential"`
}

// Duration is a time.Duration written as a Go duration string ("30s")
// in both YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the configuration a file is loaded over.
func Default() *Config {
	return &Config{
		Router: RouterConfig{
			ID:        "main",
			QueueSize: 1024,
		},
		Signaling: SignalingConfig{
			AnswerTimeout:  Duration(30 * time.Second),
			ConnectTimeout: Duration(30 * time.Second),
			CloseGrace:     Duration(10 * time.Second),
			MaxSessions:    64,
			MaxCandidates:  128,
		},
	}
}

// Load loads the file named by PATCHBAY_CONFIG. It fails when the
// variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your patchbay config file, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads and validates the file at path.
func LoadFile(path string) (*Config, error) {
	config := Default()
	if err := config.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	config.expandVariables()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return json.Unmarshal(jsonc.ToJSON(data), c)
	default:
		return yaml.Unmarshal(data, c)
	}
}

func (c *Config) expandVariables() {
	c.StateFile = expandVars(c.StateFile)
	for i := range c.Bridges {
		record := &c.Bridges[i]
		record.Source.Endpoint = expandVars(record.Source.Endpoint)
		expandOptions(record.Source.Options)
		if record.Target.Adapter != nil {
			record.Target.Adapter.Endpoint = expandVars(record.Target.Adapter.Endpoint)
			expandOptions(record.Target.Adapter.Options)
		}
	}
}

func expandOptions(options map[string]string) {
	for key, value := range options {
		options[key] = expandVars(value)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Router.ID == "" {
		errs = append(errs, errors.New("router.id is required"))
	}
	if c.Router.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("router.queue_size must be positive, got %d", c.Router.QueueSize))
	}
	if c.Signaling.AnswerTimeout <= 0 || c.Signaling.ConnectTimeout <= 0 || c.Signaling.CloseGrace < 0 {
		errs = append(errs, errors.New("signaling timeouts must be positive"))
	}
	if c.Signaling.MaxSessions < 1 || c.Signaling.MaxCandidates < 1 {
		errs = append(errs, errors.New("signaling.max_sessions and signaling.max_candidates must be positive"))
	}

	seen := make(map[string]bool)
	for i, record := range c.Bridges {
		if record.ID == "" {
			errs = append(errs, fmt.Errorf("bridges[%d]: id is required", i))
			continue
		}
		if seen[record.ID] {
			errs = append(errs, fmt.Errorf("bridges[%d]: duplicate id %q", i, record.ID))
		}
		seen[record.ID] = true
		if err := validateBridge(record); err != nil {
			errs = append(errs, fmt.Errorf("bridges[%d] (%s): %w", i, record.ID, err))
		}
	}

	return errors.Join(errs...)
}

func validateBridge(record bridge.Config) error {
	if record.Source.Protocol == 0 {
		return errors.New("source.protocol is required")
	}
	if record.Source.Endpoint == "" {
		return errors.New("source.endpoint is required")
	}
	hasRouter := record.Target.Router != ""
	hasAdapter := record.Target.Adapter != nil
	switch {
	case hasRouter == hasAdapter:
		return errors.New("target needs exactly one of router or adapter")
	case hasAdapter && len(record.Subscriptions) > 0:
		return errors.New("direct bridges take no subscriptions")
	}
	return bridge.ValidateMappings(record.Mappings)
}

// SignalingID is the router's peer id on the relay.
func (c *Config) SignalingID() string {
	if c.Signaling.PeerID != "" {
		return c.Signaling.PeerID
	}
	return c.Router.ID
}
