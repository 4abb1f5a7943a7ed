package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Server is the relay's top-level configuration.
type Server struct {
	// Listen is the address for the HTTP/WebSocket listener.
	Listen string `yaml:"listen"`
	// AdminToken gates the administrative endpoints. Empty disables them.
	AdminToken string `yaml:"admin_token"`

	Redis           Redis           `yaml:"redis"`
	ChallengeServer ChallengeServer `yaml:"challenge_server"`
	Verification    Verification    `yaml:"verification"`
	Session         Session         `yaml:"session"`
	Shutdown        Shutdown        `yaml:"shutdown"`
}

// Redis configures the shared coordination store.
type Redis struct {
	Addr string `yaml:"addr"`
}

// ChallengeServer configures the remote challenge-coordination peer.
type ChallengeServer struct {
	URL string `yaml:"url"`
	// Local selects the in-memory coordination backend instead of the
	// remote peer. Intended for isolated development.
	Local bool `yaml:"local"`
}

// Verification configures the connecting-client policy.
type Verification struct {
	// MinRuntimeVersion is the initial minimum accepted client runtime
	// version, refreshed from the shared store at runtime.
	MinRuntimeVersion string `yaml:"min_runtime_version"`
	// RevisionsFile lists allowed plugin build revisions, one per line.
	RevisionsFile string `yaml:"revisions_file"`
}

// Session tunes per-connection loop intervals.
type Session struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatThreshold int           `yaml:"heartbeat_threshold"`
	DispatchInterval   time.Duration `yaml:"dispatch_interval"`
}

// UnmarshalYAML accepts Go duration strings ("5s", "20ms") for the
// interval fields.
func (s *Session) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		HeartbeatInterval  string `yaml:"heartbeat_interval"`
		HeartbeatThreshold int    `yaml:"heartbeat_threshold"`
		DispatchInterval   string `yaml:"dispatch_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	s.HeartbeatThreshold = raw.HeartbeatThreshold
	var err error
	if s.HeartbeatInterval, err = parseDuration(raw.HeartbeatInterval); err != nil {
		return fmt.Errorf("heartbeat_interval: %w", err)
	}
	if s.DispatchInterval, err = parseDuration(raw.DispatchInterval); err != nil {
		return fmt.Errorf("dispatch_interval: %w", err)
	}
	return nil
}

// Shutdown tunes the shutdown orchestrator.
type Shutdown struct {
	DefaultDuration time.Duration `yaml:"default_duration"`
}

// UnmarshalYAML accepts Go duration strings ("30m") for the lead time.
func (s *Shutdown) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		DefaultDuration string `yaml:"default_duration"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	var err error
	if s.DefaultDuration, err = parseDuration(raw.DefaultDuration); err != nil {
		return fmt.Errorf("default_duration: %w", err)
	}
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

// ApplyDefaults fills in default values for unset fields.
func (c *Server) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListenAddr
	}
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Session.HeartbeatThreshold == 0 {
		c.Session.HeartbeatThreshold = DefaultHeartbeatThreshold
	}
	if c.Session.DispatchInterval == 0 {
		c.Session.DispatchInterval = DefaultDispatchInterval
	}
	if c.Shutdown.DefaultDuration == 0 {
		c.Shutdown.DefaultDuration = DefaultShutdownDuration
	}
}

// Validate checks that required external configuration is present. A missing
// value here refuses process start.
func (c *Server) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if !c.ChallengeServer.Local && c.ChallengeServer.URL == "" {
		return fmt.Errorf("challenge_server.url is required")
	}
	return nil
}
