package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultConfigPath is the path to the canonical bridge defaults file.
const DefaultConfigPath = "config/bridge.defaults.json"

// maxFileSize bounds config files read from disk.
const maxFileSize = 1 * 1024 * 1024 // 1MB

// BridgeConfig holds the bridge daemon settings. Every field is optional;
// the Get* accessors supply defaults for anything left out, so partial
// configs are safe.
type BridgeConfig struct {
	// Listener
	Host          *string `json:"host,omitempty"`
	Port          *int    `json:"port,omitempty"`
	PollInterval  *string `json:"poll_interval,omitempty"` // duration string like "100ms"
	StopTimeout   *string `json:"stop_timeout,omitempty"`
	RcvBuf        *int    `json:"rcv_buf,omitempty"`
	EventBuffer   *int    `json:"event_buffer,omitempty"`
	StatsInterval *string `json:"stats_interval,omitempty"` // "0s" disables periodic stats

	// Host integration
	ForwardAddress *string  `json:"forward_address,omitempty"` // host:port, empty disables forwarding
	RecordPath     *string  `json:"record_path,omitempty"`     // sqlite file, empty disables recording
	VersionFile    *string  `json:"version_file,omitempty"`
	LogEvery       *int     `json:"log_every,omitempty"` // log one frame summary per N frames, 0 disables
	ReplaySpeed    *float64 `json:"replay_speed,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyBridgeConfig returns a BridgeConfig with every field unset.
func EmptyBridgeConfig() *BridgeConfig {
	return &BridgeConfig{}
}

// LoadBridgeConfig loads a BridgeConfig from a JSON file. The file must have
// a .json extension and be under 1MB.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyBridgeConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. It panics if the file
// cannot be loaded and is intended for test setup.
func MustLoadDefaultConfig() *BridgeConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tools/frame-plot/
	}
	for _, path := range candidates {
		if cfg, err := LoadBridgeConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *BridgeConfig) Validate() error {
	if c.Host != nil {
		ip := net.ParseIP(*c.Host)
		if *c.Host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			return fmt.Errorf("host must be a loopback address, got %q", *c.Host)
		}
	}

	if c.Port != nil && (*c.Port < 1 || *c.Port > 65535) {
		return fmt.Errorf("port must be between 1 and 65535, got %d", *c.Port)
	}

	for name, value := range map[string]*string{
		"poll_interval": c.PollInterval,
		"stop_timeout":  c.StopTimeout,
	} {
		if value == nil {
			continue
		}
		d, err := time.ParseDuration(*value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *value)
		}
	}

	if c.StatsInterval != nil {
		d, err := time.ParseDuration(*c.StatsInterval)
		if err != nil {
			return fmt.Errorf("invalid stats_interval '%s': %w", *c.StatsInterval, err)
		}
		if d < 0 {
			return fmt.Errorf("stats_interval must not be negative, got %s", *c.StatsInterval)
		}
	}

	if c.RcvBuf != nil && *c.RcvBuf < 0 {
		return fmt.Errorf("rcv_buf must be non-negative, got %d", *c.RcvBuf)
	}
	if c.EventBuffer != nil && *c.EventBuffer < 1 {
		return fmt.Errorf("event_buffer must be at least 1, got %d", *c.EventBuffer)
	}
	if c.LogEvery != nil && *c.LogEvery < 0 {
		return fmt.Errorf("log_every must be non-negative, got %d", *c.LogEvery)
	}
	if c.ReplaySpeed != nil && *c.ReplaySpeed < 0 {
		return fmt.Errorf("replay_speed must be non-negative, got %g", *c.ReplaySpeed)
	}

	if c.ForwardAddress != nil && *c.ForwardAddress != "" {
		if _, _, err := c.GetForwardHostPort(); err != nil {
			return err
		}
	}

	return nil
}

// GetHost returns the bind host or the loopback default.
func (c *BridgeConfig) GetHost() string {
	if c.Host == nil || *c.Host == "" {
		return "127.0.0.1"
	}
	return *c.Host
}

// GetPort returns the bind port or the default bridge port.
func (c *BridgeConfig) GetPort() int {
	if c.Port == nil {
		return 7278
	}
	return *c.Port
}

// GetPollInterval returns the receive poll interval.
func (c *BridgeConfig) GetPollInterval() time.Duration {
	return parseDurationOr(c.PollInterval, 100*time.Millisecond)
}

// GetStopTimeout returns the bound on listener shutdown.
func (c *BridgeConfig) GetStopTimeout() time.Duration {
	return parseDurationOr(c.StopTimeout, 500*time.Millisecond)
}

// GetStatsInterval returns how often stats are published; zero disables.
func (c *BridgeConfig) GetStatsInterval() time.Duration {
	return parseDurationOr(c.StatsInterval, 10*time.Second)
}

// GetRcvBuf returns the socket receive buffer size; zero keeps the OS
// default.
func (c *BridgeConfig) GetRcvBuf() int {
	if c.RcvBuf == nil {
		return 1 << 20
	}
	return *c.RcvBuf
}

// GetEventBuffer returns the notification queue size.
func (c *BridgeConfig) GetEventBuffer() int {
	if c.EventBuffer == nil {
		return 1024
	}
	return *c.EventBuffer
}

// GetForwardAddress returns the forwarding destination, or "" when
// forwarding is disabled.
func (c *BridgeConfig) GetForwardAddress() string {
	if c.ForwardAddress == nil {
		return ""
	}
	return *c.ForwardAddress
}

// GetForwardHostPort splits the forwarding destination.
func (c *BridgeConfig) GetForwardHostPort() (string, int, error) {
	host, portStr, err := net.SplitHostPort(c.GetForwardAddress())
	if err != nil {
		return "", 0, fmt.Errorf("invalid forward_address %q: %w", c.GetForwardAddress(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid forward_address %q: bad port", c.GetForwardAddress())
	}
	return host, port, nil
}

// GetRecordPath returns the recorder database path, or "" when recording is
// disabled.
func (c *BridgeConfig) GetRecordPath() string {
	if c.RecordPath == nil {
		return ""
	}
	return *c.RecordPath
}

// GetVersionFile returns the path of the API version marker.
func (c *BridgeConfig) GetVersionFile() string {
	if c.VersionFile == nil || *c.VersionFile == "" {
		return "/tmp/xr/version"
	}
	return *c.VersionFile
}

// GetLogEvery returns the frame summary period.
func (c *BridgeConfig) GetLogEvery() int {
	if c.LogEvery == nil {
		return 1
	}
	return *c.LogEvery
}

// GetReplaySpeed returns the PCAP replay speed multiplier; zero replays as
// fast as possible.
func (c *BridgeConfig) GetReplaySpeed() float64 {
	if c.ReplaySpeed == nil {
		return 1.0
	}
	return *c.ReplaySpeed
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}
