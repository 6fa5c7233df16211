package config

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

type Config struct {
	// ServerURL is the realtime WebSocket endpoint (ws:// or wss://).
	ServerURL string `toml:"server_url"`
	// Token is attached as "Authorization: Bearer <token>" on dial.
	Token string `toml:"token"`
	// UserID enables the per-user channels (user_targeting, notifications...).
	UserID string `toml:"user_id,omitempty"`
	// Swaps lists the swap ids subscribed at startup.
	Swaps []string `toml:"swaps,omitempty"`

	Transport  TransportConfig  `toml:"transport"`
	Queue      QueueConfig      `toml:"queue"`
	Sync       SyncConfig       `toml:"sync"`
	Optimistic OptimisticConfig `toml:"optimistic"`
	Auction    AuctionConfig    `toml:"auction"`
	Health     HealthConfig     `toml:"health"`
	API        APIConfig        `toml:"api"`
}

type TransportConfig struct {
	BaseDelay         Duration `toml:"base_delay"`
	MaxDelay          Duration `toml:"max_delay"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HandshakeTimeout  Duration `toml:"handshake_timeout"`
	WriteTimeout      Duration `toml:"write_timeout"`
	ConnectAttempts   int      `toml:"connect_attempts"`
	Compression       bool     `toml:"compression"`
}

type QueueConfig struct {
	MaxSize        int      `toml:"max_size"`
	MaxRetries     int      `toml:"max_retries"`
	RetryBaseDelay Duration `toml:"retry_base_delay"`
	MaxAge         Duration `toml:"max_age"`
	SweepInterval  Duration `toml:"sweep_interval"`
	DrainInterval  Duration `toml:"drain_interval"`
	// SendRate caps messages per second sent by a drain cycle. 0 disables the cap.
	SendRate  float64 `toml:"send_rate"`
	SendBurst int     `toml:"send_burst"`
}

type SyncConfig struct {
	Interval Duration `toml:"interval"`
}

type OptimisticConfig struct {
	// ConfirmTimeout rolls back intents the server never confirms.
	ConfirmTimeout Duration `toml:"confirm_timeout"`
}

type AuctionConfig struct {
	EndingThreshold Duration `toml:"ending_threshold"`
}

type HealthConfig struct {
	DegradedQueueSize int `toml:"degraded_queue_size"`
}

type APIConfig struct {
	// Listen is the address of the local status API (empty disables it).
	Listen string `toml:"listen,omitempty"`
	// EventSocket is a Unix socket path streaming notifications as NDJSON
	// (empty disables it).
	EventSocket string `toml:"event_socket,omitempty"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Validate fills defaults for unset transport settings.
func (c *TransportConfig) Validate() error {
	if c.BaseDelay.Duration <= 0 {
		c.BaseDelay = Duration{time.Second}
	}
	if c.MaxDelay.Duration <= 0 {
		c.MaxDelay = Duration{30 * time.Second}
	}
	if c.MaxDelay.Duration < c.BaseDelay.Duration {
		return fmt.Errorf("transport: max_delay %s is smaller than base_delay %s", c.MaxDelay, c.BaseDelay)
	}
	if c.HeartbeatInterval.Duration <= 0 {
		c.HeartbeatInterval = Duration{30 * time.Second}
	}
	if c.HandshakeTimeout.Duration <= 0 {
		c.HandshakeTimeout = Duration{15 * time.Second}
	}
	if c.WriteTimeout.Duration <= 0 {
		c.WriteTimeout = Duration{5 * time.Second}
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
	}
	return nil
}

// Validate fills defaults for unset queue settings.
func (c *QueueConfig) Validate() error {
	if c.MaxSize <= 0 {
		c.MaxSize = 100
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("queue: max_retries must not be negative")
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay.Duration <= 0 {
		c.RetryBaseDelay = Duration{time.Second}
	}
	if c.MaxAge.Duration <= 0 {
		c.MaxAge = Duration{5 * time.Minute}
	}
	if c.SweepInterval.Duration <= 0 {
		c.SweepInterval = Duration{30 * time.Second}
	}
	if c.DrainInterval.Duration <= 0 {
		c.DrainInterval = Duration{time.Second}
	}
	if c.SendRate < 0 {
		return fmt.Errorf("queue: send_rate must not be negative")
	}
	if c.SendRate > 0 && c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	return nil
}

// Validate sets defaults and verifies required fields.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("invalid websocket URL %q", c.ServerURL)
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if c.Sync.Interval.Duration <= 0 {
		c.Sync.Interval = Duration{5 * time.Minute}
	}
	if c.Optimistic.ConfirmTimeout.Duration <= 0 {
		c.Optimistic.ConfirmTimeout = Duration{2 * time.Minute}
	}
	if c.Auction.EndingThreshold.Duration <= 0 {
		c.Auction.EndingThreshold = Duration{15 * time.Minute}
	}
	if c.Health.DegradedQueueSize <= 0 {
		c.Health.DegradedQueueSize = 100
	}
	return nil
}

func GetDefaultConfig() *Config {
	cfg := &Config{ServerURL: "ws://localhost:3001/realtime"}
	// Defaults only; a missing token is reported by callers that dial.
	_ = cfg.Validate()
	return cfg
}

func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &config, nil
}

func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0600)
}

// SaveTemplateConfig writes the commented sample configuration.
func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file %s already exists", configPath)
	}
	return os.WriteFile(configPath, []byte(configTemplate), 0600)
}

// GetConfigDir returns the configuration directory for swapsync
func GetConfigDir() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	dir := filepath.Join(configDir, "swapsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	return dir, nil
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.toml"), nil
}
