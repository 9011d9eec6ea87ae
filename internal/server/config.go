package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MaksimIschenko/client/internal/device"
	"github.com/MaksimIschenko/client/internal/session"
)

// DefaultConfigPath is used when -config is not given.
const DefaultConfigPath = "/etc/rovbridge/config.yaml"

// Config holds all bridge configuration.
type Config struct {
	mu sync.RWMutex

	// TCP link to the controller
	Network NetworkConfig `yaml:"network" json:"network"`

	// Serial link to the onboard board
	Serial SerialConfig `yaml:"serial" json:"serial"`

	// Command queue
	Bridge BridgeConfig `yaml:"bridge" json:"bridge"`

	// Process log output
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Monitor HTTP server
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`

	path string // file path for save/load
}

type NetworkConfig struct {
	Host          string `yaml:"host" json:"host"`
	Port          int    `yaml:"port" json:"port"`
	DialTimeoutMs int    `yaml:"dial_timeout_ms" json:"dialTimeoutMs"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	RetryDelayMs  int    `yaml:"retry_delay_ms" json:"retryDelayMs"`
	CycleDelayMs  int    `yaml:"cycle_delay_ms" json:"cycleDelayMs"`
	RecvBuffer    int    `yaml:"recv_buffer" json:"recvBuffer"`     // bytes per envelope
	InfoAddress   string `yaml:"info_address" json:"infoAddress"`   // overrides the resolved INFO address
}

type SerialConfig struct {
	Primary        string `yaml:"primary" json:"primary"`     // e.g. /dev/ttyACM0
	Secondary      string `yaml:"secondary" json:"secondary"` // e.g. /dev/ttyACM1
	BaudRate       int    `yaml:"baud_rate" json:"baudRate"`
	Driver         string `yaml:"driver" json:"driver"` // "bugst", "tarm" or "demo"
	ReadTimeoutMs  int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	PollIntervalMs int    `yaml:"poll_interval_ms" json:"pollIntervalMs"`
	InitDelayMs    int    `yaml:"init_delay_ms" json:"initDelayMs"` // wait after open before reading
}

type BridgeConfig struct {
	MaxPending int `yaml:"max_pending" json:"maxPending"` // 0 = unbounded
}

type LoggingConfig struct {
	File     string `yaml:"file" json:"file"` // empty = stderr only
	MaxBytes int64  `yaml:"max_bytes" json:"maxBytes"`
}

type MonitorConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Host:          "192.168.1.100",
			Port:          9090,
			DialTimeoutMs: 5000,
			ReadTimeoutMs: 5000,
			RetryDelayMs:  500,
			CycleDelayMs:  100,
			RecvBuffer:    1024,
		},
		Serial: SerialConfig{
			Primary:        "/dev/ttyACM0",
			Secondary:      "/dev/ttyACM1",
			BaudRate:       115200,
			Driver:         device.DriverBugst,
			ReadTimeoutMs:  100,
			PollIntervalMs: 100,
			InitDelayMs:    1000,
		},
		Bridge: BridgeConfig{
			MaxPending: 256,
		},
		Logging: LoggingConfig{
			File:     "",
			MaxBytes: 10 << 20,
		},
		Monitor: MonitorConfig{
			Enabled:    false,
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BRIDGE_HOST, BRIDGE_PORT, SERIAL_PRIMARY, SERIAL_SECONDARY,
// SERIAL_BAUD, SERIAL_DRIVER, MAX_PENDING, LOG_FILE, MONITOR_ENABLED,
// MONITOR_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BRIDGE_HOST"); v != "" {
		c.Network.Host = v
	}
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Network.Port = n
		}
	}
	if v := os.Getenv("SERIAL_PRIMARY"); v != "" {
		c.Serial.Primary = v
	}
	if v := os.Getenv("SERIAL_SECONDARY"); v != "" {
		c.Serial.Secondary = v
	}
	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("SERIAL_DRIVER"); v != "" {
		c.Serial.Driver = v
	}
	if v := os.Getenv("MAX_PENDING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bridge.MaxPending = n
		}
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("MONITOR_ENABLED"); v != "" {
		c.Monitor.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("MONITOR_ADDR"); v != "" {
		c.Monitor.ListenAddr = v
	}
}

// SessionConfig converts the network section for the session client.
func (c *Config) SessionConfig() session.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := c.Network
	return session.Config{
		Host:        n.Host,
		Port:        n.Port,
		DialTimeout: ms(n.DialTimeoutMs),
		ReadTimeout: ms(n.ReadTimeoutMs),
		RetryDelay:  ms(n.RetryDelayMs),
		CycleDelay:  ms(n.CycleDelayMs),
		RecvBuffer:  n.RecvBuffer,
		InfoAddress: n.InfoAddress,
	}
}

// DeviceConfig converts the serial section for the device link.
func (c *Config) DeviceConfig() device.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.Serial
	return device.Config{
		PrimaryPath:   s.Primary,
		SecondaryPath: s.Secondary,
		BaudRate:      s.BaudRate,
		Driver:        s.Driver,
		ReadTimeout:   ms(s.ReadTimeoutMs),
		PollInterval:  ms(s.PollIntervalMs),
		InitDelay:     ms(s.InitDelayMs),
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
