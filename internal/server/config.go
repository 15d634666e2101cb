package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/k1timer/internal/k1"
	"github.com/shaunagostinho/k1timer/internal/racelog"
	"github.com/shaunagostinho/k1timer/internal/relay"
)

const defaultConfigPath = "/etc/k1timer/config.yaml"

// Config holds all service configuration.
type Config struct {
	mu sync.RWMutex

	Timer   TimerConfig    `yaml:"timer" json:"timer"`
	Results racelog.Config `yaml:"results" json:"results"`
	NATS    NATSConfig     `yaml:"nats" json:"nats"`
	Logging LoggingConfig  `yaml:"logging" json:"logging"`
	Server  ServerConfig   `yaml:"server" json:"server"`

	path string // file path for save/load
}

type TimerConfig struct {
	Type                 string `yaml:"type" json:"type"`           // "k1" or "demo"
	PortPath             string `yaml:"port_path" json:"portPath"`  // empty: first Prolific adapter
	BaudRate             int    `yaml:"baud_rate" json:"baudRate"`
	ResponseTimeoutMs    int    `yaml:"response_timeout_ms" json:"responseTimeoutMs"`
	OffsetResultsForTies bool   `yaml:"offset_results_for_ties" json:"offsetResultsForTies"`
	EliminatorMode       bool   `yaml:"eliminator_mode" json:"eliminatorMode"`
	DemoRaceIntervalMs   int    `yaml:"demo_race_interval_ms" json:"demoRaceIntervalMs"`
}

type NATSConfig struct {
	URL     string `yaml:"url" json:"url"` // empty: relay disabled
	Subject string `yaml:"subject" json:"subject"`
}

type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timer: TimerConfig{
			Type:                 "k1",
			BaudRate:             k1.DefaultBaudRate,
			ResponseTimeoutMs:    int(k1.DefaultResponseTimeout / time.Millisecond),
			OffsetResultsForTies: k1.OffsetResultsForTiesDefault,
			EliminatorMode:       k1.EliminatorModeDefault,
			DemoRaceIntervalMs:   8000,
		},
		Results: racelog.Config{
			Enabled: false,
			Path:    racelog.DefaultPath,
		},
		NATS: NATSConfig{
			Subject: relay.DefaultSubject,
		},
		Logging: LoggingConfig{Level: "info"},
		Server:  ServerConfig{ListenAddr: ":8080"},
	}
}

// K1 converts the timer section to connection settings.
func (t TimerConfig) K1() k1.TimerConfig {
	cfg := k1.DefaultTimerConfig(t.PortPath)
	if t.BaudRate > 0 {
		cfg.BaudRate = t.BaudRate
	}
	if t.ResponseTimeoutMs > 0 {
		cfg.ResponseTimeout = time.Duration(t.ResponseTimeoutMs) * time.Millisecond
	}
	cfg.OffsetResultsForTies = t.OffsetResultsForTies
	cfg.EliminatorMode = t.EliminatorMode
	return cfg
}

// DemoRaceInterval returns the time between simulated races.
func (t TimerConfig) DemoRaceInterval() time.Duration {
	if t.DemoRaceIntervalMs <= 0 {
		return 8 * time.Second
	}
	return time.Duration(t.DemoRaceIntervalMs) * time.Millisecond
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Infof("no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warnf("error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Infof("loaded config from %s", path)
	}

	// .env next to the config, then in CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already set in the environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Infof("loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Warnf("ignoring %s=%q: %v", key, v, err)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: TIMER_TYPE, TIMER_PORT, TIMER_BAUD, TIMER_RESPONSE_TIMEOUT_MS,
// TIMER_OFFSET_TIES, TIMER_ELIMINATOR, RESULTS_ENABLED, RESULTS_PATH,
// NATS_URL, NATS_SUBJECT, LOG_LEVEL, LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TIMER_TYPE"); v != "" {
		c.Timer.Type = v
	}
	if v := os.Getenv("TIMER_PORT"); v != "" {
		c.Timer.PortPath = v
	}
	envInt("TIMER_BAUD", &c.Timer.BaudRate)
	envInt("TIMER_RESPONSE_TIMEOUT_MS", &c.Timer.ResponseTimeoutMs)
	if v := os.Getenv("TIMER_OFFSET_TIES"); v != "" {
		c.Timer.OffsetResultsForTies = envBool(v)
	}
	if v := os.Getenv("TIMER_ELIMINATOR"); v != "" {
		c.Timer.EliminatorMode = envBool(v)
	}
	if v := os.Getenv("RESULTS_ENABLED"); v != "" {
		c.Results.Enabled = envBool(v)
	}
	if v := os.Getenv("RESULTS_PATH"); v != "" {
		c.Results.Path = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("NATS_SUBJECT"); v != "" {
		c.NATS.Subject = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return defaultConfigPath
	}
	return c.path
}

// Snapshot returns the timer and results sections under the read lock.
func (c *Config) Snapshot() (TimerConfig, racelog.Config) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timer, c.Results
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	path := c.Path()

	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
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
