// Package config loads clawtune settings from YAML, .env files and the
// environment, in that order of increasing precedence.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/clawtune/internal/autotune"
	"github.com/shaunagostinho/clawtune/internal/experiment"
	"github.com/shaunagostinho/clawtune/internal/roboclaw"
	"github.com/shaunagostinho/clawtune/internal/sim"
)

const DefaultPath = "/etc/clawtune/config.yaml"

// Config holds all clawtune configuration.
type Config struct {
	mu sync.RWMutex
	Settings `yaml:",inline"`

	path string // file path for save/load
}

// Settings is the serialized part of Config.
type Settings struct {
	Controller ControllerConfig `yaml:"controller" json:"controller"`
	Simulation SimulationConfig `yaml:"simulation" json:"simulation"`
	Tuning     TuningConfig     `yaml:"tuning" json:"tuning"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Server     ServerConfig     `yaml:"server" json:"server"`
}

type ControllerConfig struct {
	Port      string `yaml:"port" json:"port"` // e.g. /dev/ttyACM0, or SIMULATED
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`
	Address   int    `yaml:"address" json:"address"`
	Simulated bool   `yaml:"simulated" json:"simulated"`
}

// SimulationConfig sets the simulated plant of each motor.
type SimulationConfig struct {
	M1                   sim.Plant `yaml:"m1" json:"m1"`
	M2                   sim.Plant `yaml:"m2" json:"m2"`
	CarryEncoderFraction bool      `yaml:"carry_encoder_fraction" json:"carryEncoderFraction"`
}

// Plant returns the configured plant of motor 1 or 2.
func (s SimulationConfig) Plant(motor int) sim.Plant {
	if motor == 2 {
		return s.M2
	}
	return s.M1
}

type TuningConfig struct {
	LambdaScale      float64 `yaml:"lambda_scale" json:"lambdaScale"`
	AllowSimFallback bool    `yaml:"allow_sim_fallback" json:"allowSimFallback"`
	QPPSDurationMs   int     `yaml:"qpps_duration_ms" json:"qppsDurationMs"`

	Step  experiment.StepConfig  `yaml:"step" json:"step"`
	Sweep experiment.SweepConfig `yaml:"sweep" json:"sweep"`

	// FRF fit grid
	TauMin    float64 `yaml:"tau_min" json:"tauMin"`
	TauMax    float64 `yaml:"tau_max" json:"tauMax"`
	TauPoints int     `yaml:"tau_points" json:"tauPoints"`
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	PollHz     int    `yaml:"poll_hz" json:"pollHz"` // telemetry rate
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	plant := sim.Plant{Tau: sim.DefaultTau, Gain: sim.DefaultGain}
	return &Config{Settings: Settings{
		Controller: ControllerConfig{
			Port:     roboclaw.DefaultPort,
			BaudRate: roboclaw.DefaultBaudRate,
			Address:  roboclaw.DefaultAddress,
		},
		Simulation: SimulationConfig{M1: plant, M2: plant},
		Tuning: TuningConfig{
			LambdaScale:    autotune.DefaultLambdaScale,
			QPPSDurationMs: 2000,
			Step: experiment.StepConfig{
				Motor:      1,
				StartPWM:   0,
				StepPWM:    16384,
				PreStepMs:  200,
				DurationMs: 1500,
				IntervalMs: 10,
			},
			Sweep: experiment.SweepConfig{
				Motor:        1,
				Amplitude:    20,
				FreqStartHz:  0.2,
				FreqEndHz:    5,
				Points:       8,
				Cycles:       3,
				SettleCycles: 2,
				IntervalMs:   10,
			},
			TauMin:    autotune.DefaultTauMin,
			TauMax:    autotune.DefaultTauMax,
			TauPoints: autotune.DefaultTauPoints,
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/clawtune",
			Interval: 100,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			PollHz:     10,
		},
	}}
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

	// .env next to the config, then CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
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

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: CLAWTUNE_PORT, CLAWTUNE_BAUD, CLAWTUNE_ADDRESS, CLAWTUNE_LISTEN,
// CLAWTUNE_SIMULATED, LOG_ENABLED, LOG_PATH, LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CLAWTUNE_PORT"); v != "" {
		c.Controller.Port = v
	}
	if v := os.Getenv("CLAWTUNE_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Controller.BaudRate = n
		}
	}
	if v := os.Getenv("CLAWTUNE_ADDRESS"); v != "" {
		// accepts 128 or 0x80
		if n, err := strconv.ParseInt(v, 0, 16); err == nil {
			c.Controller.Address = int(n)
		}
	}
	if v := os.Getenv("CLAWTUNE_LISTEN"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("CLAWTUNE_SIMULATED"); v != "" {
		c.Controller.Simulated = truthy(v)
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = truthy(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
}

// StartupPort is the port the controller should open at startup, with the
// simulated flag mapped onto the sentinel.
func (c *Config) StartupPort() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Controller.Simulated {
		return roboclaw.SimulatedPort
	}
	return c.Controller.Port
}

// Path returns the file Save writes to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return DefaultPath
	}
	return c.path
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
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0644)
}

// Snapshot returns a copy of the settings safe to read without the lock.
func (c *Config) Snapshot() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Settings
}

// Update applies fn to the settings under the write lock.
func (c *Config) Update(fn func(*Settings)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.Settings)
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
