// Package config loads the engine's YAML configuration (spec §6),
// validates it, and applies ROOTSIM_-prefixed environment overrides,
// mirroring the teacher pack's yaml.v2 + environment-override pattern.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config is the structure named in spec §6. Dispatcher and Committed
// are model callbacks, not serializable data, so they are wired by the
// caller (cmd/timewarp) after loading rather than decoded from YAML.
type Config struct {
	LPs             int    `yaml:"lps"`
	NThreads        int    `yaml:"n_threads"`
	TerminationTime float64 `yaml:"termination_time"`
	GVTPeriodMillis int    `yaml:"gvt_period_ms"`
	CkptInterval    int    `yaml:"ckpt_interval"`
	// CkptMode selects the allocator's snapshot strategy (spec §4.3):
	// "full" (the default) or "incremental". Anything else fails
	// validation.
	CkptMode        string `yaml:"ckpt_mode"`
	LogLevel        string `yaml:"log_level"`
	StatsFile       string `yaml:"stats_file"`
	CoreBinding     bool   `yaml:"core_binding"`
	Serial          bool   `yaml:"serial"`

	MetricsAddr string `yaml:"metrics_addr"`

	// NodeID identifies this node among cooperating nodes when running
	// multi-node (spec §4.6/§4.9). Empty means single-node, and every
	// other field below is ignored.
	NodeID string `yaml:"node_id"`
	// NodeCount is the total number of cooperating nodes; required
	// alongside RedisAddr.
	NodeCount int `yaml:"node_count"`
	// RedisAddr, if set, routes GVT all-reduce across nodes through
	// Redis (gvt.RedisReducer) instead of running single-node.
	RedisAddr string `yaml:"redis_addr"`
	// Peers maps peer node IDs to their WebSocket URLs, for direct
	// cross-node message exchange (remote.Transport).
	Peers map[string]string `yaml:"peers"`
	// ListenAddr, if set alongside Peers, is the address this node's
	// Transport listens on for inbound peer connections.
	ListenAddr string `yaml:"listen_addr"`
}

// defaults fills in the values spec §6 names as defaults for absent
// fields (gvt_period ≈200ms; ckpt_interval 0 means autonomic).
func defaults() Config {
	return Config{
		NThreads:        0,
		GVTPeriodMillis: 200,
		CkptMode:        "full",
		LogLevel:        "info",
	}
}

// Load reads and decodes the YAML file at path, applies environment
// overrides, and validates required fields.
func Load(path string) (Config, error) {
	cfg := defaults()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides applies ROOTSIM_-prefixed environment overrides on
// top of whatever the YAML file set, per SPEC_FULL.md §1a.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ROOTSIM_LPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LPs = n
		}
	}
	if v := os.Getenv("ROOTSIM_N_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.NThreads = n
		}
	}
	if v := os.Getenv("ROOTSIM_TERMINATION_TIME"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.TerminationTime = f
		}
	}
	if v := os.Getenv("ROOTSIM_GVT_PERIOD_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GVTPeriodMillis = n
		}
	}
	if v := os.Getenv("ROOTSIM_CKPT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CkptInterval = n
		}
	}
	if v := os.Getenv("ROOTSIM_CKPT_MODE"); v != "" {
		c.CkptMode = v
	}
	if v := os.Getenv("ROOTSIM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ROOTSIM_STATS_FILE"); v != "" {
		c.StatsFile = v
	}
	if v := os.Getenv("ROOTSIM_SERIAL"); v != "" {
		c.Serial = v == "true" || v == "1"
	}
	if v := os.Getenv("ROOTSIM_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("ROOTSIM_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("ROOTSIM_NODE_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.NodeCount = n
		}
	}
	if v := os.Getenv("ROOTSIM_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("ROOTSIM_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
}

// validate enforces spec §6's required fields.
func (c *Config) validate() error {
	if c.LPs < 1 {
		return fmt.Errorf("config: lps must be >= 1, got %d", c.LPs)
	}
	if c.NThreads < 0 {
		return fmt.Errorf("config: n_threads must be >= 0, got %d", c.NThreads)
	}
	if c.GVTPeriodMillis <= 0 {
		return fmt.Errorf("config: gvt_period_ms must be > 0, got %d", c.GVTPeriodMillis)
	}
	if c.CkptInterval < 0 {
		return fmt.Errorf("config: ckpt_interval must be >= 0, got %d", c.CkptInterval)
	}
	if c.CkptMode != "full" && c.CkptMode != "incremental" {
		return fmt.Errorf("config: ckpt_mode must be %q or %q, got %q", "full", "incremental", c.CkptMode)
	}
	if c.RedisAddr != "" && (c.NodeID == "" || c.NodeCount < 2) {
		return fmt.Errorf("config: redis_addr requires node_id and node_count >= 2")
	}
	if len(c.Peers) > 0 && c.NodeID == "" {
		return fmt.Errorf("config: peers requires node_id")
	}
	return nil
}
