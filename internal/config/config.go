// Package config provides configuration management for relay.
package config

import (
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
)

// Defaults.
const (
	DefaultWorkerAddr   = "127.0.0.1:8790"
	DefaultModel        = "claude-sonnet-4-5"
	DefaultSummaryModel = "claude-haiku-4-5"
	DefaultAgentCommand = "claude"
)

// Config holds all relay settings.
type Config struct {
	// Server
	WorkerAddr string `json:"worker_addr"`

	// Database
	DBDriver string `json:"db_driver"`
	DBDSN    string `json:"db_dsn"`
	MaxConns int    `json:"max_conns"`

	// Agent subprocess
	AgentCommand string   `json:"agent_command"`
	AgentArgs    []string `json:"agent_args,omitempty"`
	Model        string   `json:"model"`
	SummaryModel string   `json:"summary_model"`
	MaxTurns     int      `json:"max_turns"`

	// Context assembly
	ContextTokenBudget int `json:"context_token_budget"`
	ContextMessages    int `json:"context_messages"`

	// Post-processing
	PostProcWorkers int `json:"postproc_workers"`
}

var (
	mu     sync.RWMutex
	cached *Config
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		WorkerAddr:         DefaultWorkerAddr,
		DBDriver:           "sqlite",
		DBDSN:              DBPath(),
		MaxConns:           4,
		AgentCommand:       DefaultAgentCommand,
		Model:              DefaultModel,
		SummaryModel:       DefaultSummaryModel,
		MaxTurns:           25,
		ContextTokenBudget: 16000,
		ContextMessages:    40,
		PostProcWorkers:    4,
	}
}

// DataDir returns the relay data directory (~/.relay by default,
// RELAY_DATA_DIR overrides).
func DataDir() string {
	if dir := os.Getenv("RELAY_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".relay")
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "relay.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o755)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// EnsureAll creates the data directory and settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads the settings file, filling gaps with defaults, and caches
// the result for Get.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			set(cfg)
			return cfg, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyFallbacks(cfg)
	set(cfg)
	return cfg, nil
}

// Get returns the last loaded configuration, or defaults when Load has
// not been called.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if cached == nil {
		return Default()
	}
	return cached
}

func set(cfg *Config) {
	mu.Lock()
	cached = cfg
	mu.Unlock()
}

// applyFallbacks fills zero values left by a partial settings file.
func applyFallbacks(cfg *Config) {
	def := Default()
	if cfg.WorkerAddr == "" {
		cfg.WorkerAddr = def.WorkerAddr
	}
	if cfg.DBDriver == "" {
		cfg.DBDriver = def.DBDriver
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = def.DBDSN
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = def.MaxConns
	}
	if cfg.AgentCommand == "" {
		cfg.AgentCommand = def.AgentCommand
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = def.SummaryModel
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if cfg.ContextTokenBudget <= 0 {
		cfg.ContextTokenBudget = def.ContextTokenBudget
	}
	if cfg.ContextMessages <= 0 {
		cfg.ContextMessages = def.ContextMessages
	}
	if cfg.PostProcWorkers <= 0 {
		cfg.PostProcWorkers = def.PostProcWorkers
	}
}
