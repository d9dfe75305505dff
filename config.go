package shmbus

import (
	"fmt"
	"os"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config scopes a registry and its shared-memory resources. Two processes see
// each other only if they use equal configs: the registry directory, segment
// files and namespace prefix all derive from it.
//
// Config is a comparable value type; copying it is cheap and two configs are
// interchangeable iff they are ==.
type Config struct {
	// Root is the directory holding the node registry and segment files.
	Root string `toml:"root" envconfig:"ROOT" default:"/tmp/shmbus"`

	// Prefix namespaces segment names, separating unrelated deployments
	// that happen to share a Root.
	Prefix string `toml:"prefix" envconfig:"PREFIX" default:"shmbus"`

	// MaxSliceLen is the default largest loanable slice length for
	// publishers created without WithMaxSliceLen.
	MaxSliceLen int `toml:"max_slice_len" envconfig:"MAX_SLICE_LEN" default:"1"`

	// ChunkCapacity is the default number of chunks per publisher pool.
	ChunkCapacity int `toml:"chunk_capacity" envconfig:"CHUNK_CAPACITY" default:"16"`
}

// DefaultConfig returns the built-in defaults with SHMBUS_* environment
// overrides applied.
func DefaultConfig() Config {
	var cfg Config
	if err := envconfig.Process("shmbus", &cfg); err != nil {
		// Only possible with malformed env values; fall back to pure defaults.
		log.Warn("ignoring invalid SHMBUS_* environment", "error", err)
		cfg = Config{Root: "/tmp/shmbus", Prefix: "shmbus", MaxSliceLen: 1, ChunkCapacity: 16}
	}
	return cfg
}

// LoadConfig reads a TOML config file. Fields absent from the file keep the
// DefaultConfig value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Root == "" {
		return fmt.Errorf("config: empty root directory")
	}
	if c.MaxSliceLen < 1 {
		return fmt.Errorf("config: max_slice_len must be >= 1, got %d", c.MaxSliceLen)
	}
	if c.ChunkCapacity < 1 {
		return fmt.Errorf("config: chunk_capacity must be >= 1, got %d", c.ChunkCapacity)
	}
	return nil
}

var (
	globalMu  sync.RWMutex
	globalCfg *Config
)

// GlobalConfig returns the process-wide default config used by CreateNode
// when no WithConfig option is given. First use loads DefaultConfig.
func GlobalConfig() Config {
	globalMu.RLock()
	if globalCfg != nil {
		defer globalMu.RUnlock()
		return *globalCfg
	}
	globalMu.RUnlock()

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCfg == nil {
		cfg := DefaultConfig()
		globalCfg = &cfg
	}
	return *globalCfg
}

// SetGlobalConfig replaces the process-wide default config.
func SetGlobalConfig(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCfg = &cfg
}
