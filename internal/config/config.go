package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root settings structure.
type Config struct {
	Version    string                    `mapstructure:"version" yaml:"version"`
	Agent      AgentConfig               `mapstructure:"agent" yaml:"agent"`
	Gateway    GatewayConfig             `mapstructure:"gateway" yaml:"gateway"`
	Log        LogConfig                 `mapstructure:"log" yaml:"log"`
	Providers  map[string]ProviderConfig `mapstructure:"providers" yaml:"providers,omitempty"`
	Routing    RoutingConfig             `mapstructure:"routing" yaml:"routing"`
	Memory     MemoryConfig              `mapstructure:"memory" yaml:"memory"`
	Compaction CompactionConfig          `mapstructure:"compaction" yaml:"compaction"`
	Sandbox    SandboxConfig             `mapstructure:"sandbox" yaml:"sandbox"`
	Subagents  SubagentConfig            `mapstructure:"subagents" yaml:"subagents"`
	Pulse      PulseConfig               `mapstructure:"pulse" yaml:"pulse"`
	Nudge      NudgeConfig               `mapstructure:"nudge" yaml:"nudge"`
	Shield     ShieldConfig              `mapstructure:"shield" yaml:"shield"`
}

// AgentConfig names the agent and its owner.
type AgentConfig struct {
	Name      string `mapstructure:"name" yaml:"name"`
	OwnerName string `mapstructure:"owner_name" yaml:"owner_name,omitempty"`
}

// GatewayConfig holds the HTTP listener settings.
type GatewayConfig struct {
	Host      string          `mapstructure:"host" yaml:"host"`
	Port      int             `mapstructure:"port" yaml:"port"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig throttles the guest chat surface.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int  `mapstructure:"burst" yaml:"burst"`
}

// LogConfig mirrors pkg/logger.Config.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// ProviderConfig describes one model backend. APIKeyRef names an entry in
// the secret store; the key itself never lives in config.
type ProviderConfig struct {
	Kind      string `mapstructure:"kind" yaml:"kind"` // openai-compatible
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Model     string `mapstructure:"model" yaml:"model"`
	APIKeyRef string `mapstructure:"api_key_ref" yaml:"api_key_ref,omitempty"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	Timeout   string `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// GetTimeout parses the request timeout, defaulting to 2 minutes.
func (c *ProviderConfig) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 2 * time.Minute
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

// RoutingConfig maps complexity tiers to provider ids.
type RoutingConfig struct {
	Default string            `mapstructure:"default" yaml:"default"`
	Tiers   map[string]string `mapstructure:"tiers" yaml:"tiers,omitempty"`
}

// MemoryConfig tunes the episodic engine.
type MemoryConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	RecallLimit  int  `mapstructure:"recall_limit" yaml:"recall_limit"`
	ContextLimit int  `mapstructure:"context_limit" yaml:"context_limit"`
}

// CompactionConfig tunes the conversation compactor.
type CompactionConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	KeepRecent  int  `mapstructure:"keep_recent" yaml:"keep_recent"`
	L1Threshold int  `mapstructure:"l1_threshold" yaml:"l1_threshold"`
	L2Threshold int  `mapstructure:"l2_threshold" yaml:"l2_threshold"`
}

// SandboxConfig tunes the JS evaluator.
type SandboxConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout" yaml:"max_timeout"`
}

// SubagentConfig bounds the delegation roster.
type SubagentConfig struct {
	MaxActivePerUser int `mapstructure:"max_active_per_user" yaml:"max_active_per_user"`
}

// PulseConfig controls the background heartbeat.
type PulseConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// NudgeConfig controls proactive notifications. Quiet hours are owner-local
// clock hours; QuietStart == QuietEnd disables the window.
type NudgeConfig struct {
	QuietStart int `mapstructure:"quiet_start" yaml:"quiet_start"`
	QuietEnd   int `mapstructure:"quiet_end" yaml:"quiet_end"`
	MaxPerHour int `mapstructure:"max_per_hour" yaml:"max_per_hour"`
}

// ShieldConfig points at the threat feed.
type ShieldConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	FeedPath string `mapstructure:"feed_path" yaml:"feed_path,omitempty"`
}

var (
	mu           sync.RWMutex
	globalConfig *Config
	configPath   string
	watchers     []func(key string)
)

// Load reads settings with precedence ENV > file > defaults. A missing file
// is fine; a malformed one is not.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("TINYCLAW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expanded, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expanded

		viper.SetConfigFile(expanded)
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("parse config %s: %w", expanded, err)
			}
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the last loaded configuration.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Get reads an arbitrary dotted key.
func Get(key string) any { return viper.Get(key) }

// GetString reads a string value by dotted key.
func GetString(key string) string { return viper.GetString(key) }

// GetInt reads an int value by dotted key.
func GetInt(key string) int { return viper.GetInt(key) }

// GetBool reads a bool value by dotted key.
func GetBool(key string) bool { return viper.GetBool(key) }

// Set writes a dotted key and persists when a config path is known.
// Change watchers fire after the write.
func Set(key string, value any) error {
	mu.Lock()
	viper.Set(key, value)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err == nil {
		globalConfig = &cfg
	}

	var err error
	if configPath != "" {
		err = save()
	}
	subs := make([]func(string), len(watchers))
	copy(subs, watchers)
	mu.Unlock()

	for _, fn := range subs {
		fn(key)
	}
	return err
}

// OnChange registers a callback invoked with the dotted key after every Set
// and with "" after an external file edit.
func OnChange(fn func(key string)) {
	mu.Lock()
	defer mu.Unlock()
	watchers = append(watchers, fn)
}

// WatchFile begins watching the config file for external edits. Reloads
// replace the cached Config and notify change watchers.
func WatchFile() {
	viper.OnConfigChange(func(_ fsnotify.Event) {
		mu.Lock()
		var cfg Config
		if err := viper.Unmarshal(&cfg); err == nil {
			globalConfig = &cfg
		}
		subs := make([]func(string), len(watchers))
		copy(subs, watchers)
		mu.Unlock()
		for _, fn := range subs {
			fn("")
		}
	})
	viper.WatchConfig()
}

// Save persists the current settings to the config file.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}
	// 0600: the file may reference secret names and owner identity.
	return os.WriteFile(configPath, data, 0600)
}

// SaveTo writes an explicit Config to a path, bypassing the global store.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Reset clears all global state. Test helper.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	watchers = nil
	viper.Reset()
}
