package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers the default value for every settings key.
func SetDefaults() {
	viper.SetDefault("agent.name", "tinyclaw")

	// Gateway
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.port", 8421)
	viper.SetDefault("gateway.rate_limit.enabled", true)
	viper.SetDefault("gateway.rate_limit.requests_per_minute", 30)
	viper.SetDefault("gateway.rate_limit.burst", 10)

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Routing
	viper.SetDefault("routing.default", "")
	viper.SetDefault("routing.tiers", map[string]string{})

	// Memory
	viper.SetDefault("memory.enabled", true)
	viper.SetDefault("memory.recall_limit", 10)
	viper.SetDefault("memory.context_limit", 5)

	// Compaction
	viper.SetDefault("compaction.enabled", true)
	viper.SetDefault("compaction.keep_recent", 20)
	viper.SetDefault("compaction.l1_threshold", 50)
	viper.SetDefault("compaction.l2_threshold", 10)

	// Sandbox
	viper.SetDefault("sandbox.enabled", true)
	viper.SetDefault("sandbox.default_timeout", 5*time.Second)
	viper.SetDefault("sandbox.max_timeout", 30*time.Second)

	// Sub-agents
	viper.SetDefault("subagents.max_active_per_user", 10)

	// Pulse
	viper.SetDefault("pulse.enabled", true)

	// Nudges; quiet_start == quiet_end means no quiet window
	viper.SetDefault("nudge.quiet_start", 22)
	viper.SetDefault("nudge.quiet_end", 8)
	viper.SetDefault("nudge.max_per_hour", 6)

	// Shield; feed path defaults to heartware/threats.md at startup
	viper.SetDefault("shield.enabled", true)
	viper.SetDefault("shield.feed_path", "")
}
