package config

import (
	"time"

	"ctxbudget/internal/compaction"
	"ctxbudget/internal/plugin"

	"github.com/spf13/viper"
)

// SetDefaults 设置所有配置项的默认值
func SetDefaults() {
	// Log 配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Storage 配置
	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.path", "~/.ctxbudget/data.db")
	viper.SetDefault("storage.redis_url", "redis://localhost:6379/0")
	viper.SetDefault("storage.key_prefix", "ctxbudget")
	viper.SetDefault("storage.compress_threshold", 4096)
	viper.SetDefault("storage.snapshot_keep", 10)

	// Budget 配置
	viper.SetDefault("budget.max_context_tokens", 128000)
	viper.SetDefault("budget.reserve_tokens", 4096)
	viper.SetDefault("budget.fixed_overhead_tokens", 0)
	viper.SetDefault("budget.task_type", "")

	// Compaction 配置
	viper.SetDefault("compaction.max_summary_tokens", 2000)
	viper.SetDefault("compaction.summary_timeout", 60*time.Second)
	viper.SetDefault("compaction.model", "")
	viper.SetDefault("compaction.min_reduction", 0.1)
	viper.SetDefault("compaction.disable_fallback", false)
	viper.SetDefault("compaction.truncation_marker", compaction.DefaultTruncationMarker)
	viper.SetDefault("compaction.default_entry_tokens", 50)

	// Working memory 配置
	viper.SetDefault("working_memory.max_size_bytes", 25*1024*1024)
	viper.SetDefault("working_memory.max_index_entries", 30)
	viper.SetDefault("working_memory.description_max_length", 150)
	viper.SetDefault("working_memory.flush_schedule", "@every 5s")
	viper.SetDefault("working_memory.eviction_strategy", "lru")

	// In-context 配置
	viper.SetDefault("in_context.max_entries", 20)

	// Tool results 配置
	viper.SetDefault("tool_results.max_total_bytes", 200*1024)
	viper.SetDefault("tool_results.max_full_results", 10)
	viper.SetDefault("tool_results.default_retention_iterations", 5)
	viper.SetDefault("tool_results.min_size_to_evict", 1024)
	viper.SetDefault("tool_results.key_prefix", "tool_result")
	viper.SetDefault("tool_results.max_tool_result_bytes", plugin.DefaultMaxToolResultBytes)
}
