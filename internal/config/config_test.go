package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	internalContext "ctxbudget/internal/context"
	"ctxbudget/internal/memory"
)

func TestLoad_Defaults(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// 验证默认值
	if cfg.Log.Level != "info" {
		t.Errorf("log.level = %q, want info", cfg.Log.Level)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Budget.MaxContextTokens != 128000 {
		t.Errorf("budget.max_context_tokens = %d, want 128000", cfg.Budget.MaxContextTokens)
	}
	if cfg.Budget.ReserveTokens != 4096 {
		t.Errorf("budget.reserve_tokens = %d, want 4096", cfg.Budget.ReserveTokens)
	}
	if cfg.Compaction.SummaryTimeout != 60*time.Second {
		t.Errorf("compaction.summary_timeout = %v, want 60s", cfg.Compaction.SummaryTimeout)
	}
	if cfg.WorkingMemory.MaxIndexEntries != 30 {
		t.Errorf("working_memory.max_index_entries = %d, want 30", cfg.WorkingMemory.MaxIndexEntries)
	}
	if cfg.InContext.MaxEntries != 20 {
		t.Errorf("in_context.max_entries = %d, want 20", cfg.InContext.MaxEntries)
	}
	if cfg.ToolResults.MaxToolResultBytes != 65536 {
		t.Errorf("tool_results.max_tool_result_bytes = %d, want 65536", cfg.ToolResults.MaxToolResultBytes)
	}
}

func TestLoad_FromFile(t *testing.T) {
	Reset()
	defer Reset()

	configFile := filepath.Join(t.TempDir(), "config.yaml")

	// 创建配置文件
	content := `
budget:
  max_context_tokens: 32000
  task_type: coding
compaction:
  summary_timeout: 15s
tool_results:
  tool_retention:
    grep: 2
log:
  level: debug
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// 验证文件中的值覆盖了默认值
	if cfg.Budget.MaxContextTokens != 32000 {
		t.Errorf("budget.max_context_tokens = %d, want 32000", cfg.Budget.MaxContextTokens)
	}
	if cfg.Budget.TaskType != "coding" {
		t.Errorf("budget.task_type = %q, want coding", cfg.Budget.TaskType)
	}
	if cfg.Compaction.SummaryTimeout != 15*time.Second {
		t.Errorf("compaction.summary_timeout = %v, want 15s", cfg.Compaction.SummaryTimeout)
	}
	if cfg.ToolResults.ToolRetention["grep"] != 2 {
		t.Errorf("tool_results.tool_retention.grep = %d, want 2", cfg.ToolResults.ToolRetention["grep"])
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug", cfg.Log.Level)
	}

	// 验证未在文件中指定的值使用默认值
	if cfg.Budget.ReserveTokens != 4096 {
		t.Errorf("budget.reserve_tokens should use default 4096, got %d", cfg.Budget.ReserveTokens)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	Reset()
	defer Reset()

	t.Setenv("CTXBUDGET_BUDGET_MAX_CONTEXT_TOKENS", "64000")
	t.Setenv("CTXBUDGET_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Budget.MaxContextTokens != 64000 {
		t.Errorf("budget.max_context_tokens = %d, want 64000", cfg.Budget.MaxContextTokens)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log.level = %q, want warn", cfg.Log.Level)
	}
}

func TestLoad_Priority(t *testing.T) {
	Reset()
	defer Reset()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	content := `
budget:
  max_context_tokens: 32000
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("CTXBUDGET_BUDGET_MAX_CONTEXT_TOKENS", "16000")

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// 验证环境变量优先级高于配置文件
	if cfg.Budget.MaxContextTokens != 16000 {
		t.Errorf("ENV should override file: budget.max_context_tokens = %d, want 16000", cfg.Budget.MaxContextTokens)
	}
}

func TestSetAndSave(t *testing.T) {
	Reset()
	defer Reset()

	configFile := filepath.Join(t.TempDir(), "config.yaml")

	if _, err := Load(configFile); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := Set("in_context.max_entries", 7); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if GetInt("in_context.max_entries") != 7 {
		t.Errorf("in_context.max_entries = %d, want 7", GetInt("in_context.max_entries"))
	}

	// 验证文件已写入
	Reset()
	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if cfg.InContext.MaxEntries != 7 {
		t.Errorf("Persisted in_context.max_entries = %d, want 7", cfg.InContext.MaxEntries)
	}
}

func TestGet_Functions(t *testing.T) {
	Reset()
	defer Reset()

	if _, err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if GetString("storage.driver") != "sqlite" {
		t.Errorf("GetString failed")
	}
	if GetInt("storage.snapshot_keep") != 10 {
		t.Errorf("GetInt failed")
	}
	if GetBool("compaction.disable_fallback") {
		t.Errorf("GetBool failed")
	}
	if Get("budget.max_context_tokens") == nil {
		t.Errorf("Get returned nil")
	}
}

func TestGetConfig(t *testing.T) {
	Reset()
	defer Reset()

	if GetConfig() != nil {
		t.Error("GetConfig should return nil before Load")
	}

	if _, err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg := GetConfig()
	if cfg == nil {
		t.Fatal("GetConfig returned nil after Load")
	}
	if cfg.Storage.KeyPrefix != "ctxbudget" {
		t.Errorf("storage.key_prefix = %q, want ctxbudget", cfg.Storage.KeyPrefix)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	Reset()
	defer Reset()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	content := `
budget:
  max_context_tokens: [invalid
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	Reset()
	defer Reset()

	// 加载不存在的文件应该不报错，使用默认值
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load should not fail for nonexistent file: %v", err)
	}
	if cfg.Budget.MaxContextTokens != 128000 {
		t.Errorf("budget.max_context_tokens = %d, want default 128000", cfg.Budget.MaxContextTokens)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"未知存储驱动", "storage:\n  driver: mongo\n", "storage.driver"},
		{"预算为零", "budget:\n  max_context_tokens: 0\n", "max_context_tokens"},
		{"预留超过窗口", "budget:\n  max_context_tokens: 1000\n  reserve_tokens: 1000\n", "no room"},
		{"未知任务类型", "budget:\n  task_type: poetry\n", "task_type"},
		{"未知淘汰策略", "working_memory:\n  eviction_strategy: random\n", "eviction_strategy"},
		{"压缩比例越界", "compaction:\n  min_reduction: 1.5\n", "min_reduction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Reset()
			defer Reset()

			configFile := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configFile, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write config file: %v", err)
			}

			_, err := Load(configFile)
			if err == nil {
				t.Fatalf("Load should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestSave_WithoutPath(t *testing.T) {
	Reset()
	defer Reset()

	if _, err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := Save(); err == nil {
		t.Error("Save should fail without config path")
	}
}

func TestSaveTo_RoundTrip(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Budget.MaxContextTokens = 50000
	cfg.WorkingMemory.EvictionStrategy = "size"

	configFile := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := SaveTo(cfg, configFile); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}

	Reset()
	loaded, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Budget.MaxContextTokens != 50000 {
		t.Errorf("budget.max_context_tokens = %d, want 50000", loaded.Budget.MaxContextTokens)
	}
	if loaded.WorkingMemory.Strategy() != memory.EvictSize {
		t.Errorf("eviction strategy = %q, want size", loaded.WorkingMemory.Strategy())
	}
}

func TestConverters(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Budget.TaskType = "research"
	cfg.ToolResults.ToolRetention = map[string]int{"fetch": 1}

	bc := cfg.Budget.ToContextConfig()
	if bc.Budget() != 128000-4096 {
		t.Errorf("Budget() = %d, want %d", bc.Budget(), 128000-4096)
	}
	if bc.TaskType != internalContext.TaskResearch {
		t.Errorf("TaskType = %q, want research", bc.TaskType)
	}

	cc := cfg.Compaction.ToCompactionConfig()
	if cc.MaxSummaryTokens != 2000 || cc.SummaryTimeout != 60*time.Second {
		t.Errorf("compaction config = %+v", cc)
	}

	mc := cfg.WorkingMemory.ToMemoryConfig()
	if mc.MaxIndexEntries != 30 || mc.FlushSchedule != "@every 5s" {
		t.Errorf("memory config = %+v", mc)
	}
	if cfg.WorkingMemory.Strategy() != memory.EvictLRU {
		t.Errorf("default strategy = %q, want lru", cfg.WorkingMemory.Strategy())
	}

	if cfg.InContext.ToInContextConfig().MaxEntries != 20 {
		t.Errorf("in-context max entries mismatch")
	}

	tc := cfg.ToolResults.ToToolResultConfig()
	if tc.MaxFullResults != 10 || tc.KeyPrefix != "tool_result" || tc.ToolRetention["fetch"] != 1 {
		t.Errorf("tool result config = %+v", tc)
	}
}
