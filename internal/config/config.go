package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ctxbudget/internal/compaction"
	internalContext "ctxbudget/internal/context"
	"ctxbudget/internal/incontext"
	"ctxbudget/internal/memory"
	"ctxbudget/internal/toolresult"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，如 CTXBUDGET_BUDGET_MAX_CONTEXT_TOKENS
const EnvPrefix = "CTXBUDGET"

// Config 是应用配置的根结构体
type Config struct {
	Log           LogConfig           `mapstructure:"log" yaml:"log"`
	Storage       StorageConfig       `mapstructure:"storage" yaml:"storage"`
	Budget        BudgetConfig        `mapstructure:"budget" yaml:"budget"`
	Compaction    CompactionConfig    `mapstructure:"compaction" yaml:"compaction"`
	WorkingMemory WorkingMemoryConfig `mapstructure:"working_memory" yaml:"working_memory"`
	InContext     InContextConfig     `mapstructure:"in_context" yaml:"in_context"`
	ToolResults   ToolResultsConfig   `mapstructure:"tool_results" yaml:"tool_results"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Driver            string `mapstructure:"driver" yaml:"driver"` // sqlite, redis, memory
	Path              string `mapstructure:"path" yaml:"path"`
	RedisURL          string `mapstructure:"redis_url" yaml:"redis_url"`
	KeyPrefix         string `mapstructure:"key_prefix" yaml:"key_prefix"`
	CompressThreshold int    `mapstructure:"compress_threshold" yaml:"compress_threshold"` // 负数表示不压缩
	SnapshotKeep      int    `mapstructure:"snapshot_keep" yaml:"snapshot_keep"`
}

// BudgetConfig 上下文预算配置
type BudgetConfig struct {
	MaxContextTokens    int    `mapstructure:"max_context_tokens" yaml:"max_context_tokens"`
	ReserveTokens       int    `mapstructure:"reserve_tokens" yaml:"reserve_tokens"`
	FixedOverheadTokens int    `mapstructure:"fixed_overhead_tokens" yaml:"fixed_overhead_tokens"`
	TaskType            string `mapstructure:"task_type" yaml:"task_type"` // 空表示按消息自动检测
}

// CompactionConfig 压缩配置
type CompactionConfig struct {
	MaxSummaryTokens   int           `mapstructure:"max_summary_tokens" yaml:"max_summary_tokens"`
	SummaryTimeout     time.Duration `mapstructure:"summary_timeout" yaml:"summary_timeout"`
	Model              string        `mapstructure:"model" yaml:"model"`
	MinReduction       float64       `mapstructure:"min_reduction" yaml:"min_reduction"`
	DisableFallback    bool          `mapstructure:"disable_fallback" yaml:"disable_fallback"`
	TruncationMarker   string        `mapstructure:"truncation_marker" yaml:"truncation_marker"`
	DefaultEntryTokens int           `mapstructure:"default_entry_tokens" yaml:"default_entry_tokens"`
}

// WorkingMemoryConfig 工作记忆配置
type WorkingMemoryConfig struct {
	MaxSizeBytes         int    `mapstructure:"max_size_bytes" yaml:"max_size_bytes"`
	MaxIndexEntries      int    `mapstructure:"max_index_entries" yaml:"max_index_entries"`
	DescriptionMaxLength int    `mapstructure:"description_max_length" yaml:"description_max_length"`
	FlushSchedule        string `mapstructure:"flush_schedule" yaml:"flush_schedule"`
	EvictionStrategy     string `mapstructure:"eviction_strategy" yaml:"eviction_strategy"` // lru, size
}

// InContextConfig 上下文内记忆配置
type InContextConfig struct {
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries"`
}

// ToolResultsConfig 工具结果跟踪配置
type ToolResultsConfig struct {
	MaxTotalBytes              int            `mapstructure:"max_total_bytes" yaml:"max_total_bytes"`
	MaxFullResults             int            `mapstructure:"max_full_results" yaml:"max_full_results"`
	DefaultRetentionIterations int            `mapstructure:"default_retention_iterations" yaml:"default_retention_iterations"`
	MinSizeToEvict             int            `mapstructure:"min_size_to_evict" yaml:"min_size_to_evict"`
	ToolRetention              map[string]int `mapstructure:"tool_retention" yaml:"tool_retention,omitempty"`
	ToolMinSize                map[string]int `mapstructure:"tool_min_size" yaml:"tool_min_size,omitempty"`
	KeyPrefix                  string         `mapstructure:"key_prefix" yaml:"key_prefix"`
	MaxToolResultBytes         int            `mapstructure:"max_tool_result_bytes" yaml:"max_tool_result_bytes"`
}

// ToContextConfig 转换为预算管理器配置
func (c BudgetConfig) ToContextConfig() internalContext.Config {
	return internalContext.Config{
		MaxContextTokens:    c.MaxContextTokens,
		ReserveTokens:       c.ReserveTokens,
		FixedOverheadTokens: c.FixedOverheadTokens,
		TaskType:            internalContext.TaskType(c.TaskType),
	}
}

// ToCompactionConfig 转换为压缩器配置
func (c CompactionConfig) ToCompactionConfig() compaction.Config {
	return compaction.Config{
		MaxSummaryTokens:   c.MaxSummaryTokens,
		SummaryTimeout:     c.SummaryTimeout,
		Model:              c.Model,
		MinReduction:       c.MinReduction,
		DisableFallback:    c.DisableFallback,
		TruncationMarker:   c.TruncationMarker,
		DefaultEntryTokens: c.DefaultEntryTokens,
	}
}

// ToMemoryConfig 转换为工作记忆配置
func (c WorkingMemoryConfig) ToMemoryConfig() memory.Config {
	return memory.Config{
		MaxSizeBytes:         c.MaxSizeBytes,
		MaxIndexEntries:      c.MaxIndexEntries,
		DescriptionMaxLength: c.DescriptionMaxLength,
		FlushSchedule:        c.FlushSchedule,
	}
}

// Strategy 返回淘汰策略，未知值按 LRU 处理
func (c WorkingMemoryConfig) Strategy() memory.EvictionStrategy {
	if memory.EvictionStrategy(c.EvictionStrategy) == memory.EvictSize {
		return memory.EvictSize
	}
	return memory.EvictLRU
}

// ToInContextConfig 转换为上下文内记忆配置
func (c InContextConfig) ToInContextConfig() incontext.Config {
	return incontext.Config{MaxEntries: c.MaxEntries}
}

// ToToolResultConfig 转换为工具结果跟踪配置
func (c ToolResultsConfig) ToToolResultConfig() toolresult.Config {
	return toolresult.Config{
		MaxTotalBytes:              c.MaxTotalBytes,
		MaxFullResults:             c.MaxFullResults,
		DefaultRetentionIterations: c.DefaultRetentionIterations,
		MinSizeToEvict:             c.MinSizeToEvict,
		ToolRetention:              c.ToolRetention,
		ToolMinSize:                c.ToolMinSize,
		KeyPrefix:                  c.KeyPrefix,
	}
}

// Validate 检查配置的一致性
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "sqlite", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Budget.MaxContextTokens <= 0 {
		errs = append(errs, errors.New("budget.max_context_tokens must be positive"))
	}
	if c.Budget.ReserveTokens < 0 || c.Budget.FixedOverheadTokens < 0 {
		errs = append(errs, errors.New("budget: reserve and overhead tokens must not be negative"))
	}
	if c.Budget.ReserveTokens+c.Budget.FixedOverheadTokens >= c.Budget.MaxContextTokens {
		errs = append(errs, errors.New("budget: reserve and overhead leave no room for context"))
	}
	if c.Budget.TaskType != "" && !knownTaskType(c.Budget.TaskType) {
		errs = append(errs, fmt.Errorf("budget.task_type: unknown task type %q", c.Budget.TaskType))
	}
	if c.Compaction.MinReduction < 0 || c.Compaction.MinReduction >= 1 {
		errs = append(errs, errors.New("compaction.min_reduction must be in [0, 1)"))
	}
	switch memory.EvictionStrategy(c.WorkingMemory.EvictionStrategy) {
	case "", memory.EvictLRU, memory.EvictSize:
	default:
		errs = append(errs, fmt.Errorf("working_memory.eviction_strategy: unknown strategy %q", c.WorkingMemory.EvictionStrategy))
	}
	return errors.Join(errs...)
}

func knownTaskType(s string) bool {
	for _, tt := range internalContext.TaskTypes() {
		if string(tt) == strings.ToLower(strings.TrimSpace(s)) {
			return true
		}
	}
	return false
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load 加载配置文件
// 优先级: ENV > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	configPath = ""
	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath
		viper.SetConfigFile(expandedPath)
	}
	return read()
}

// Reload 重新读取已加载的配置文件
func Reload() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	return read()
}

// read 读取并校验配置，调用者需要持有锁
func read() (*Config, error) {
	if configPath != "" {
		if err := viper.ReadInConfig(); err != nil {
			// 忽略文件不存在错误，解析错误需要返回
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig 获取当前配置
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Path 返回当前配置文件路径
func Path() string {
	mu.RLock()
	defer mu.RUnlock()
	return configPath
}

// Get 获取任意配置键值
func Get(key string) any {
	return viper.Get(key)
}

// GetString 获取字符串配置
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt 获取整数配置
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool 获取布尔配置
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// Set 设置配置值并持久化
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)
	if configPath != "" {
		return save()
	}
	return nil
}

// Save 保存配置到文件
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

// save 内部保存函数，调用者需要持有锁
func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0644)
}

// SaveTo 保存配置到指定路径
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Reset 重置配置（主要用于测试）
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}
