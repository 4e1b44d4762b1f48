package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ctxbudget/internal/config"
	"ctxbudget/internal/memory"
	"ctxbudget/internal/storage"
	"ctxbudget/pkg/logger"

	"github.com/rs/zerolog"
)

// errNoPersistence is returned by commands that need a persistent backend
// when storage.driver is "memory".
var errNoPersistence = errors.New(`storage.driver is "memory": nothing is persisted`)

// MemoryBackend is a memory.Backend that can also enumerate and drop
// namespaces.
type MemoryBackend interface {
	memory.Backend
	Namespaces(ctx context.Context) ([]string, error)
	DeleteNamespace(ctx context.Context, namespace string) (int64, error)
}

// CLIContext CLI 上下文
type CLIContext struct {
	Config     *config.Config
	ConfigPath string
	Logger     *zerolog.Logger
	Verbose    bool
	Quiet      bool

	mu    sync.Mutex
	db    *storage.DB
	redis *storage.RedisBackend
}

// NewCLIContext 创建 CLI 上下文
func NewCLIContext(cfg *config.Config, configPath string, log *zerolog.Logger, verbose, quiet bool) *CLIContext {
	return &CLIContext{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     log,
		Verbose:    verbose,
		Quiet:      quiet,
	}
}

// DB 获取 SQLite 连接（懒加载）
func (c *CLIContext) DB(ctx context.Context) (*storage.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dbLocked(ctx)
}

func (c *CLIContext) dbLocked(ctx context.Context) (*storage.DB, error) {
	if c.db != nil {
		return c.db, nil
	}
	path := c.Config.Storage.Path
	if path == "" {
		var err error
		if path, err = config.DefaultDataPath(); err != nil {
			return nil, err
		}
	}
	db, err := storage.Open(ctx, path, logger.Component("storage"))
	if err != nil {
		return nil, err
	}
	c.db = db
	return db, nil
}

// Backend returns the configured working-memory backend.
func (c *CLIContext) Backend(ctx context.Context) (MemoryBackend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sc := c.Config.Storage
	switch sc.Driver {
	case "sqlite":
		db, err := c.dbLocked(ctx)
		if err != nil {
			return nil, err
		}
		return storage.NewSQLiteBackend(db, sc.CompressThreshold), nil
	case "redis":
		if c.redis != nil {
			return c.redis, nil
		}
		rb, err := storage.NewRedisBackend(ctx, storage.RedisOptions{
			URL:               sc.RedisURL,
			KeyPrefix:         sc.KeyPrefix,
			CompressThreshold: sc.CompressThreshold,
		})
		if err != nil {
			return nil, err
		}
		c.redis = rb
		return rb, nil
	case "memory":
		return nil, errNoPersistence
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

// Snapshots returns the snapshot store. Snapshots always live in SQLite;
// they are unavailable only with the "memory" driver.
func (c *CLIContext) Snapshots(ctx context.Context) (*storage.SnapshotStore, error) {
	if c.Config.Storage.Driver == "memory" {
		return nil, errNoPersistence
	}
	db, err := c.DB(ctx)
	if err != nil {
		return nil, err
	}
	return storage.NewSnapshotStore(db, c.Config.Storage.CompressThreshold), nil
}

// Close 关闭资源
func (c *CLIContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
		c.redis = nil
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
		c.db = nil
	}
	return errors.Join(errs...)
}

// Log 获取 Logger
func (c *CLIContext) Log() *zerolog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.Get()
}
