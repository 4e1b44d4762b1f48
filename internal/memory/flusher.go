package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Flusher periodically flushes one or more WorkingMemory instances to their
// backends on a cron schedule.
type Flusher struct {
	mu       sync.Mutex
	cron     *cron.Cron
	entryID  cron.EntryID
	schedule string
	timeout  time.Duration
	stores   map[string]*WorkingMemory
	logger   zerolog.Logger
	running  bool
}

// NewFlusher creates a Flusher for schedule, a standard cron spec or a
// descriptor such as "@every 5s".
func NewFlusher(schedule string, logger zerolog.Logger) (*Flusher, error) {
	if schedule == "" {
		schedule = DefaultConfig().FlushSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("memory: invalid flush schedule %q: %w", schedule, err)
	}
	return &Flusher{
		cron:     cron.New(cron.WithParser(parser)),
		schedule: schedule,
		timeout:  30 * time.Second,
		stores:   make(map[string]*WorkingMemory),
		logger:   logger,
	}, nil
}

// Add registers m for periodic flushing.
func (f *Flusher) Add(m *WorkingMemory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores[m.Namespace()] = m
}

// Remove unregisters the store with namespace.
func (f *Flusher) Remove(namespace string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stores, namespace)
}

// Start begins the schedule.
func (f *Flusher) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	id, err := f.cron.AddFunc(f.schedule, func() { f.FlushAll(context.Background()) })
	if err != nil {
		return err
	}
	f.entryID = id
	f.cron.Start()
	f.running = true
	f.logger.Debug().Str("schedule", f.schedule).Msg("memory: flusher started")
	return nil
}

// Stop halts the schedule, waits for a running flush, then flushes once
// more so no pending change is lost.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.cron.Remove(f.entryID)
	f.mu.Unlock()

	<-f.cron.Stop().Done()
	f.FlushAll(context.Background())
	f.logger.Debug().Msg("memory: flusher stopped")
}

// FlushAll flushes every registered store and returns how many failed.
// Destroyed stores are dropped from the set.
func (f *Flusher) FlushAll(ctx context.Context) int {
	f.mu.Lock()
	stores := make([]*WorkingMemory, 0, len(f.stores))
	for ns, m := range f.stores {
		if m.Destroyed() {
			delete(f.stores, ns)
			continue
		}
		stores = append(stores, m)
	}
	timeout := f.timeout
	f.mu.Unlock()

	failed := 0
	for _, m := range stores {
		fctx, cancel := context.WithTimeout(ctx, timeout)
		if err := m.flushIfAlive(fctx); err != nil {
			failed++
			f.logger.Warn().Err(err).Str("namespace", m.Namespace()).Msg("memory: scheduled flush failed")
		}
		cancel()
	}
	return failed
}
