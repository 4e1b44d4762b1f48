package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"ctxbudget/internal/compaction"
	"ctxbudget/internal/config"
	internalContext "ctxbudget/internal/context"
	"ctxbudget/internal/incontext"
	"ctxbudget/internal/memory"
	"ctxbudget/internal/plugin"
	"ctxbudget/internal/provider"
	"ctxbudget/internal/toolresult"
	"ctxbudget/pkg/logger"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// session is one wired context pipeline: a conversation with its tool-result
// tracker, a working memory and an in-context store under a Manager.
type session struct {
	id      string
	manager *internalContext.Manager
	conv    *plugin.Conversation
	tracker *toolresult.Tracker
	memory  *memory.WorkingMemory
	live    *incontext.Store
}

// newSession wires a session from cfg. backend and snapshots are optional.
func newSession(cfg *config.Config, id string, backend memory.Backend, snapshots internalContext.SnapshotStore) (*session, error) {
	est := compaction.NewTokenCounter()

	wm := memory.New(memory.Options{
		Config:     cfg.WorkingMemory.ToMemoryConfig(),
		Namespace:  id,
		Backend:    backend,
		Calculator: memory.PlanAwarePriority,
		Logger:     logger.Component("memory"),
	})
	tracker := toolresult.New(toolresult.Options{
		Config: cfg.ToolResults.ToToolResultConfig(),
		Memory: wm,
		Logger: logger.Component("toolresult"),
	})
	live := incontext.New(incontext.Options{
		Config: cfg.InContext.ToInContextConfig(),
		Logger: logger.Component("incontext"),
	})
	conv := plugin.NewConversation(plugin.ConversationOptions{
		Tracker:            tracker,
		MaxToolResultBytes: cfg.ToolResults.MaxToolResultBytes,
		Spill:              wm,
		SpillPrefix:        cfg.ToolResults.KeyPrefix,
		Logger:             logger.Component("conversation"),
	})

	mgr := internalContext.NewManager(internalContext.Options{
		Config:     cfg.Budget.ToContextConfig(),
		Compactors: internalContext.DefaultCompactors(cfg.Compaction.ToCompactionConfig(), nil, est, logger.Component("compaction")),
		Estimator:  est,
		Snapshots:  snapshots,
		SessionID:  id,
		Logger:     logger.Component("context"),
	})

	plugins := []internalContext.Plugin{
		conv,
		plugin.NewWorkingMemory(plugin.WorkingMemoryOptions{Memory: wm, Strategy: cfg.WorkingMemory.Strategy(), Estimator: est}),
		plugin.NewInContext(plugin.InContextOptions{Store: live}),
	}
	for _, p := range plugins {
		if err := mgr.Register(p); err != nil {
			_ = mgr.Destroy(context.Background())
			return nil, err
		}
	}

	return &session{id: id, manager: mgr, conv: conv, tracker: tracker, memory: wm, live: live}, nil
}

// replay feeds fx into the session. An agent iteration ends before every
// assistant message after the first, and Iterations more end after the
// last message. It returns the tool-result passes that evicted something.
func (s *session) replay(ctx context.Context, fx *Fixture) ([]toolresult.Report, error) {
	if fx.SystemPrompt != "" {
		s.conv.SetSystemPrompt(fx.SystemPrompt)
	}
	for _, e := range fx.WorkingMemory {
		opts, err := e.StoreOptions()
		if err != nil {
			return nil, err
		}
		if _, err := s.memory.Store(e.Key, e.Description, e.Value, opts); err != nil {
			return nil, fmt.Errorf("store %s: %w", e.Key, err)
		}
	}
	for _, e := range fx.InContext {
		p, err := memory.ParsePriority(e.Priority)
		if err != nil {
			return nil, err
		}
		if err := s.live.Set(e.Key, e.Description, e.Value, p); err != nil {
			return nil, fmt.Errorf("set %s: %w", e.Key, err)
		}
	}

	var reports []toolresult.Report
	endIteration := func() {
		if r := s.conv.EndIteration(ctx); len(r.Evicted) > 0 {
			reports = append(reports, r)
		}
	}
	seenAssistant := false
	for _, fm := range fx.Messages {
		msg := fm.Message()
		if msg.Role == provider.RoleSystem {
			s.conv.SetSystemPrompt(msg.Content)
			continue
		}
		if msg.Role == provider.RoleAssistant {
			if seenAssistant {
				endIteration()
			}
			seenAssistant = true
		}
		s.conv.AddMessage(msg)
	}
	for i := 0; i < fx.Iterations; i++ {
		endIteration()
	}
	return reports, nil
}

// lastUserMessage is the detector hint for Prepare.
func (s *session) lastUserMessage() string {
	msgs := s.conv.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == provider.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func (s *session) close(ctx context.Context) error {
	return s.manager.Destroy(ctx)
}

// SimulateReport is the outcome of one simulate run.
type SimulateReport struct {
	SessionID       string                  `json:"session_id"`
	Resumed         bool                    `json:"resumed,omitempty"`
	Messages        int                     `json:"messages"`
	Result          *internalContext.Result `json:"result"`
	ToolEvictions   []toolresult.Report     `json:"tool_result_evictions,omitempty"`
	ToolResults     toolresult.Stats        `json:"tool_results"`
	WorkingMemory   memory.Stats            `json:"working_memory"`
	InContextTokens int                     `json:"in_context_tokens"`
	SnapshotVersion int                     `json:"snapshot_version,omitempty"`
}

type simulateOptions struct {
	sessionID  string
	taskType   string
	resume     bool
	checkpoint bool
	jsonOutput bool
	watch      bool
}

// NewSimulateCmd 创建 simulate 命令
func NewSimulateCmd() *cobra.Command {
	var opts simulateOptions

	cmd := &cobra.Command{
		Use:   "simulate <fixture>",
		Short: "Run a budget pass over a recorded session",
		Long: `Replay a YAML or JSON session fixture through the context pipeline and
report what the budget pass compacted.

Working-memory entries are persisted to the configured storage under the
session ID. With --checkpoint the final state is saved as a snapshot, and
--resume restores the latest snapshot before replaying. With --watch the
pass reruns whenever the config file changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fx, err := LoadFixture(args[0])
			if err != nil {
				return err
			}
			cliCtx := GetCLIContext(cmd)
			if !opts.watch {
				return runSimulate(cmd.Context(), cliCtx, cliCtx.Config, fx, opts, cmd.OutOrStdout())
			}
			return watchSimulate(cmd, cliCtx, fx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session ID (default: fixture session_id or a new UUID)")
	cmd.Flags().StringVar(&opts.taskType, "task", "", "task type: general, research, coding, analysis, chat")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "restore the latest snapshot before replaying")
	cmd.Flags().BoolVar(&opts.checkpoint, "checkpoint", false, "save a snapshot after the pass")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "rerun when the config file changes")

	return cmd
}

func runSimulate(ctx context.Context, cliCtx *CLIContext, cfg *config.Config, fx *Fixture, opts simulateOptions, out io.Writer) error {
	report, err := simulate(ctx, cliCtx, cfg, fx, opts)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printJSON(out, report)
	}
	printSimulateReport(out, report)
	return nil
}

func simulate(ctx context.Context, cliCtx *CLIContext, cfg *config.Config, fx *Fixture, opts simulateOptions) (rep *SimulateReport, err error) {
	id := opts.sessionID
	if id == "" {
		id = fx.SessionID
	}
	if id == "" {
		id = uuid.NewString()
	}

	var backend memory.Backend
	var snapshots internalContext.SnapshotStore
	if cfg.Storage.Driver != "memory" {
		b, err := cliCtx.Backend(ctx)
		if err != nil {
			return nil, err
		}
		backend = b
		ss, err := cliCtx.Snapshots(ctx)
		if err != nil {
			return nil, err
		}
		snapshots = ss
	} else if opts.resume || opts.checkpoint {
		return nil, errNoPersistence
	}

	s, err := newSession(cfg, id, backend, snapshots)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := s.close(ctx); cerr != nil && err == nil {
			err = fmt.Errorf("close session: %w", cerr)
		}
	}()

	if backend != nil {
		// Large fixtures replay long enough for scheduled flushes to run;
		// Stop always flushes what is left.
		flusher, err := memory.NewFlusher(cfg.WorkingMemory.FlushSchedule, logger.Component("flusher"))
		if err != nil {
			return nil, err
		}
		flusher.Add(s.memory)
		if err := flusher.Start(); err != nil {
			return nil, err
		}
		defer flusher.Stop()
	}

	rep = &SimulateReport{SessionID: id}
	if opts.resume {
		if rep.Resumed, err = s.manager.Resume(ctx); err != nil {
			return nil, err
		}
	}

	if rep.ToolEvictions, err = s.replay(ctx, fx); err != nil {
		return nil, err
	}

	taskType := opts.taskType
	if taskType == "" {
		taskType = fx.TaskType
	}
	res, err := s.manager.Prepare(ctx, internalContext.PrepareOptions{
		TaskType: internalContext.TaskType(taskType),
		Hint:     s.lastUserMessage(),
	})
	if err != nil {
		return nil, err
	}
	rep.Result = res
	rep.Messages = s.conv.Len()
	rep.ToolResults = s.tracker.Stats()
	rep.WorkingMemory = s.memory.Stats()
	rep.InContextTokens = s.live.TotalTokens(compaction.NewTokenCounter())

	if opts.checkpoint {
		if rep.SnapshotVersion, err = s.manager.Checkpoint(ctx); err != nil {
			return nil, err
		}
		if keep := cfg.Storage.SnapshotKeep; keep > 0 {
			if ss, ok := snapshots.(interface {
				PruneSnapshots(ctx context.Context, sessionID string, keep int) (int64, error)
			}); ok {
				if _, err := ss.PruneSnapshots(ctx, id, keep); err != nil {
					cliCtx.Log().Warn().Err(err).Str("session_id", id).Msg("simulate: prune snapshots failed")
				}
			}
		}
	}
	return rep, nil
}

func printSimulateReport(out io.Writer, rep *SimulateReport) {
	fmt.Fprintf(out, "Session %s", rep.SessionID)
	if rep.Resumed {
		fmt.Fprint(out, " (resumed)")
	}
	fmt.Fprintf(out, ": %d messages\n", rep.Messages)
	fmt.Fprint(out, rep.Result.String())
	for _, r := range rep.ToolEvictions {
		fmt.Fprintf(out, "tool results: %s\n", r)
		for _, e := range r.Evicted {
			fmt.Fprintf(out, "  %s (%s, %s) -> %s\n", e.ToolUseID, e.ToolName, formatBytes(e.SizeBytes), e.MemoryKey)
		}
	}
	fmt.Fprintf(out, "working memory: %d entries, %s\n", rep.WorkingMemory.Entries, formatBytes(rep.WorkingMemory.TotalBytes))
	if rep.SnapshotVersion > 0 {
		fmt.Fprintf(out, "snapshot: version %d\n", rep.SnapshotVersion)
	}
}

// watchSimulate runs the pass once, then again after every config reload,
// until interrupted.
func watchSimulate(cmd *cobra.Command, cliCtx *CLIContext, fx *Fixture, opts simulateOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()

	if err := runSimulate(ctx, cliCtx, cliCtx.Config, fx, opts, out); err != nil {
		return err
	}

	reloads := make(chan *config.Config, 1)
	w, err := config.NewWatcher(func(cfg *config.Config, err error) {
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "config reload failed: %v\n", err)
			return
		}
		select {
		case reloads <- cfg:
		default:
		}
	}, logger.Component("config"))
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Fprintf(out, "watching %s (Ctrl-C to stop)\n", cliCtx.ConfigPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg := <-reloads:
			cliCtx.Config = cfg
			if err := runSimulate(ctx, cliCtx, cfg, fx, opts, out); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "simulate: %v\n", err)
			}
		}
	}
}
