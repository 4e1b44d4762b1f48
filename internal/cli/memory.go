package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"ctxbudget/internal/memory"
	"ctxbudget/pkg/logger"

	"github.com/spf13/cobra"
)

// NewMemoryCmd creates the memory command.
func NewMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect persisted working memory",
		Long: `List, read and clean working-memory namespaces persisted by the
configured storage driver. A namespace is usually a session ID.`,
	}

	cmd.AddCommand(newMemoryListCmd())
	cmd.AddCommand(newMemoryGetCmd())
	cmd.AddCommand(newMemoryDeleteCmd())
	cmd.AddCommand(newMemoryCleanupRawCmd())
	cmd.AddCommand(newMemoryIndexCmd())

	return cmd
}

// withNamespace loads namespace into a WorkingMemory, runs fn, and destroys
// the store afterwards, which flushes any change fn made.
func withNamespace(cmd *cobra.Command, namespace string, fn func(wm *memory.WorkingMemory) error) (err error) {
	ctx := cmd.Context()
	cliCtx := GetCLIContext(cmd)
	backend, err := cliCtx.Backend(ctx)
	if err != nil {
		return err
	}

	wm := memory.New(memory.Options{
		Config:    cliCtx.Config.WorkingMemory.ToMemoryConfig(),
		Namespace: namespace,
		Backend:   backend,
		Logger:    logger.Component("memory"),
	})
	defer func() {
		if derr := wm.Destroy(context.WithoutCancel(ctx)); derr != nil && err == nil {
			err = derr
		}
	}()

	if err := wm.Load(ctx); err != nil {
		return err
	}
	return fn(wm)
}

func newMemoryListCmd() *cobra.Command {
	var (
		pattern    string
		tier       string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list [namespace]",
		Short: "List namespaces, or the entries of one namespace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runMemoryNamespaces(cmd, jsonOutput)
			}
			return withNamespace(cmd, args[0], func(wm *memory.WorkingMemory) error {
				results := wm.Query(memory.Query{Pattern: pattern, Tier: memory.Tier(tier), IncludeStats: true})
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), results)
				}
				if len(results) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No entries found.")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tTIER\tPRIORITY\tSIZE\tACCESSES\tDESCRIPTION")
				for _, r := range results {
					t := string(r.Tier)
					if t == "" {
						t = "-"
					}
					p := r.Priority.String()
					if r.Pinned {
						p += "*"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
						r.Key, t, p, formatBytes(r.Stats.SizeBytes), r.Stats.AccessCount, truncate(r.Description, 60))
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\n%d entries\n", len(results))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&pattern, "pattern", "p", "", "key pattern (glob or substring)")
	cmd.Flags().StringVar(&tier, "tier", "", "filter by tier (raw, summary, findings)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

type namespaceInfo struct {
	Namespace string `json:"namespace"`
	Entries   int    `json:"entries"`
	Bytes     int    `json:"bytes"`
}

func runMemoryNamespaces(cmd *cobra.Command, jsonOutput bool) error {
	ctx := cmd.Context()
	backend, err := GetCLIContext(cmd).Backend(ctx)
	if err != nil {
		return err
	}
	names, err := backend.Namespaces(ctx)
	if err != nil {
		return err
	}

	infos := make([]namespaceInfo, 0, len(names))
	for _, ns := range names {
		entries, err := backend.LoadAll(ctx, ns)
		if err != nil {
			return fmt.Errorf("load %s: %w", ns, err)
		}
		info := namespaceInfo{Namespace: ns, Entries: len(entries)}
		for _, e := range entries {
			info.Bytes += e.SizeBytes
		}
		infos = append(infos, info)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No namespaces found.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tENTRIES\tSIZE")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%d\t%s\n", info.Namespace, info.Entries, formatBytes(info.Bytes))
	}
	return w.Flush()
}

func newMemoryGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <namespace> <key>",
		Short: "Print the value of an entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd, args[0], func(wm *memory.WorkingMemory) error {
				value, ok := wm.Retrieve(args[1])
				if !ok {
					return fmt.Errorf("entry not found: %s", args[1])
				}
				var buf bytes.Buffer
				if err := json.Indent(&buf, value, "", "  "); err != nil {
					buf.Reset()
					buf.Write(value)
				}
				fmt.Fprintln(cmd.OutOrStdout(), buf.String())
				return nil
			})
		},
	}
}

func newMemoryDeleteCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "delete <namespace> [key...]",
		Short: "Delete entries, or a whole namespace with --all",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, keys := args[0], args[1:]
			out := cmd.OutOrStdout()

			if all {
				if len(keys) > 0 {
					return errors.New("--all does not take keys")
				}
				backend, err := GetCLIContext(cmd).Backend(cmd.Context())
				if err != nil {
					return err
				}
				n, err := backend.DeleteNamespace(cmd.Context(), ns)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Deleted namespace %s (%d entries)\n", ns, n)
				return nil
			}
			if len(keys) == 0 {
				return errors.New("no keys given (use --all to delete the namespace)")
			}

			return withNamespace(cmd, ns, func(wm *memory.WorkingMemory) error {
				deleted := 0
				for _, key := range keys {
					if wm.Delete(key) {
						deleted++
					} else {
						fmt.Fprintf(cmd.ErrOrStderr(), "not found: %s\n", key)
					}
				}
				fmt.Fprintf(out, "Deleted %d entries\n", deleted)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "delete the whole namespace")

	return cmd
}

func newMemoryCleanupRawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-raw <namespace>",
		Short: "Delete every raw-tier entry of a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd, args[0], func(wm *memory.WorkingMemory) error {
				removed := wm.CleanupRaw()
				for _, key := range removed {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", key)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d raw entries\n", len(removed))
				return nil
			})
		},
	}
}

func newMemoryIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index <namespace>",
		Short: "Print the memory index as the model sees it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd, args[0], func(wm *memory.WorkingMemory) error {
				fmt.Fprintln(cmd.OutOrStdout(), wm.FormatIndex())
				return nil
			})
		},
	}
}
