package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"unicode/utf8"

	"ctxbudget/internal/compaction"
	"ctxbudget/internal/provider"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// estimateMode selects how input is interpreted.
type estimateMode string

const (
	estimateText     estimateMode = "text"
	estimateData     estimateMode = "data"
	estimateMessages estimateMode = "messages"
)

// Estimate is the token estimate for one input.
type Estimate struct {
	Source string                         `json:"source"`
	Bytes  int                            `json:"bytes"`
	Runes  int                            `json:"runes"`
	Mode   estimateMode                   `json:"mode"`
	Tokens map[compaction.ContentType]int `json:"tokens"`
}

// NewEstimateCmd 创建 estimate 命令
func NewEstimateCmd() *cobra.Command {
	var (
		asData     bool
		asMessages bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "estimate [file...]",
		Short: "Estimate token counts",
		Long: `Estimate the tokens a file (or stdin with "-" or no argument) costs in
the context window for each content type.

With --data the input is parsed as YAML or JSON and estimated as structured
data; with --messages it is parsed as a list of chat messages.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := estimateText
			switch {
			case asData && asMessages:
				return fmt.Errorf("--data and --messages are mutually exclusive")
			case asData:
				mode = estimateData
			case asMessages:
				mode = estimateMessages
			}
			if len(args) == 0 {
				args = []string{"-"}
			}

			est := compaction.NewTokenCounter()
			results := make([]Estimate, 0, len(args))
			for _, src := range args {
				data, err := readInput(cmd.InOrStdin(), src)
				if err != nil {
					return err
				}
				e, err := estimateInput(est, src, data, mode)
				if err != nil {
					return err
				}
				results = append(results, e)
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), results)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tBYTES\tMODE\tCODE\tPROSE\tMIXED")
			for _, e := range results {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%d\n", e.Source, e.Bytes, e.Mode,
					e.Tokens[compaction.ContentCode], e.Tokens[compaction.ContentProse], e.Tokens[compaction.ContentMixed])
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asData, "data", false, "parse input as YAML/JSON data")
	cmd.Flags().BoolVar(&asMessages, "messages", false, "parse input as a list of chat messages")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func readInput(stdin io.Reader, src string) ([]byte, error) {
	if src == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", src, err)
	}
	return data, nil
}

func estimateInput(est *compaction.TokenCounter, src string, data []byte, mode estimateMode) (Estimate, error) {
	e := Estimate{
		Source: src,
		Bytes:  len(data),
		Runes:  utf8.RuneCount(data),
		Mode:   mode,
		Tokens: make(map[compaction.ContentType]int, 3),
	}

	var value any
	switch mode {
	case estimateData:
		if err := yaml.Unmarshal(data, &value); err != nil {
			return Estimate{}, fmt.Errorf("parse %s: %w", src, err)
		}
	case estimateMessages:
		var fms []FixtureMessage
		if err := yaml.Unmarshal(data, &fms); err != nil {
			return Estimate{}, fmt.Errorf("parse %s: %w", src, err)
		}
		msgs := make([]provider.Message, len(fms))
		for i, fm := range fms {
			msgs[i] = fm.Message()
		}
		// Message estimates do not depend on the content type.
		n := est.EstimateMessages(msgs)
		for _, ct := range contentTypes {
			e.Tokens[ct] = n
		}
		return e, nil
	default:
		value = string(data)
	}

	for _, ct := range contentTypes {
		e.Tokens[ct] = est.EstimateDataTokens(value, ct)
	}
	return e, nil
}

var contentTypes = []compaction.ContentType{compaction.ContentCode, compaction.ContentProse, compaction.ContentMixed}
