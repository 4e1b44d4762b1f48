package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ctxbudget/internal/config"
	"ctxbudget/pkg/logger"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// writeConfig writes a config file whose database lives in dir. storage
// holds extra lines for the storage section; extra is appended verbatim.
func writeConfig(t *testing.T, dir, storage, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("log:\n  level: error\n  format: json\nstorage:\n  path: %s\n%s%s",
		filepath.Join(dir, "data.db"), indent(storage), extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// runCLI executes the root command and returns stdout.
func runCLI(t *testing.T, configFile string, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		config.Reset()
		_ = logger.Close()
	})

	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", configFile}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// toolSession builds a fixture with rounds of grep calls returning size
// bytes each.
func toolSession(sessionID string, rounds, size int) *Fixture {
	fx := &Fixture{
		SessionID:    sessionID,
		TaskType:     "coding",
		SystemPrompt: "You are a careful coding assistant.",
		Messages: []FixtureMessage{
			{Role: "user", Content: "find every caller of the flush function"},
		},
	}
	line := "internal/memory/state.go:103: func (m *WorkingMemory) Flush\n"
	for i := 0; i < rounds; i++ {
		id := fmt.Sprintf("call-%d", i)
		fx.Messages = append(fx.Messages,
			FixtureMessage{Role: "assistant", ToolCalls: []FixtureToolCall{{ID: id, Name: "grep", Arguments: `{"pattern":"Flush"}`}}},
			FixtureMessage{Role: "tool", ToolCallID: id, Content: line, Repeat: size/len(line) + 1},
		)
	}
	fx.Messages = append(fx.Messages, FixtureMessage{Role: "assistant", Content: "Found the callers."})
	return fx
}

func writeFixture(t *testing.T, dir string, fx *Fixture) string {
	t.Helper()
	data, err := yaml.Marshal(fx)
	require.NoError(t, err)
	path := filepath.Join(dir, "fixture.yaml")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func indent(s string) string {
	if s == "" {
		return ""
	}
	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		sb.WriteString("  " + line + "\n")
	}
	return sb.String()
}
