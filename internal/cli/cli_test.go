package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/reportgen/internal/budget"
	"github.com/Kocoro-lab/reportgen/internal/config"
	"github.com/Kocoro-lab/reportgen/internal/health"
	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/pipeline"
	"github.com/Kocoro-lab/reportgen/internal/streaming"
)

func TestVersionCommand(t *testing.T) {
	old := Version
	Version = "1.2.3"
	defer func() { Version = old }()

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "reportgen 1.2.3\n", out.String())
}

func TestRunRequiresTopic(t *testing.T) {
	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run"})
	assert.Error(t, root.Execute())
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		want          zapcore.Level
		wantErr       bool
	}{
		{level: "debug", format: "json", want: zap.DebugLevel},
		{level: "warn", format: "console", want: zap.WarnLevel},
		{level: "error", format: "JSON", want: zap.ErrorLevel},
		{level: "loud", format: "json", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			assert.False(t, logger.Core().Enabled(tt.want-1))
		})
	}
}

func TestApplyFlags(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	o := &runOptions{}
	cmd := runCommand(o)
	require.NoError(t, cmd.ParseFlags([]string{"--depth", "5", "--metrics"}))
	require.NoError(t, applyFlags(cmd, o, cfg))
	assert.Equal(t, 5, cfg.Workflow.Depth)
	assert.Equal(t, 1, cfg.Workflow.ChapterConcurrency, "unset flags keep the config value")
	assert.True(t, cfg.Observability.Metrics.Enabled)
}

func TestApplyFlagsRejectsInvalid(t *testing.T) {
	tests := map[string][]string{
		"zero depth":        {"--depth=0"},
		"question alone":    {"--question", "Which region?"},
		"negative chapters": {"--concurrency=-1"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			cfg, err := config.Load("")
			require.NoError(t, err)
			o := &runOptions{}
			cmd := runCommand(o)
			require.NoError(t, cmd.ParseFlags(args))
			assert.Error(t, applyFlags(cmd, o, cfg))
		})
	}
}

func TestConversation(t *testing.T) {
	assert.Equal(t, []llm.Message{{Role: llm.MessageUser, Content: "EVs"}}, conversation("EVs", &runOptions{}))

	msgs := conversation("EVs", &runOptions{question: "Which region?", answer: "Europe"})
	assert.Equal(t, []llm.Message{
		{Role: llm.MessageUser, Content: "EVs"},
		{Role: llm.MessageAssistant, Content: "Which region?"},
		{Role: llm.MessageUser, Content: "Europe"},
	}, msgs)
}

func TestPrintEvents(t *testing.T) {
	events := make(chan streaming.Event, 8)
	events <- streaming.Event{Type: streaming.Delta, Text: "# Title\n"}
	events <- streaming.Event{Type: streaming.ChapterStarted, Text: "## One"}
	events <- streaming.Event{Type: streaming.Delta, Text: "body"}
	events <- streaming.Event{Type: streaming.ChapterCompleted}
	events <- streaming.Event{Type: streaming.ReportCompleted, Text: "ignored"}
	close(events)

	var out bytes.Buffer
	printEvents(&out, events)
	assert.Equal(t, "# Title\n\n## One\nbody\n", out.String())
}

func TestWriteOutput(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("report saved", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "reports")
		var out bytes.Buffer
		report := "# T\n\nbody[^1]\n\n[^1]: https://a.example/"
		err := writeOutput(&out, &pipeline.Output{Kind: pipeline.KindReport, Message: report, Report: report}, dir, logger)
		require.NoError(t, err)
		assert.Equal(t, report+"\n", out.String())

		files, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, files, 1)
		data, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
		require.NoError(t, err)
		assert.Equal(t, report, string(data))
	})

	t.Run("clarify", func(t *testing.T) {
		var out bytes.Buffer
		err := writeOutput(&out, &pipeline.Output{Kind: pipeline.KindClarify, Message: "Which region?"}, "", logger)
		require.NoError(t, err)
		assert.Contains(t, out.String(), `--question "Which region?"`)
	})

	t.Run("generic", func(t *testing.T) {
		var out bytes.Buffer
		dir := t.TempDir()
		require.NoError(t, writeOutput(&out, &pipeline.Output{Kind: pipeline.KindGeneric, Message: "hi"}, dir, logger))
		assert.Equal(t, "hi\n", out.String())
		files, _ := os.ReadDir(dir)
		assert.Empty(t, files, "only reports are saved")
	})

	t.Run("failures", func(t *testing.T) {
		assert.Error(t, writeOutput(&bytes.Buffer{}, &pipeline.Output{Kind: pipeline.KindEmpty}, "", logger))
		assert.Error(t, writeOutput(&bytes.Buffer{}, &pipeline.Output{Kind: pipeline.KindOutlineFailed, Message: "raw"}, "", logger))
	})
}

func TestBuildWiresHealthChecks(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.References.Backend = "redis"
	cfg.References.Redis.Addr = mr.Addr()

	logger := zaptest.NewLogger(t)
	p, checks, closeRefs, err := build(context.Background(), cfg, "run-1", streaming.New(8), budget.NewMonitor(0, 0, logger), logger)
	require.NoError(t, err)
	require.NotNil(t, p)
	defer func() { assert.NoError(t, closeRefs()) }()

	assert.Equal(t, []string{"circuit_breakers", "references"}, checks.Names())
	report := checks.Check(context.Background())
	assert.Equal(t, health.StatusHealthy, report.Status)
}
