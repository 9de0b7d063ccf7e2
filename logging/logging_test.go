package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		wantErr bool
		check   func(t *testing.T, s Spec)
	}{
		{
			name: "empty defaults to info",
			spec: "",
			check: func(t *testing.T, s Spec) {
				assert.Equal(t, slog.LevelInfo, s.BaseLevel)
				assert.Empty(t, s.Components)
			},
		},
		{
			name: "base level only",
			spec: "debug",
			check: func(t *testing.T, s Spec) {
				assert.Equal(t, slog.LevelDebug, s.BaseLevel)
			},
		},
		{
			name: "base with overrides",
			spec: "warn,procs=debug,ftrace=info",
			check: func(t *testing.T, s Spec) {
				assert.Equal(t, slog.LevelWarn, s.BaseLevel)
				assert.Equal(t, slog.LevelDebug, s.Components["procs"])
				assert.Equal(t, slog.LevelInfo, s.Components["ftrace"])
			},
		},
		{
			name:    "base level not first",
			spec:    "procs=debug,info",
			wantErr: true,
		},
		{
			name:    "unknown level",
			spec:    "loud",
			wantErr: true,
		},
		{
			name:    "empty component name",
			spec:    "info,=debug",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSpec(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, s)
		})
	}
}

func TestLevelFor(t *testing.T) {
	s, err := ParseSpec("warn,procs=debug")
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, s.LevelFor("procs"))
	assert.Equal(t, slog.LevelWarn, s.LevelFor("devices"))
	assert.Equal(t, slog.LevelWarn, s.LevelFor(""))
}

func TestComponentFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{CLISpec: "warn,procs=debug", Output: &buf})
	require.NoError(t, err)

	procs := logger.With("component", "procs")
	devices := logger.With("component", "devices")

	procs.Debug("proc detail")
	devices.Debug("device detail")
	devices.Warn("device warning")

	out := buf.String()
	assert.Contains(t, out, "proc detail")
	assert.NotContains(t, out, "device detail")
	assert.Contains(t, out, "device warning")
}

func TestSpecPrecedence(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{
		CLISpec:    "error",
		EnvSpec:    "debug",
		ConfigSpec: "info",
		Output:     &buf,
	})
	require.NoError(t, err)

	logger.Warn("should be filtered")
	assert.Empty(t, strings.TrimSpace(buf.String()))
}

func TestParseFormat(t *testing.T) {
	got, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, got)

	got, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, got)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
