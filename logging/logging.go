// Package logging configures structured logging for wult. Loggers are
// standard *slog.Logger values; a filtering handler applies per-
// component levels from a spec string such as "info,procs=debug", so
// one noisy subsystem can be turned up without flooding the rest.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// componentKey is the attribute key the filtering handler matches to
// learn which component a logger belongs to.
const componentKey = "component"

// EnvVar is the environment variable consulted for the log spec when
// no CLI flag is given.
const EnvVar = "WULT_LOG"

// Format selects the log output format.
type Format string

const (
	// FormatText is human-readable text output.
	FormatText Format = "text"
	// FormatJSON is JSON output.
	FormatJSON Format = "json"
)

// ParseFormat parses a format string.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %q", s)
	}
}

// ParseLevel parses a level name into a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
}

// Spec is a base level plus per-component overrides.
//
// Format: "<base-level>[,<component>=<level>]...". An empty spec means
// info with no overrides.
type Spec struct {
	BaseLevel  slog.Level
	Components map[string]slog.Level
}

// ParseSpec parses a log spec string.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{
		BaseLevel:  slog.LevelInfo,
		Components: make(map[string]slog.Level),
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return spec, nil
	}

	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if name, levelStr, ok := strings.Cut(part, "="); ok {
			name = strings.TrimSpace(name)
			if name == "" {
				return spec, fmt.Errorf("empty component name in %q", part)
			}
			level, err := ParseLevel(levelStr)
			if err != nil {
				return spec, fmt.Errorf("invalid level for component %q: %w", name, err)
			}
			spec.Components[name] = level
			continue
		}
		if i != 0 {
			return spec, fmt.Errorf("base level %q must be first in spec", part)
		}
		level, err := ParseLevel(part)
		if err != nil {
			return spec, err
		}
		spec.BaseLevel = level
	}

	return spec, nil
}

// LevelFor returns the effective level for a component.
func (s *Spec) LevelFor(component string) slog.Level {
	if level, ok := s.Components[component]; ok {
		return level
	}
	return s.BaseLevel
}

// Options configures New.
type Options struct {
	// CLISpec is the spec from a command-line flag (highest
	// precedence).
	CLISpec string
	// EnvSpec is the spec from the WULT_LOG environment variable.
	EnvSpec string
	// ConfigSpec is the spec from the config file (lowest precedence).
	ConfigSpec string
	// Format selects text or JSON output.
	Format Format
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New builds a logger with component-level filtering. Spec precedence
// is CLI flag > environment > config file.
func New(opts Options) (*slog.Logger, error) {
	specStr := opts.ConfigSpec
	if opts.EnvSpec != "" {
		specStr = opts.EnvSpec
	}
	if opts.CLISpec != "" {
		specStr = opts.CLISpec
	}

	spec, err := ParseSpec(specStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log spec: %w", err)
	}

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	// The inner handler passes everything; the filtering wrapper is
	// the only gate.
	handlerOpts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var inner slog.Handler
	switch opts.Format {
	case FormatJSON:
		inner = slog.NewJSONHandler(output, handlerOpts)
	default:
		inner = slog.NewTextHandler(output, handlerOpts)
	}

	return slog.New(&filteringHandler{inner: inner, spec: spec}), nil
}

// Default returns a text logger at info level on stderr.
func Default() *slog.Logger {
	logger, _ := New(Options{})
	return logger
}

// filteringHandler filters records against the per-component levels of
// its spec. The component is picked up from the "component" attribute
// added via Logger.With.
type filteringHandler struct {
	inner     slog.Handler
	spec      Spec
	component string
}

func (h *filteringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.spec.LevelFor(h.component)
}

func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &filteringHandler{
		inner:     h.inner.WithAttrs(attrs),
		spec:      h.spec,
		component: h.component,
	}
	for _, attr := range attrs {
		if attr.Key == componentKey {
			next.component = attr.Value.String()
			break
		}
	}
	return next
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{
		inner:     h.inner.WithGroup(name),
		spec:      h.spec,
		component: h.component,
	}
}
