package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/internal/state"
)

func isNotFound(err error) bool {
	return errors.Is(err, state.ErrRunNotFound)
}

// readRun loads one run snapshot from the configured backend.
func readRun(ctx context.Context, runID string) (*ir.PipelineState, error) {
	backend, err := openStateBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	st, err := backend.Read(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read run: %w", err)
	}
	return st, nil
}

// statusColor picks the ANSI color a run status is printed in.
func statusColor(status ir.RunStatus) string {
	switch status {
	case ir.StatusCompleted:
		return colorize(colorGreen)
	case ir.StatusFailed:
		return colorize(colorRed)
	case ir.StatusRunning:
		return colorize(colorYellow)
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
