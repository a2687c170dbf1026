package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adreel-io/adreel/internal/logging"
	"github.com/adreel-io/adreel/internal/quota"
)

// Strategy is one tier of a fallback chain.
type Strategy[Req, Out any] struct {
	// Name identifies the tier, usually the model it calls.
	Name string
	// Degraded marks a lower-fidelity tier that is always available.
	Degraded bool
	Attempt  func(ctx context.Context, req Req) (Out, error)
}

// Gate wraps s so every attempt is admitted by the governor first. A wait
// decision sleeps outside the quota lock and re-admits. Transient provider
// errors are retried per policy; a spent daily ceiling is returned at once.
// Resources without configured limits are returned unwrapped.
func Gate[Req, Out any](g *quota.Governor, resource string, policy *RetryPolicy, s Strategy[Req, Out]) Strategy[Req, Out] {
	if g == nil || !g.Limited(resource) {
		return s
	}
	inner := s.Attempt
	s.Attempt = func(ctx context.Context, req Req) (Out, error) {
		var out Out
		err := RetryWithBackoff(ctx, policy, func() error {
			if err := g.Acquire(ctx, resource); err != nil {
				return err
			}
			var err error
			out, err = inner(ctx, req)
			return err
		}, IsTransientError)
		return out, err
	}
	return s
}

// Chain tries its tiers in order until one succeeds.
type Chain[Req, Out any] struct {
	Tiers  []Strategy[Req, Out]
	Logger *slog.Logger
}

// NewChain builds a chain from tiers in priority order.
func NewChain[Req, Out any](tiers ...Strategy[Req, Out]) *Chain[Req, Out] {
	return &Chain[Req, Out]{Tiers: tiers}
}

// Run returns the output of the first tier that succeeds and that tier.
// Daily quota exhaustion skips every remaining non-degraded tier, because
// the backup models share the exhausted account.
func (c *Chain[Req, Out]) Run(ctx context.Context, req Req) (Out, *Strategy[Req, Out], error) {
	logger := c.Logger
	if logger == nil {
		logger = logging.With("component", "fallback")
	}

	var (
		zero      Out
		errs      []error
		exhausted bool
	)
	for i := range c.Tiers {
		tier := &c.Tiers[i]
		if exhausted && !tier.Degraded {
			continue
		}
		if err := ctx.Err(); err != nil {
			return zero, nil, err
		}

		out, err := tier.Attempt(ctx, req)
		if err == nil {
			if i > 0 {
				logger.Warn("fallback tier used", "tier", tier.Name, "degraded", tier.Degraded)
			}
			return out, tier, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", tier.Name, err))
		if IsQuotaExhausted(err) {
			exhausted = true
			logger.Warn("quota exhausted, skipping to degraded tier", "tier", tier.Name)
			continue
		}
		logger.Warn("tier failed", "tier", tier.Name, "error", err)
	}

	if len(errs) == 0 {
		return zero, nil, errors.New("fallback chain has no tiers")
	}
	return zero, nil, fmt.Errorf("all tiers failed: %w", errors.Join(errs...))
}
