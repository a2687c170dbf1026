// Package quota enforces per-minute and per-day call ceilings for external
// generation resources shared by every run and process on the fleet.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/internal/logging"
)

// Window is the rolling span the per-minute ceiling applies to.
const Window = 60 * time.Second

// DefaultMargin pads every computed wait.
const DefaultMargin = time.Second

// ExhaustedError reports that a resource's daily ceiling has been reached.
// Callers must not retry it; the next opportunity is ResetAt.
type ExhaustedError struct {
	Resource string
	Limit    int
	ResetAt  time.Time
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("daily quota exhausted for %s (%d requests), resets at %s",
		e.Resource, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// IsExhausted reports whether err is, or wraps, an *ExhaustedError.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Decision is the outcome of a successful admission check.
type Decision struct {
	Proceed bool
	Wait    time.Duration
}

// Stat is a read-only view of one resource's usage.
type Stat struct {
	Resource    string    `json:"resource"`
	RPM         int       `json:"rpm"`
	RPD         int       `json:"rpd"`
	MinuteCount int       `json:"minute_count"`
	DailyCount  int       `json:"daily_count"`
	Day         string    `json:"day"`
	NextReset   time.Time `json:"next_reset"`
}

// Governor answers admission checks against a shared Store. It never sleeps
// while the store lock is held.
type Governor struct {
	store  Store
	limits map[string]ir.Limit
	margin time.Duration
	reset  ResetClock
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// Option customises a Governor.
type Option func(*Governor)

func WithMargin(d time.Duration) Option { return func(g *Governor) { g.margin = d } }

func WithResetClock(c ResetClock) Option { return func(g *Governor) { g.reset = c } }

func WithClock(now func() time.Time) Option { return func(g *Governor) { g.now = now } }

// WithSleeper replaces the function used to wait between admission attempts.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Governor) { g.sleep = fn }
}

func WithLogger(l *slog.Logger) Option { return func(g *Governor) { g.logger = l } }

// NewGovernor creates a governor over store with the given ceilings.
func NewGovernor(store Store, limits map[string]ir.Limit, opts ...Option) *Governor {
	g := &Governor{
		store:  store,
		limits: make(map[string]ir.Limit, len(limits)),
		margin: DefaultMargin,
		reset:  ResetClock{Location: time.UTC},
		now:    time.Now,
		sleep:  sleepContext,
	}
	for k, v := range limits {
		g.limits[k] = v
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = logging.With("component", "quota")
	}
	return g
}

// Limited reports whether resource has any ceiling configured.
func (g *Governor) Limited(resource string) bool {
	lim, ok := g.limits[resource]
	return ok && (lim.RPM > 0 || lim.RPD > 0)
}

// Admit performs one admission check. On proceed the call is recorded in the
// rolling window and the daily counter before the lock is released. A full
// window yields a wait without recording anything. A spent daily ceiling
// yields *ExhaustedError and never a wait.
func (g *Governor) Admit(ctx context.Context, resource string) (Decision, error) {
	if !g.Limited(resource) {
		return Decision{Proceed: true}, nil
	}
	lim := g.limits[resource]

	var decision Decision
	err := g.store.Transact(ctx, func(states map[string]*ir.QuotaState) (bool, error) {
		now := g.now()
		st, changed := g.current(states, resource, now)

		if lim.RPD > 0 && st.DailyCount >= lim.RPD {
			return changed, &ExhaustedError{Resource: resource, Limit: lim.RPD, ResetAt: g.reset.NextReset(now)}
		}

		if lim.RPM > 0 && len(st.Timestamps) >= lim.RPM {
			oldest := st.Timestamps[0]
			for _, ts := range st.Timestamps[1:] {
				oldest = math.Min(oldest, ts)
			}
			elapsed := now.Sub(fromUnix(oldest))
			decision = Decision{Wait: Window - elapsed + g.margin}
			if decision.Wait <= 0 {
				decision.Wait = g.margin
			}
			return changed, nil
		}

		st.DailyCount++
		st.Timestamps = append(st.Timestamps, toUnix(now))
		decision = Decision{Proceed: true}
		return true, nil
	})
	if err != nil {
		var ex *ExhaustedError
		if errors.As(err, &ex) {
			g.logger.Warn("daily quota exhausted", "resource", resource, "limit", ex.Limit, "reset_at", ex.ResetAt)
		}
		return Decision{}, err
	}

	if decision.Proceed {
		g.logger.Debug("quota admitted", "resource", resource)
	}
	return decision, nil
}

// Acquire blocks until resource admits a call or its daily ceiling is spent.
// Waits happen outside the store lock and are followed by a fresh check.
func (g *Governor) Acquire(ctx context.Context, resource string) error {
	for {
		d, err := g.Admit(ctx, resource)
		if err != nil {
			return err
		}
		if d.Proceed {
			return nil
		}
		g.logger.Info("rate limit reached, waiting", "resource", resource, "wait", d.Wait.Round(time.Millisecond))
		if err := g.sleep(ctx, d.Wait); err != nil {
			return err
		}
	}
}

// Stats lists every configured resource, plus any the store knows about,
// with zero counts for resources unused today.
func (g *Governor) Stats(ctx context.Context) ([]Stat, error) {
	var out []Stat
	err := g.store.Transact(ctx, func(states map[string]*ir.QuotaState) (bool, error) {
		now := g.now()
		today := g.reset.Day(now)
		cutoff := toUnix(now.Add(-Window))

		names := make(map[string]bool)
		for name := range g.limits {
			names[name] = true
		}
		for name := range states {
			names[name] = true
		}

		for name := range names {
			lim := g.limits[name]
			stat := Stat{Resource: name, RPM: lim.RPM, RPD: lim.RPD, Day: today, NextReset: g.reset.NextReset(now)}
			if st := states[name]; st != nil {
				if st.ResetDate == today {
					stat.DailyCount = st.DailyCount
				}
				for _, ts := range st.Timestamps {
					if ts > cutoff {
						stat.MinuteCount++
					}
				}
			}
			out = append(out, stat)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}

// Reset clears the recorded usage of resource, or of every resource when
// resource is empty.
func (g *Governor) Reset(ctx context.Context, resource string) error {
	return g.store.Transact(ctx, func(states map[string]*ir.QuotaState) (bool, error) {
		if resource == "" {
			for name := range states {
				delete(states, name)
			}
			return true, nil
		}
		if _, ok := states[resource]; !ok {
			return false, nil
		}
		delete(states, resource)
		return true, nil
	})
}

// current returns the state for resource with the day rolled over and the
// window pruned to the last minute. changed reports whether either happened.
func (g *Governor) current(states map[string]*ir.QuotaState, resource string, now time.Time) (*ir.QuotaState, bool) {
	changed := false
	st := states[resource]
	if st == nil {
		st = &ir.QuotaState{}
		states[resource] = st
		changed = true
	}

	if today := g.reset.Day(now); st.ResetDate != today {
		st.DailyCount = 0
		st.ResetDate = today
		changed = true
	}

	cutoff := toUnix(now.Add(-Window))
	kept := st.Timestamps[:0]
	for _, ts := range st.Timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	if len(kept) != len(st.Timestamps) {
		changed = true
	}
	st.Timestamps = kept
	return st, changed
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnix(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
