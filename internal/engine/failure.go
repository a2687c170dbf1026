package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adreel-io/adreel/internal/ir"
)

// TransientError marks a rate-limited or momentarily unavailable provider.
// RetryAfter, when set, is the minimum delay before the next attempt.
type TransientError struct {
	Resource   string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error from %s: %v", e.Resource, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// StageFailure is fatal to the whole run. It carries a reason for operators
// and a message safe to show the customer.
type StageFailure struct {
	Stage          string
	Reason         string
	UserMessage    string
	RefundRequired bool
	Err            error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Reason)
}

func (e *StageFailure) Unwrap() error { return e.Err }

// ToMap renders the failure for persistence and notifications.
func (e *StageFailure) ToMap() map[string]any {
	return map[string]any{
		"stage":           e.Stage,
		"reason":          e.Reason,
		"user_message":    e.UserMessage,
		"refund_required": e.RefundRequired,
	}
}

// Record converts the failure to its persisted form.
func (e *StageFailure) Record(at time.Time) *ir.FailureRecord {
	return &ir.FailureRecord{
		Stage:          e.Stage,
		Reason:         e.Reason,
		UserMessage:    e.UserMessage,
		RefundRequired: e.RefundRequired,
		At:             at,
	}
}

// SceneTaskFailure is isolated to one scene and never stops the run.
type SceneTaskFailure struct {
	SceneID string
	Index   int
	Err     error
}

func (e *SceneTaskFailure) Error() string {
	return fmt.Sprintf("scene %s (#%d) failed: %v", e.SceneID, e.Index, e.Err)
}

func (e *SceneTaskFailure) Unwrap() error { return e.Err }

const (
	msgGeneric  = "We couldn't finish your video. You will not be charged for this attempt."
	msgTimeout  = "Your video took too long to generate. You will not be charged for this attempt."
	msgCapacity = "Our video provider is at capacity right now. You will not be charged; please try again later."
)

// Fail builds a refund-required StageFailure with the generic user message.
func Fail(stage, reason string) *StageFailure {
	return &StageFailure{Stage: stage, Reason: reason, UserMessage: msgGeneric, RefundRequired: true}
}

// Classify wraps any stage error as a StageFailure. Errors that already are
// one pass through unchanged.
func Classify(stage string, err error) *StageFailure {
	if err == nil {
		return nil
	}
	var sf *StageFailure
	if errors.As(err, &sf) {
		return sf
	}

	out := &StageFailure{
		Stage:          stage,
		Reason:         err.Error(),
		UserMessage:    msgGeneric,
		RefundRequired: true,
		Err:            err,
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.UserMessage = msgTimeout
	case IsQuotaExhausted(err):
		out.UserMessage = msgCapacity
	}
	return out
}
