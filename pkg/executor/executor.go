// Package executor runs key-scoped side effects at most once, backed by the
// store's idempotency entries.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/conveyormq/conveyor/internal/logger"
	"github.com/conveyormq/conveyor/pkg/clock"
	"github.com/conveyormq/conveyor/pkg/store"
)

// Status classifies the outcome of one Do call.
type Status string

const (
	// StatusCompleted means fn ran (or a probe confirmed a prior run) and
	// its result is durable.
	StatusCompleted Status = "completed"

	// StatusSuppressed means the effect already ran before this call; the
	// stored outcome is returned without invoking fn.
	StatusSuppressed Status = "suppressed"

	// StatusRetry means the effect could not run now (another owner holds
	// the key, or fn failed transiently) and the caller should try again.
	StatusRetry Status = "retry"

	// StatusPermanentFailure means the effect failed durably; it will never
	// be attempted again under this key.
	StatusPermanentFailure Status = "permanent_failure"
)

// Outcome is the result of one Do call.
type Outcome struct {
	Status Status
	Result []byte
	Err    error
}

// Fn is the guarded side effect. Its byte result is stored as the durable
// outcome for the key.
type Fn func(ctx context.Context) ([]byte, error)

// Probe checks the downstream system for evidence that the effect already
// happened. Consulted only on a resumed execution (a takeover of an
// expired lock), where fn may have run before the previous owner crashed.
type Probe func(ctx context.Context) (confirmed bool, result []byte, err error)

// Options tunes one Do call.
type Options struct {
	// Probe, with AllowProbe, short-circuits a resumed execution when it
	// confirms the effect. Without a probe, a crash between the effect and
	// CompleteIdempotent means fn runs again; keys guarding non-verifiable
	// effects must accept that window.
	Probe      Probe
	AllowProbe bool
}

// permanentError marks an error as non-retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the executor (and dispatcher) records it as a
// durable failure instead of scheduling a retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Store is the idempotency surface the executor needs.
type Store interface {
	BeginIdempotent(ctx context.Context, key, owner string, lockTTL time.Duration) (*store.BeginResult, error)
	CompleteIdempotent(ctx context.Context, key, owner string, outcome []byte) error
	FailIdempotent(ctx context.Context, key, owner, errCode, errMsg string, permanent bool) error
}

// ExactlyOnce executes side effects under idempotency keys.
type ExactlyOnce struct {
	store Store
	owner string
	clk   clock.Clock
}

// New returns an executor bound to one owner token.
func New(s Store, owner string, clk clock.Clock) *ExactlyOnce {
	if clk == nil {
		clk = clock.WallClock
	}
	return &ExactlyOnce{store: s, owner: owner, clk: clk}
}

// Do executes fn at most once for key. lockTTL bounds how long a crashed
// execution blocks the key before another caller may take over.
func (e *ExactlyOnce) Do(ctx context.Context, key string, lockTTL time.Duration, fn Fn, opts Options) Outcome {
	begin, err := e.store.BeginIdempotent(ctx, key, e.owner, lockTTL)
	if err != nil {
		return Outcome{Status: StatusRetry, Err: fmt.Errorf("begin idempotent: %w", err)}
	}

	switch begin.Disposition {
	case store.BeginCompleted:
		return Outcome{Status: StatusSuppressed, Result: begin.Entry.Outcome}
	case store.BeginFailed:
		return Outcome{
			Status: StatusPermanentFailure,
			Err:    fmt.Errorf("%s: %s", begin.Entry.ErrorCode, begin.Entry.ErrorMessage),
		}
	case store.BeginInProgress:
		return Outcome{Status: StatusRetry, Err: fmt.Errorf("key %s: another execution holds the lock", key)}
	}

	if begin.Resumed && opts.AllowProbe && opts.Probe != nil {
		confirmed, result, probeErr := opts.Probe(ctx)
		if probeErr != nil {
			logger.WarnCtx(ctx, "idempotency probe failed, re-executing",
				logger.KeyIdemKey, key,
				logger.KeyError, probeErr)
		} else if confirmed {
			if err := e.store.CompleteIdempotent(ctx, key, e.owner, result); err != nil {
				return Outcome{Status: StatusRetry, Err: fmt.Errorf("complete after probe: %w", err)}
			}
			return Outcome{Status: StatusCompleted, Result: result}
		}
	}

	result, fnErr := fn(ctx)
	if fnErr != nil {
		permanent := IsPermanent(fnErr)
		if failErr := e.store.FailIdempotent(ctx, key, e.owner, errCode(fnErr), fnErr.Error(), permanent); failErr != nil {
			logger.WarnCtx(ctx, "recording idempotent failure failed",
				logger.KeyIdemKey, key,
				logger.KeyError, failErr)
		}
		if permanent {
			return Outcome{Status: StatusPermanentFailure, Err: fnErr}
		}
		return Outcome{Status: StatusRetry, Err: fnErr}
	}

	if err := e.store.CompleteIdempotent(ctx, key, e.owner, result); err != nil {
		// The effect happened but the completion record did not land; only
		// a retry (and, with a probe, confirmation) can reconcile this.
		return Outcome{Status: StatusRetry, Err: fmt.Errorf("complete idempotent: %w", err)}
	}
	return Outcome{Status: StatusCompleted, Result: result}
}

func errCode(err error) string {
	if IsPermanent(err) {
		return "permanent"
	}
	return "transient"
}
