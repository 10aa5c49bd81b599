package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
)

// PollOptions bounds WaitReady
type PollOptions struct {
	// Interval is the pause between attempts
	Interval time.Duration
	// AttemptTimeout caps a single Check
	AttemptTimeout time.Duration
	// Deadline caps the whole wait
	Deadline time.Duration
	// OnTick is called after every failed attempt with the time waited so far
	OnTick func(elapsed time.Duration, last Result)
}

// DefaultPollOptions returns the readiness bounds used after starting an instance
func DefaultPollOptions() PollOptions {
	return PollOptions{
		Interval:       450 * time.Millisecond,
		AttemptTimeout: 350 * time.Millisecond,
		Deadline:       60 * time.Second,
	}
}

// WaitReady polls checker until it reports healthy. It returns ctx.Err() when
// the caller cancels and a ui_not_ready error when the deadline passes first.
func WaitReady(ctx context.Context, checker Checker, opts PollOptions) error {
	def := DefaultPollOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = def.AttemptTimeout
	}
	if opts.Deadline <= 0 {
		opts.Deadline = def.Deadline
	}

	start := time.Now()
	deadlineCtx, cancel := context.WithTimeout(ctx, opts.Deadline)
	defer cancel()

	timer := time.NewTimer(0)
	defer timer.Stop()

	var last Result
	for {
		select {
		case <-deadlineCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return errdefs.Wrap(errdefs.CodeUINotReady, "",
				fmt.Errorf("not ready after %s: %s", opts.Deadline, last.Message))
		case <-timer.C:
		}

		attemptCtx, attemptCancel := context.WithTimeout(deadlineCtx, opts.AttemptTimeout)
		last = checker.Check(attemptCtx)
		attemptCancel()

		if last.Healthy {
			return nil
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		if opts.OnTick != nil {
			opts.OnTick(time.Since(start), last)
		}
		timer.Reset(opts.Interval)
	}
}
