package health

import (
	"context"
	"time"
)

// Result is the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes an instance once
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) Result

// Check calls f
func (f CheckerFunc) Check(ctx context.Context) Result { return f(ctx) }
