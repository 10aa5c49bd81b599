package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// opRun is the handle an operation body uses to report progress
type opRun struct {
	o      *Orchestrator
	id     string
	typ    types.OperationType
	ctx    context.Context
	cancel context.CancelFunc
	timer  *metrics.Timer
	logger zerolog.Logger
}

// begin claims the single operation slot
func (o *Orchestrator) begin(typ types.OperationType, target string) (*opRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != nil && o.current.Status == types.OperationRunning {
		return nil, errdefs.Newf(errdefs.CodeOperationRunning,
			"Another operation (%s) is still running.", o.current.Type)
	}

	op := &types.Operation{
		SchemaVersion: types.SchemaVersion,
		ID:            uuid.New().String(),
		Type:          typ,
		Status:        types.OperationRunning,
		TargetTag:     target,
		Message:       "Starting",
		StartedAt:     o.now().UTC(),
	}
	o.current = op

	ctx, cancel := context.WithCancel(o.baseCtx)
	return &opRun{
		o:      o,
		id:     op.ID,
		typ:    typ,
		ctx:    ctx,
		cancel: cancel,
		timer:  metrics.NewTimer(),
		logger: log.WithOperationID(o.logger, op.ID),
	}, nil
}

// launch runs body in the background and returns the operation id
func (o *Orchestrator) launch(run *opRun, body func(*opRun) error) string {
	run.logger.Info().
		Str("type", string(run.typ)).
		Str("target", run.snapshot().TargetTag).
		Msg("Operation started")
	run.publish()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer run.cancel()
		err := body(run)
		o.finish(run, err)
	}()
	return run.id
}

func (o *Orchestrator) finish(run *opRun, err error) {
	status := types.OperationCompleted
	switch {
	case err == nil:
	case errdefs.Is(err, errdefs.CodeCanceled) || errors.Is(err, context.Canceled):
		status = types.OperationCanceled
	default:
		status = types.OperationFailed
	}

	o.mu.Lock()
	op := o.current
	now := o.now().UTC()
	op.Status = status
	op.FinishedAt = &now
	op.Cancellable = false
	o.pullCancel = nil
	if err != nil {
		op.Error = errdefs.Normalize(err)
		op.Message = op.Error.Message
	} else if op.Message == "" {
		op.Message = "Done"
	}
	o.finished[op.ID] = op.Clone()
	o.finishedOrder = append(o.finishedOrder, op.ID)
	if len(o.finishedOrder) > finishedHistory {
		delete(o.finished, o.finishedOrder[0])
		o.finishedOrder = o.finishedOrder[1:]
	}
	snapshot := op.Clone()
	o.mu.Unlock()

	metrics.OperationsTotal.WithLabelValues(string(run.typ), string(status)).Inc()
	run.timer.ObserveDurationVec(metrics.OperationDuration, string(run.typ))

	event := run.logger.Info()
	if status == types.OperationFailed {
		event = run.logger.Error().Err(err).Str("code", string(snapshot.Error.Code))
	}
	event.Str("status", string(status)).
		Dur("duration", run.timer.Duration()).
		Msg("Operation finished")

	o.broker.PublishProgress(snapshot)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.baseCtx), 30*time.Second)
	defer cancel()
	if _, err := o.Refresh(ctx, false); err != nil {
		run.logger.Warn().Err(err).Msg("Failed to refresh state after operation")
	}
}

// Operation returns a copy of the running operation or of a recently
// finished one
func (o *Orchestrator) Operation(id string) (*types.Operation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil && o.current.ID == id {
		return o.current.Clone(), nil
	}
	if op, ok := o.finished[id]; ok {
		return op.Clone(), nil
	}
	return nil, errdefs.New(errdefs.CodeOperationNotFound, "")
}

// CurrentOperation returns a copy of the latest operation, nil before the first
func (o *Orchestrator) CurrentOperation() *types.Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current.Clone()
}

func (o *Orchestrator) operationRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil && o.current.Status == types.OperationRunning
}

// CancelOperation requests cancellation of operation id. Only a download in
// progress can be canceled; the runtime may keep fetching layers it already
// started.
func (o *Orchestrator) CancelOperation(id string) (*types.CancelResult, error) {
	o.mu.Lock()
	op := o.current
	if op == nil || op.ID != id || op.Status.Terminal() {
		o.mu.Unlock()
		return nil, errdefs.New(errdefs.CodeOperationNotFound, "")
	}
	if !op.Cancellable || o.pullCancel == nil {
		o.mu.Unlock()
		return &types.CancelResult{
			Canceled: false,
			Reason:   "This operation is not cancellable at its current stage.",
		}, nil
	}
	o.pullCancel()
	o.pullCancel = nil
	op.Cancellable = false
	op.Message = "Canceling download (client-side; the runtime may finish fetching layers in the background)"
	snapshot := op.Clone()
	o.mu.Unlock()

	o.logger.Info().Str("operation_id", id).Msg("Cancellation requested")
	o.broker.PublishProgress(snapshot)
	return &types.CancelResult{Canceled: true}, nil
}

func (r *opRun) snapshot() *types.Operation {
	r.o.mu.Lock()
	defer r.o.mu.Unlock()
	return r.o.current.Clone()
}

// update mutates the running operation and publishes the result
func (r *opRun) update(fn func(op *types.Operation)) {
	r.o.mu.Lock()
	op := r.o.current
	if op == nil || op.ID != r.id || op.Status.Terminal() {
		r.o.mu.Unlock()
		return
	}
	fn(op)
	snapshot := op.Clone()
	r.o.mu.Unlock()

	r.o.broker.PublishProgress(snapshot)
}

func (r *opRun) message(msg string) {
	r.logger.Debug().Msg(msg)
	r.update(func(op *types.Operation) {
		op.Message = msg
	})
}

func (r *opRun) publish() {
	r.o.broker.PublishProgress(r.snapshot())
}

// setTarget records the tag an operation resolved after it started
func (r *opRun) setTarget(tag string) {
	r.update(func(op *types.Operation) {
		op.TargetTag = tag
	})
}

// pullPhase derives a context the caller can cancel through
// CancelOperation. done must be called when the phase ends.
func (r *opRun) pullPhase() (ctx context.Context, done func()) {
	ctx, cancel := context.WithCancel(r.ctx)
	r.o.mu.Lock()
	if op := r.o.current; op != nil && op.ID == r.id {
		op.Cancellable = true
		r.o.pullCancel = cancel
	}
	r.o.mu.Unlock()

	return ctx, func() {
		r.o.mu.Lock()
		if op := r.o.current; op != nil && op.ID == r.id {
			op.Cancellable = false
			r.o.pullCancel = nil
		}
		r.o.mu.Unlock()
		cancel()
	}
}
