package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/events"
	"github.com/cuemby/berth/pkg/orchestrator"
	"github.com/cuemby/berth/pkg/types"
	"github.com/spf13/cobra"
)

// startFunc starts one orchestrator operation and returns its id
type startFunc func(ctx context.Context, orch *orchestrator.Orchestrator) (string, error)

// runOperation starts an operation and prints its progress until it
// finishes. The first Ctrl+C requests cancellation, the second gives up.
func runOperation(cmd *cobra.Command, start startFunc) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	sub := a.orch.Subscribe()
	defer a.orch.Unsubscribe(sub)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	id, err := start(ctx, a.orch)
	if err != nil {
		return err
	}

	op, err := follow(ctx, a.orch, id, sub, cmd.OutOrStdout(), asJSON(cmd))
	if err != nil {
		return err
	}
	if op.Status == types.OperationCompleted {
		return nil
	}
	if op.Error != nil {
		return errdefs.New(op.Error.Code, op.Error.Message)
	}
	return errdefs.Newf(errdefs.CodeInternal, "%s %s.", op.Type, op.Status)
}

func follow(ctx context.Context, orch *orchestrator.Orchestrator, id string, sub events.Subscriber, out io.Writer, jsonOut bool) (*types.Operation, error) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	enc := json.NewEncoder(out)
	var lastMessage string
	interrupts := 0

	// the operation may have finished before the first event arrives
	if op, err := orch.Operation(id); err == nil && op.Status.Terminal() {
		printOperation(out, enc, op, jsonOut, &lastMessage)
		return op, nil
	}

	// slow subscribers can miss events, so poll as a fallback
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for {
		select {
		case <-poll.C:
			if op, err := orch.Operation(id); err == nil && op.Status.Terminal() {
				printOperation(out, enc, op, jsonOut, &lastMessage)
				return op, nil
			}

		case ev, ok := <-sub:
			if !ok {
				return orch.Operation(id)
			}
			if ev.Type != events.EventProgress || ev.Operation == nil || ev.Operation.ID != id {
				continue
			}
			printOperation(out, enc, ev.Operation, jsonOut, &lastMessage)
			if ev.Operation.Status.Terminal() {
				return ev.Operation, nil
			}

		case <-sigCh:
			interrupts++
			if interrupts > 1 {
				return nil, errdefs.New(errdefs.CodeCanceled, "Interrupted.")
			}
			res, err := orch.CancelOperation(id)
			switch {
			case err != nil:
				fmt.Fprintf(out, "Cancel failed: %s\n", errdefs.Normalize(err).Message)
			case !res.Canceled:
				fmt.Fprintf(out, "%s Waiting for it to finish (Ctrl+C again to quit).\n", res.Reason)
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func printOperation(out io.Writer, enc *json.Encoder, op *types.Operation, jsonOut bool, last *string) {
	if jsonOut {
		_ = enc.Encode(op)
		return
	}
	line := op.Message
	if op.Status.Terminal() {
		line = fmt.Sprintf("%s %s: %s", op.Type, op.Status, op.Message)
	}
	if line == *last {
		return
	}
	*last = line
	fmt.Fprintln(out, line)
}
