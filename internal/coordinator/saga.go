package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"stand-queue/monitoring"
)

// Step is one unit of a saga. Compensate undoes Do and may be nil when there
// is nothing to undo.
type Step struct {
	Name       string
	Do         func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// runSaga executes steps in order. When a step fails, the compensations of
// the steps that already succeeded run in reverse order and the step error is
// returned. Compensation failures are logged and counted only.
func runSaga(ctx context.Context, saga string, steps ...Step) error {
	done := make([]Step, 0, len(steps))

	for _, step := range steps {
		err := ctx.Err()
		if err == nil {
			err = step.Do(ctx)
		}
		if err != nil {
			compensate(ctx, saga, done)
			return fmt.Errorf("%s: %s: %w", saga, step.Name, err)
		}
		done = append(done, step)
	}
	return nil
}

func compensate(ctx context.Context, saga string, done []Step) {
	// Compensations must run even when the caller has gone away.
	ctx = context.WithoutCancel(ctx)

	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			slog.Error("Compensation failed", "saga", saga, "step", step.Name, "error", err)
			monitoring.TrackCompensation(saga, step.Name, "error")
			continue
		}
		slog.Info("Compensation applied", "saga", saga, "step", step.Name)
		monitoring.TrackCompensation(saga, step.Name, "success")
	}
}
