package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	cqerrors "github.com/cqkit/cqkit/pkg/cqkit/errors"
	"github.com/cqkit/cqkit/pkg/cqkit/saga"
)

// ExecuteSaga runs the commands strictly in order as one transaction.
// The first failure stops forward progress and compensates every
// previously succeeded command in reverse order, using the compensation
// commands each handler returned with its result. The failed command and
// commands that never ran are not compensated.
//
// The returned execution carries the final saga status; err is the forward
// failure that triggered compensation, if any.
func (b *Bus) ExecuteSaga(ctx context.Context, name string, commands []*Command) (*saga.Execution[*Command, *Result], error) {
	if b.closed.Load() {
		return nil, errors.New("execute saga: bus is closed")
	}

	exec, err := b.sagas.Begin(ctx, name, commands)
	if err != nil {
		return nil, err
	}

	for i, cmd := range commands {
		res, cmdErr := b.Execute(ctx, cmd)
		if cmdErr != nil {
			// The saga treats the returned failure as final: the command's
			// queued re-dispatch must not race the compensation.
			b.cancelRetry(cmd.ID)
			if rerr := b.sagas.RecordFailure(ctx, exec, i, cmdErr); rerr != nil {
				b.logger.Error("failed to persist saga failure",
					slog.String("saga_id", exec.ID),
					slog.String("error", rerr.Error()),
				)
			}
			b.compensate(ctx, exec)
			return exec, cmdErr
		}
		if rerr := b.sagas.RecordSuccess(ctx, exec, i, res); rerr != nil {
			b.logger.Error("failed to persist saga progress",
				slog.String("saga_id", exec.ID),
				slog.String("error", rerr.Error()),
			)
		}
	}

	if err := b.sagas.Complete(ctx, exec); err != nil {
		b.logger.Error("failed to persist saga completion",
			slog.String("saga_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}
	return exec, nil
}

// compensate undoes the succeeded steps in reverse order. Each step's
// compensation commands run exactly once; failures are recorded, never
// retried.
func (b *Bus) compensate(ctx context.Context, exec *saga.Execution[*Command, *Result]) {
	for _, i := range b.sagas.CompensationPlan(exec) {
		res := exec.Steps[i].Result

		var compErr error
		if res != nil {
			for _, comp := range res.CompensationCommands {
				if err := b.executeCompensation(ctx, comp); err != nil {
					compErr = errors.Join(compErr, &cqerrors.SagaCompensationError{
						SagaID:    exec.ID,
						CommandID: comp.ID,
						Err:       err,
					})
				}
			}
		}

		if rerr := b.sagas.RecordCompensation(ctx, exec, i, compErr); rerr != nil {
			b.logger.Error("failed to persist compensation outcome",
				slog.String("saga_id", exec.ID),
				slog.String("error", rerr.Error()),
			)
		}
	}

	if err := b.sagas.FinishCompensation(ctx, exec); err != nil {
		b.logger.Error("failed to persist saga compensation",
			slog.String("saga_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// executeCompensation runs a compensation command once, without retries or
// idempotency recording. It still goes to the owning handler.
func (b *Bus) executeCompensation(ctx context.Context, cmd *Command) error {
	b.mu.RLock()
	handler, ok := b.handlers[cmd.Type]
	b.mu.RUnlock()
	if !ok {
		return &cqerrors.NoHandlerError{CommandType: cmd.Type}
	}

	cmd.Status = StatusExecuting
	if _, err := b.invoke(ctx, cmd, handler); err != nil {
		cmd.Status = StatusFailed
		return fmt.Errorf("compensation %s: %w", cmd.Type, err)
	}

	cmd.Status = StatusCompleted
	return nil
}
