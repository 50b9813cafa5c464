package execution

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type ExecutePayoutJobArgs struct {
	PayoutID uuid.UUID `json:"payout_id"`
}

func (ExecutePayoutJobArgs) Kind() string { return "execute_payout" }

// PayoutService is the contract the worker needs to disburse an approved
// payout. ExecuteApproved must be idempotent: a retried job that finds the
// payout already processing or terminal does nothing.
type PayoutService interface {
	ExecuteApproved(ctx context.Context, payoutID uuid.UUID) error
}

type ExecutePayoutWorker struct {
	river.WorkerDefaults[ExecutePayoutJobArgs]
	payoutService PayoutService
}

func NewExecutePayoutWorker(ps PayoutService) *ExecutePayoutWorker {
	return &ExecutePayoutWorker{payoutService: ps}
}

func (w *ExecutePayoutWorker) Work(ctx context.Context, job *river.Job[ExecutePayoutJobArgs]) error {
	if err := w.payoutService.ExecuteApproved(ctx, job.Args.PayoutID); err != nil {
		// Returning the error lets the queue retry; the processing-state
		// guard in ExecuteApproved keeps a retry from disbursing twice.
		return fmt.Errorf("execute payout %s: %w", job.Args.PayoutID, err)
	}
	return nil
}
