package saga

//go:generate mockgen -source=store.go -package=saga -destination=store_mock.go

import (
	"context"
)

/*
 * Store is the durable record of saga instances. The engine writes
 * every status and step transition through it so that a process restart
 * can resume from the last persisted point. Implementations live in
 * saga/sagastores.
 */
type Store interface {

	/*
	 * Persist a newly created saga instance. Returns an error if an
	 * instance with the same id already exists or the write fails.
	 */
	Create(ctx context.Context, inst *SagaInstance) error

	/*
	 * Persist the instance level fields of an existing saga: status,
	 * result, error, retry count and timestamps. Step records are
	 * written through UpdateStepRecord.
	 */
	UpdateStatus(ctx context.Context, inst *SagaInstance) error

	/*
	 * Persist one step record of an existing saga.
	 */
	UpdateStepRecord(ctx context.Context, sagaID string, step *StepRecord) error

	/*
	 * Get the persisted state of the specified saga. The returned
	 * instance is a copy, modifying it does not update the store.
	 * Returns ErrSagaNotFound if the saga does not exist.
	 */
	Get(ctx context.Context, sagaID string) (*SagaInstance, error)

	/*
	 * Returns every instance not yet in a terminal status, the
	 * candidates for crash recovery at process start.
	 */
	FindIncomplete(ctx context.Context) ([]*SagaInstance, error)
}
