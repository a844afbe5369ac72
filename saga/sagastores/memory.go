// Package sagastores provides implementations of saga.Store.
package sagastores

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lnkday/orchestrator/saga"
)

// In memory implementation of a Store, DOES NOT durably persist sagas.
type inMemoryStore struct {
	sagas        map[string]*storedSaga
	mutex        sync.RWMutex
	gcExpiration time.Duration
	gcTicker     *time.Ticker
}

// wrapper tracking creation timestamps for GC
type storedSaga struct {
	inst    *saga.SagaInstance
	created time.Time
}

// Make a Store backed by process memory. Not durable, a restart loses
// every saga, so recovery never finds anything to resume. Meant for
// tests, demos and embedded use.
//
// Implements GC of terminal sagas based on time expiration. Incomplete
// sagas are recovery state and are never collected.
// gcExpiration: duration after a saga was created at which a terminal
//
//	saga is deleted. A zero duration is interpreted as "never gc" (the
//	store will eventually consume all memory).
//
// gcInterval: duration interval at which GC runs.
func MakeInMemoryStore(gcExpiration time.Duration, gcInterval time.Duration) saga.Store {
	store := &inMemoryStore{
		sagas:        make(map[string]*storedSaga),
		gcExpiration: gcExpiration,
	}
	if gcExpiration != 0 {
		store.gcTicker = time.NewTicker(gcInterval)
		go func() {
			for range store.gcTicker.C {
				store.gcSagas()
			}
		}()
	}
	return store
}

// Shorthand creator function to create a non-GCing in memory Store.
func MakeInMemoryStoreNoGC() saga.Store {
	return MakeInMemoryStore(0, 0)
}

func (s *inMemoryStore) Create(ctx context.Context, inst *saga.SagaInstance) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.sagas[inst.SagaID]; exists {
		return fmt.Errorf("saga %s already exists in the store", inst.SagaID)
	}
	s.sagas[inst.SagaID] = &storedSaga{inst: inst.Copy(), created: time.Now()}
	return nil
}

func (s *inMemoryStore) UpdateStatus(ctx context.Context, inst *saga.SagaInstance) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, ok := s.sagas[inst.SagaID]
	if !ok {
		return saga.ErrSagaNotFound
	}

	stored.inst.Status = inst.Status
	stored.inst.Error = inst.Error
	stored.inst.Result = inst.Result
	stored.inst.RetryCount = inst.RetryCount
	stored.inst.UpdatedAt = inst.UpdatedAt
	stored.inst.CompletedAt = inst.CompletedAt
	return nil
}

func (s *inMemoryStore) UpdateStepRecord(ctx context.Context, sagaID string, sr *saga.StepRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, ok := s.sagas[sagaID]
	if !ok {
		return saga.ErrSagaNotFound
	}

	for i, existing := range stored.inst.Steps {
		if existing.Name == sr.Name {
			stored.inst.Steps[i] = sr.Copy()
			return nil
		}
	}
	// A step appended by a template that grew since the instance
	// started.
	stored.inst.Steps = append(stored.inst.Steps, sr.Copy())
	return nil
}

func (s *inMemoryStore) Get(ctx context.Context, sagaID string) (*saga.SagaInstance, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stored, ok := s.sagas[sagaID]
	if !ok {
		return nil, saga.ErrSagaNotFound
	}
	return stored.inst.Copy(), nil
}

func (s *inMemoryStore) FindIncomplete(ctx context.Context) ([]*saga.SagaInstance, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	incomplete := make([]*saga.SagaInstance, 0)
	for _, stored := range s.sagas {
		if !stored.inst.Status.Terminal() {
			incomplete = append(incomplete, stored.inst.Copy())
		}
	}
	return incomplete, nil
}

// Check for expired terminal sagas and delete them.
func (s *inMemoryStore) gcSagas() {
	expired := s.getExpiredSagaIds()
	if len(expired) == 0 {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, id := range expired {
		delete(s.sagas, id)
	}
	log.Infof("GCed %d terminal sagas from the in memory store", len(expired))
}

func (s *inMemoryStore) getExpiredSagaIds() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	expired := []string{}
	for id, stored := range s.sagas {
		if stored.inst.Status.Terminal() && time.Since(stored.created) >= s.gcExpiration {
			expired = append(expired, id)
		}
	}
	return expired
}

// Private utility function for testing only
func (s *inMemoryStore) setSagaCreatedTime(sagaID string, created time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, ok := s.sagas[sagaID]
	if !ok {
		return
	}
	stored.created = created
}
