package sagastores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/lnkday/orchestrator/saga"
)

// Membership set used by FindIncomplete so recovery does not have to
// scan the whole keyspace.
const incompleteSetKey = "saga:incomplete"

// Writes sagas to Redis. Each saga is one JSON document under saga:<id>
// and non terminal saga ids are tracked in a membership set. The engine
// serializes writes per saga, so read-modify-write here needs no
// optimistic locking.
type redisStore struct {
	client *redis.Client
}

// Creates a Store connected to the Redis instance at redisURL, for
// example redis://localhost:6379/0.
func MakeRedisStore(redisURL string) (saga.Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &redisStore{client: client}, nil
}

// Creates a Store on top of an existing client. The caller owns the
// client's lifecycle.
func MakeRedisStoreFromClient(client *redis.Client) saga.Store {
	return &redisStore{client: client}
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func sagaKey(sagaID string) string {
	return fmt.Sprintf("saga:%s", sagaID)
}

func (s *redisStore) Create(ctx context.Context, inst *saga.SagaInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal saga: %w", err)
	}

	created, err := s.client.SetNX(ctx, sagaKey(inst.SagaID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store saga: %w", err)
	}
	if !created {
		return fmt.Errorf("saga %s already exists in the store", inst.SagaID)
	}

	if err := s.client.SAdd(ctx, incompleteSetKey, inst.SagaID).Err(); err != nil {
		return fmt.Errorf("index saga: %w", err)
	}
	return nil
}

func (s *redisStore) UpdateStatus(ctx context.Context, inst *saga.SagaInstance) error {
	stored, err := s.load(ctx, inst.SagaID)
	if err != nil {
		return err
	}

	stored.Status = inst.Status
	stored.Error = inst.Error
	stored.Result = inst.Result
	stored.RetryCount = inst.RetryCount
	stored.UpdatedAt = inst.UpdatedAt
	stored.CompletedAt = inst.CompletedAt
	if err := s.save(ctx, stored); err != nil {
		return err
	}

	if stored.Status.Terminal() {
		if err := s.client.SRem(ctx, incompleteSetKey, inst.SagaID).Err(); err != nil {
			return fmt.Errorf("unindex saga: %w", err)
		}
	}
	return nil
}

func (s *redisStore) UpdateStepRecord(ctx context.Context, sagaID string, sr *saga.StepRecord) error {
	stored, err := s.load(ctx, sagaID)
	if err != nil {
		return err
	}

	replaced := false
	for i, existing := range stored.Steps {
		if existing.Name == sr.Name {
			stored.Steps[i] = sr.Copy()
			replaced = true
			break
		}
	}
	if !replaced {
		stored.Steps = append(stored.Steps, sr.Copy())
	}
	return s.save(ctx, stored)
}

func (s *redisStore) Get(ctx context.Context, sagaID string) (*saga.SagaInstance, error) {
	return s.load(ctx, sagaID)
}

func (s *redisStore) FindIncomplete(ctx context.Context) ([]*saga.SagaInstance, error) {
	ids, err := s.client.SMembers(ctx, incompleteSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read saga index: %w", err)
	}

	incomplete := make([]*saga.SagaInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.load(ctx, id)
		if err == saga.ErrSagaNotFound {
			// The document is gone, drop the stale index entry.
			s.client.SRem(ctx, incompleteSetKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		// The index can lag a terminal transition if the process died
		// between the two writes.
		if inst.Status.Terminal() {
			s.client.SRem(ctx, incompleteSetKey, id)
			continue
		}
		incomplete = append(incomplete, inst)
	}
	return incomplete, nil
}

func (s *redisStore) load(ctx context.Context, sagaID string) (*saga.SagaInstance, error) {
	data, err := s.client.Get(ctx, sagaKey(sagaID)).Result()
	if err == redis.Nil {
		return nil, saga.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read saga: %w", err)
	}

	var inst saga.SagaInstance
	if err := json.Unmarshal([]byte(data), &inst); err != nil {
		return nil, fmt.Errorf("corrupted saga document %s: %v", sagaID, err)
	}
	return &inst, nil
}

func (s *redisStore) save(ctx context.Context, inst *saga.SagaInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal saga: %w", err)
	}
	if err := s.client.Set(ctx, sagaKey(inst.SagaID), data, 0).Err(); err != nil {
		return fmt.Errorf("store saga: %w", err)
	}
	return nil
}
