package sagastores

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lnkday/orchestrator/saga"
)

// Writes sagas to the file system. Durable across process restarts, not
// beyond machine failure. Each saga is stored as one JSON document
// named <sagaId>.json under the store directory.
type fileStore struct {
	dirName string
	mutex   sync.Mutex
}

// Creates a file backed Store with documents stored at the specified
// directory. If the directory does not exist it will create it.
func MakeFileStore(dirName string) (saga.Store, error) {
	if err := os.MkdirAll(dirName, os.ModePerm); err != nil {
		return nil, err
	}
	return &fileStore{dirName: dirName}, nil
}

func (s *fileStore) sagaFileName(sagaID string) string {
	return filepath.Join(s.dirName, sagaID+".json")
}

func (s *fileStore) Create(ctx context.Context, inst *saga.SagaInstance) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, err := os.Stat(s.sagaFileName(inst.SagaID)); err == nil {
		return fmt.Errorf("saga %s already exists in the store", inst.SagaID)
	} else if !os.IsNotExist(err) {
		return err
	}
	return s.save(inst)
}

func (s *fileStore) UpdateStatus(ctx context.Context, inst *saga.SagaInstance) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, err := s.load(inst.SagaID)
	if err != nil {
		return err
	}

	stored.Status = inst.Status
	stored.Error = inst.Error
	stored.Result = inst.Result
	stored.RetryCount = inst.RetryCount
	stored.UpdatedAt = inst.UpdatedAt
	stored.CompletedAt = inst.CompletedAt
	return s.save(stored)
}

func (s *fileStore) UpdateStepRecord(ctx context.Context, sagaID string, sr *saga.StepRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, err := s.load(sagaID)
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
	return s.save(stored)
}

func (s *fileStore) Get(ctx context.Context, sagaID string) (*saga.SagaInstance, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.load(sagaID)
}

// A full scan of the store directory. Fine for the backlog sizes a
// single process recovers at startup.
func (s *fileStore) FindIncomplete(ctx context.Context) ([]*saga.SagaInstance, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries, err := os.ReadDir(s.dirName)
	if err != nil {
		return nil, err
	}

	incomplete := make([]*saga.SagaInstance, 0)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		inst, err := s.load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		if !inst.Status.Terminal() {
			incomplete = append(incomplete, inst)
		}
	}
	return incomplete, nil
}

func (s *fileStore) load(sagaID string) (*saga.SagaInstance, error) {
	data, err := os.ReadFile(s.sagaFileName(sagaID))
	if os.IsNotExist(err) {
		return nil, saga.ErrSagaNotFound
	}
	if err != nil {
		return nil, err
	}

	var inst saga.SagaInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("corrupted saga document %s: %v", sagaID, err)
	}
	return &inst, nil
}

// Writes the whole document to a temp file and renames it into place,
// a crash mid-write never leaves a torn document behind.
func (s *fileStore) save(inst *saga.SagaInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	fileName := s.sagaFileName(inst.SagaID)
	tmpName := fileName + ".tmp"
	if err := os.WriteFile(tmpName, data, os.ModePerm); err != nil {
		return err
	}
	return os.Rename(tmpName, fileName)
}
