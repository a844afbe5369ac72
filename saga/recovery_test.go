package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
)

func TestRecoverAll_ResumesIncompleteSagas(t *testing.T) {
	rec := makeRecorder()
	tmpl := registerUserSaga(t, rec, nil)
	engine, store, _ := makeTestEngine(t, tmpl)

	now := time.Now().UTC()

	running := makeInstance("rec-running", tmpl, nil)
	running.Status = StatusRunning
	running.Steps[0].Status = StepCompleted
	running.Steps[0].Result = json.RawMessage(`{"step":"create-user-account"}`)
	running.Steps[0].Attempts = 1
	running.Steps[0].CompletedAt = &now
	store.seed(running)

	store.seed(makeInstance("rec-pending", tmpl, nil))

	compensating := makeInstance("rec-comp", tmpl, nil)
	compensating.Status = StatusCompensating
	compensating.Error = "create-default-team failed terminally"
	compensating.Steps[0].Status = StepCompleted
	compensating.Steps[0].Result = json.RawMessage(`{"step":"create-user-account"}`)
	compensating.Steps[0].CompletedAt = &now
	compensating.Steps[1].Status = StepFailed
	compensating.Steps[1].Error = "create-default-team failed terminally"
	compensating.Steps[2].Status = StepSkipped
	compensating.Steps[3].Status = StepSkipped
	store.seed(compensating)

	done := makeInstance("rec-done", tmpl, nil)
	done.Status = StatusCompleted
	store.seed(done)

	rm := MakeRecoveryManager(engine, store, 1000, nil)
	resumed, err := rm.RecoverAll(context.Background())
	if err != nil {
		t.Fatal("Expected the recovery pass to succeed", err)
	}
	if resumed != 3 {
		t.Error("Expected 3 sagas resumed, got", resumed)
	}

	want := map[string]SagaStatus{
		"rec-running": StatusCompleted,
		"rec-pending": StatusFailed,
		"rec-comp":    StatusCompensated,
		"rec-done":    StatusCompleted,
	}
	for id, status := range want {
		stored, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatal("Expected the instance to still exist", err)
		}
		if stored.Status != status {
			t.Error("Expected", id, "in status", status, "got", stored.Status)
		}
	}
}

func TestRecoverAll_NothingToRecover(t *testing.T) {
	rec := makeRecorder()
	engine, store, _ := makeTestEngine(t, registerUserSaga(t, rec, nil))

	rm := MakeRecoveryManager(engine, store, 0, nil)
	resumed, err := rm.RecoverAll(context.Background())
	if err != nil {
		t.Fatal("Expected an empty pass to succeed", err)
	}
	if resumed != 0 {
		t.Error("Expected nothing resumed, got", resumed)
	}
}

func TestRecoverAll_ResumeFailuresAreNotCounted(t *testing.T) {
	rec := makeRecorder()
	tmpl := registerUserSaga(t, rec, nil)
	engine, store, _ := makeTestEngine(t, tmpl)

	// A type the registry has never seen, its resume must fail without
	// stopping the pass.
	ghost, err := NewBuilder("ghost-saga").
		Step(MakeStep("vanish", "svc", noopHandler, nil)).
		Build()
	if err != nil {
		t.Fatal("Expected template to build", err)
	}
	orphan := makeInstance("rec-orphan", ghost, nil)
	orphan.Status = StatusRunning
	store.seed(orphan)

	store.seed(makeInstance("rec-ok", tmpl, nil))

	rm := MakeRecoveryManager(engine, store, 1000, nil)
	resumed, err := rm.RecoverAll(context.Background())
	if err != nil {
		t.Fatal("Expected the pass to survive a failing resume", err)
	}
	if resumed != 1 {
		t.Error("Expected only the resumable saga counted, got", resumed)
	}

	stored, _ := store.Get(context.Background(), "rec-orphan")
	if stored.Status != StatusRunning {
		t.Error("Expected the unresumable saga left untouched, got", stored.Status)
	}
}

func TestRecoverAll_StoreErrorPropagates(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	storeMock := NewMockStore(mockCtrl)
	storeMock.EXPECT().FindIncomplete(gomock.Any()).Return(nil, errors.New("query failed"))

	engine := MakeInProcessEngine(MakeRegistry(), storeMock)
	rm := MakeRecoveryManager(engine, storeMock, 0, nil)

	if _, err := rm.RecoverAll(context.Background()); err == nil {
		t.Error("Expected the store failure to propagate")
	}
}

func TestRecoverAll_CancelledContext(t *testing.T) {
	rec := makeRecorder()
	tmpl := registerUserSaga(t, rec, nil)
	engine, store, _ := makeTestEngine(t, tmpl)
	store.seed(makeInstance("rec-late", tmpl, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resumed, err := MakeRecoveryManager(engine, store, 1, nil).RecoverAll(ctx)
	if err == nil {
		t.Error("Expected the cancelled context to end the pass")
	}
	if resumed != 0 {
		t.Error("Expected nothing resumed, got", resumed)
	}
}
