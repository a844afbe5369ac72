package saga

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func testTemplate(t *testing.T) *SagaTemplate {
	tmpl, err := NewBuilder("test-saga").
		Step(MakeStep("step-one", "svc-a", noopHandler, nil)).
		Step(MakeStep("step-two", "svc-b", noopHandler, nil)).
		WithRetries(2).
		WithTimeout(time.Minute).
		Build()
	if err != nil {
		t.Fatal("Expected template to build", err)
	}
	return tmpl
}

func TestMakeInstance(t *testing.T) {
	tmpl := testTemplate(t)
	payload := json.RawMessage(`{"email":"a@b.com"}`)

	inst := makeInstance("saga1", tmpl, payload)

	if inst.SagaID != "saga1" {
		t.Error("Expected instance SagaID to be the id passed to the factory method")
	}
	if inst.SagaType != "test-saga" {
		t.Error("Expected instance SagaType to come from the template")
	}
	if inst.Status != StatusPending {
		t.Error("Expected new instance to be PENDING, got", inst.Status)
	}
	if inst.MaxRetries != 2 {
		t.Error("Expected instance to carry the template retry budget")
	}
	if len(inst.Steps) != 2 {
		t.Error(fmt.Sprintf("Expected a pending record per template step, got %d", len(inst.Steps)))
	}
	for _, sr := range inst.Steps {
		if sr.Status != StepPending {
			t.Error("Expected all step records to start PENDING")
		}
	}
}

func TestInstance_StepLookup(t *testing.T) {
	inst := makeInstance("saga1", testTemplate(t), nil)

	if inst.Step("step-two") == nil {
		t.Error("Expected lookup of an existing step to succeed")
	}
	if inst.Step("no-such-step") != nil {
		t.Error("Expected lookup of a missing step to return nil")
	}
}

func TestInstance_CompletedSteps(t *testing.T) {
	inst := makeInstance("saga1", testTemplate(t), nil)
	inst.Steps[0].Status = StepCompleted

	completed := inst.CompletedSteps()
	if len(completed) != 1 || completed[0].Name != "step-one" {
		t.Error("Expected exactly the completed step back, got", completed)
	}
}

func TestInstance_ValidTransitions(t *testing.T) {
	inst := makeInstance("saga1", testTemplate(t), nil)

	for _, to := range []SagaStatus{StatusRunning, StatusCompensating, StatusCompensated} {
		if err := inst.transitionTo(to); err != nil {
			t.Error("Expected transition to succeed", to, err)
		}
		if inst.Status != to {
			t.Error("Expected status to be updated to", to)
		}
	}

	if inst.CompletedAt == nil {
		t.Error("Expected terminal transition to stamp CompletedAt")
	}
}

func TestInstance_InvalidTransitionRejected(t *testing.T) {
	inst := makeInstance("saga1", testTemplate(t), nil)

	err := inst.transitionTo(StatusCompensated)
	if err == nil {
		t.Error("Expected PENDING -> COMPENSATED to be rejected")
	}
	if _, ok := err.(InvalidStateError); !ok {
		t.Error("Expected returned error to be InvalidStateError")
	}
	if inst.Status != StatusPending {
		t.Error("Expected a rejected transition to leave the instance untouched")
	}
}

func TestInstance_TerminalIsAbsorbing(t *testing.T) {
	inst := makeInstance("saga1", testTemplate(t), nil)
	inst.Status = StatusCompleted

	for _, to := range allSagaStatuses {
		if err := inst.transitionTo(to); err == nil {
			t.Error("Expected no transition out of a terminal status, allowed", to)
		}
	}
}

func TestInstance_Copy(t *testing.T) {
	inst := makeInstance("saga1", testTemplate(t), json.RawMessage(`{}`))
	inst.Steps[0].Status = StepCompleted
	inst.Steps[0].Attempts = 2

	dup := inst.Copy()

	if dup.SagaID != inst.SagaID || len(dup.Steps) != len(inst.Steps) {
		t.Error("Expected copy to preserve instance shape")
	}

	dup.Steps[0].Status = StepFailed
	dup.Status = StatusFailed
	if inst.Steps[0].Status != StepCompleted || inst.Status != StatusPending {
		t.Error("Expected mutating the copy to leave the original untouched")
	}
}

func TestParseSagaStatus_RoundTrip(t *testing.T) {
	for _, status := range allSagaStatuses {
		parsed, err := ParseSagaStatus(status.String())
		if err != nil || parsed != status {
			t.Error("Expected status to round trip through its string form", status)
		}
	}

	if _, err := ParseSagaStatus("NOT_A_STATUS"); err == nil {
		t.Error("Expected parsing an unknown status to fail")
	}
}

func TestParseStepStatus_RoundTrip(t *testing.T) {
	for _, status := range allStepStatuses {
		parsed, err := ParseStepStatus(status.String())
		if err != nil || parsed != status {
			t.Error("Expected step status to round trip through its string form", status)
		}
	}
}
