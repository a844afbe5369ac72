package saga

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func noopHandler(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func TestBuilder_BuildsOrderedTemplate(t *testing.T) {
	tmpl, err := NewBuilder("register-user").
		Step(MakeStep("create-user-account", "user", noopHandler, nil)).
		Step(MakeStep("init-quota", "quota", noopHandler, nil)).
		Step(MakeStep("send-welcome-email", "notification", noopHandler, nil)).
		WithRetries(3).
		WithTimeout(time.Minute).
		Build()

	if err != nil {
		t.Fatal("Expected Build to succeed", err)
	}
	if tmpl.SagaType() != "register-user" {
		t.Error("Expected template to carry its saga type")
	}
	if tmpl.MaxRetries() != 3 || tmpl.Timeout() != time.Minute {
		t.Error("Expected template to carry its retry and timeout budgets")
	}

	steps := tmpl.Steps()
	if len(steps) != 3 || steps[0].Name != "create-user-account" || steps[2].Name != "send-welcome-email" {
		t.Error("Expected steps in the order they were appended")
	}
}

func TestBuilder_RejectsEmptySagaType(t *testing.T) {
	_, err := NewBuilder("").Step(MakeStep("a", "svc", noopHandler, nil)).Build()
	if err == nil {
		t.Error("Expected Build to fail for an empty saga type")
	}
}

func TestBuilder_RejectsNoSteps(t *testing.T) {
	_, err := NewBuilder("empty-saga").Build()
	if err == nil {
		t.Error("Expected Build to fail for a template with no steps")
	}
}

func TestBuilder_RejectsDuplicateStepNames(t *testing.T) {
	_, err := NewBuilder("dup-saga").
		Step(MakeStep("same", "svc", noopHandler, nil)).
		Step(MakeStep("same", "svc", noopHandler, nil)).
		Build()
	if err == nil {
		t.Error("Expected Build to fail for duplicate step names")
	}
}

func TestBuilder_RejectsStepWithoutHandlerOrService(t *testing.T) {
	_, err := NewBuilder("bad-saga").
		Step(StepTemplate{Name: "floating"}).
		Build()
	if err == nil {
		t.Error("Expected Build to fail for a step with neither handler nor service")
	}
}

func TestBuilder_RejectsBadBudgets(t *testing.T) {
	if _, err := NewBuilder("s").Step(MakeStep("a", "svc", noopHandler, nil)).WithRetries(0).Build(); err == nil {
		t.Error("Expected Build to reject a zero retry budget")
	}
	if _, err := NewBuilder("s").Step(MakeStep("a", "svc", noopHandler, nil)).WithTimeout(-time.Second).Build(); err == nil {
		t.Error("Expected Build to reject a negative timeout")
	}
}

func TestTemplate_EffectiveMaxRetries(t *testing.T) {
	withOverride := MakeStep("a", "svc", noopHandler, nil)
	withOverride.MaxRetries = 5

	tmpl, err := NewBuilder("retries-saga").
		Step(withOverride).
		Step(MakeStep("b", "svc", noopHandler, nil)).
		WithRetries(3).
		Build()
	if err != nil {
		t.Fatal("Expected Build to succeed", err)
	}

	steps := tmpl.Steps()
	if got := tmpl.effectiveMaxRetries(steps[0]); got != 5 {
		t.Error("Expected the step override to win, got", got)
	}
	if got := tmpl.effectiveMaxRetries(steps[1]); got != 3 {
		t.Error("Expected the template budget to apply, got", got)
	}
}

func TestTemplate_StepsReturnsCopy(t *testing.T) {
	tmpl, _ := NewBuilder("immutable-saga").
		Step(MakeStep("a", "svc", noopHandler, nil)).
		Build()

	steps := tmpl.Steps()
	steps[0].Name = "mutated"

	if _, ok := tmpl.Step("a"); !ok {
		t.Error("Expected mutating the returned slice to leave the template untouched")
	}
}

func TestStepContext_PreviousResults(t *testing.T) {
	sc := &StepContext{
		previousResults: map[string]json.RawMessage{
			"earlier": json.RawMessage(`{"id":1}`),
		},
	}

	if _, ok := sc.PreviousResult("earlier"); !ok {
		t.Error("Expected the recorded result of an earlier step")
	}
	if _, ok := sc.PreviousResult("later"); ok {
		t.Error("Expected no result for a step that has not completed")
	}

	results := sc.PreviousResults()
	results["earlier"] = json.RawMessage(`{"id":2}`)
	if string(sc.previousResults["earlier"]) != `{"id":1}` {
		t.Error("Expected PreviousResults to hand out a copy")
	}
}
