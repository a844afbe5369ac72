package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lnkday/orchestrator/saga"
	"github.com/lnkday/orchestrator/saga/sagastores"
)

/* demo code */
func main() {
	failures := 0
	failures += runHappyPath()
	failures += runCompensationPath()
	failures += runRetryPath()

	fmt.Println("")
	if failures > 0 {
		fmt.Println("scenarios failed:", failures)
		os.Exit(2)
	}
	fmt.Println("all scenarios behaved")
}

var payload = json.RawMessage(`{"email":"a@b.com","password":"x"}`)

// Everything succeeds, the saga completes with every step's result
// aggregated.
func runHappyPath() int {
	fmt.Println("--- register-user, everything succeeds")

	var undone []string
	engine, err := makeEngine(quotaOK(), teamOK(), &undone)
	if err != nil {
		fmt.Println("ERROR building engine:", err)
		return 1
	}

	res, err := engine.Execute(context.Background(), "register-user", payload)
	if err != nil {
		fmt.Println("ERROR executing:", err)
		return 1
	}

	fmt.Printf("status=%v welcome=%s\n", res.Status, res.Result["send-welcome-email"])
	if res.Status != saga.StatusCompleted || len(undone) != 0 {
		fmt.Println("expected a COMPLETED saga with nothing undone")
		return 1
	}
	return 0
}

// create-default-team fails without retry after the first two steps
// completed: they are undone newest first and the mail step never runs.
func runCompensationPath() int {
	fmt.Println("--- register-user, create-default-team fails")

	var undone []string
	engine, err := makeEngine(quotaOK(), teamTaken(), &undone)
	if err != nil {
		fmt.Println("ERROR building engine:", err)
		return 1
	}

	res, err := engine.Execute(context.Background(), "register-user", payload)
	if err != nil {
		fmt.Println("ERROR executing:", err)
		return 1
	}

	fmt.Printf("status=%v undone=%v cause=%v\n", res.Status, res.CompensatedSteps, res.Err)
	if res.Status != saga.StatusCompensated {
		fmt.Println("expected a COMPENSATED saga")
		return 1
	}
	if len(res.CompensatedSteps) != 2 || res.CompensatedSteps[0] != "init-quota" || res.CompensatedSteps[1] != "create-user-account" {
		fmt.Println("expected init-quota then create-user-account undone")
		return 1
	}

	inst, err := engine.GetSaga(context.Background(), res.SagaID)
	if err != nil {
		fmt.Println("ERROR reading saga back:", err)
		return 1
	}
	mail := inst.Steps[len(inst.Steps)-1]
	fmt.Printf("step %s is %v\n", mail.Name, mail.Status)
	if mail.Status != saga.StepSkipped {
		fmt.Println("expected send-welcome-email to be SKIPPED")
		return 1
	}
	return 0
}

// init-quota fails twice then succeeds within its three attempt budget,
// the saga still completes.
func runRetryPath() int {
	fmt.Println("--- register-user, init-quota succeeds on the third attempt")

	var undone []string
	engine, err := makeEngine(quotaFlaky(), teamOK(), &undone)
	if err != nil {
		fmt.Println("ERROR building engine:", err)
		return 1
	}

	res, err := engine.Execute(context.Background(), "register-user", payload)
	if err != nil {
		fmt.Println("ERROR executing:", err)
		return 1
	}

	inst, err := engine.GetSaga(context.Background(), res.SagaID)
	if err != nil {
		fmt.Println("ERROR reading saga back:", err)
		return 1
	}
	attempts := 0
	for _, sr := range inst.Steps {
		if sr.Name == "init-quota" {
			attempts = sr.Attempts
		}
	}

	fmt.Printf("status=%v init-quota attempts=%d\n", res.Status, attempts)
	if res.Status != saga.StatusCompleted || attempts != 3 {
		fmt.Println("expected a COMPLETED saga after three init-quota attempts")
		return 1
	}
	return 0
}

/*
 * Builds a fresh in-memory engine with the register-user template from
 * the platform onboarding flow. The quota and team behaviors vary per
 * scenario, undone records compensator runs in order.
 */
func makeEngine(quota, team saga.StepHandler, undone *[]string) (*saga.Engine, error) {
	undo := func(stepName string) saga.StepCompensator {
		return func(ctx context.Context, sc *saga.StepContext) error {
			*undone = append(*undone, stepName)
			fmt.Println("undid", stepName)
			return nil
		}
	}

	tmpl, err := saga.NewBuilder("register-user").
		Step(saga.MakeStep("create-user-account", "user-service",
			func(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
				return json.RawMessage(`{"userId":"u-1001"}`), nil
			}, undo("create-user-account"))).
		Step(saga.MakeStep("init-quota", "billing-service", quota, undo("init-quota"))).
		Step(saga.MakeStep("create-default-team", "account-service", team, undo("create-default-team"))).
		Step(saga.MakeStep("send-welcome-email", "notification-service",
			func(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
				return json.RawMessage(`{"sent":true}`), nil
			}, nil)).
		WithRetries(3).
		WithTimeout(60 * time.Second).
		Build()
	if err != nil {
		return nil, err
	}

	registry := saga.MakeRegistry()
	if err := registry.Register(tmpl); err != nil {
		return nil, err
	}
	return saga.MakeInProcessEngine(registry, sagastores.MakeInMemoryStoreNoGC()), nil
}

func quotaOK() saga.StepHandler {
	return func(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
		return json.RawMessage(`{"quota":1000}`), nil
	}
}

// Fails the first two attempts with a retryable error.
func quotaFlaky() saga.StepHandler {
	return func(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
		if sc.Attempt < 3 {
			return nil, errors.New("quota backend briefly unavailable")
		}
		return json.RawMessage(`{"quota":1000}`), nil
	}
}

func teamOK() saga.StepHandler {
	return func(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
		return json.RawMessage(`{"teamId":"t-1"}`), nil
	}
}

// Fails terminally, no retry can make the team name available.
func teamTaken() saga.StepHandler {
	return func(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
		return nil, saga.Terminal(errors.New("team name already taken"))
	}
}
