package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/luci/go-render/render"
)

// fakeRemote records every invocation it receives and replies with a
// canned result or error.
type fakeRemote struct {
	invocations []StepInvocation
	res         StepResult
	err         error
}

func (f *fakeRemote) InvokeStep(ctx context.Context, inv StepInvocation) (StepResult, error) {
	f.invocations = append(f.invocations, inv)
	if f.err != nil {
		return StepResult{}, f.err
	}
	if dl, ok := ctx.Deadline(); !ok || time.Until(dl) <= 0 {
		return StepResult{}, context.DeadlineExceeded
	}
	return f.res, nil
}

func stepContext(stepName string, attempt int) *StepContext {
	return &StepContext{
		SagaID:   "saga-1",
		SagaType: "register-user",
		StepName: stepName,
		Attempt:  attempt,
		Payload:  json.RawMessage(`{"email":"new@user.dev"}`),
		previousResults: map[string]json.RawMessage{
			"create-user-account": json.RawMessage(`{"userId":"u-1"}`),
		},
	}
}

func TestModeFor(t *testing.T) {
	remote := &fakeRemote{}
	withRemote := makeStepDispatcher("orchestrator", remote, 0, nil)
	withoutRemote := makeStepDispatcher("orchestrator", nil, 0, nil)

	cases := []struct {
		d       *stepDispatcher
		service string
		mode    dispatchMode
	}{
		{withRemote, "", dispatchLocal},
		{withRemote, "orchestrator", dispatchLocal},
		{withRemote, "quota", dispatchRemote},
		{withoutRemote, "quota", dispatchLocal},
	}

	for _, c := range cases {
		st := MakeStep("a-step", c.service, noopHandler, nil)
		if got := c.d.modeFor(st); got != c.mode {
			t.Errorf("Expected %v for service %q, got %v", c.mode, c.service, got)
		}
	}
}

func TestInvokeLocal_Success(t *testing.T) {
	d := makeStepDispatcher("orchestrator", nil, 0, nil)
	st := MakeStep("init-quota", "", func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
		if _, ok := sc.PreviousResult("create-user-account"); !ok {
			t.Error("Expected the handler to see earlier step results")
		}
		return json.RawMessage(`{"quotaId":"q-1"}`), nil
	}, nil)

	result, err := d.dispatch(context.Background(), st, stepContext("init-quota", 1))
	if err != nil {
		t.Fatal("Expected dispatch to succeed", err)
	}
	if string(result) != `{"quotaId":"q-1"}` {
		t.Error("Expected the handler result back, got", string(result))
	}
}

func TestInvokeLocal_HandlerErrorIsRetryable(t *testing.T) {
	d := makeStepDispatcher("orchestrator", nil, 0, nil)
	st := MakeStep("init-quota", "", func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
		return nil, errors.New("quota service unavailable")
	}, nil)

	_, err := d.dispatch(context.Background(), st, stepContext("init-quota", 1))
	if err == nil {
		t.Fatal("Expected dispatch to fail")
	}
	if _, ok := err.(StepHandlerError); !ok {
		t.Fatal("Expected a StepHandlerError, got", err)
	}
	if !Retryable(err) {
		t.Error("Expected a plain handler error to be retryable")
	}
}

func TestInvokeLocal_TerminalCauseHaltsRetries(t *testing.T) {
	d := makeStepDispatcher("orchestrator", nil, 0, nil)
	st := MakeStep("create-user-account", "", func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
		return nil, Terminal(errors.New("email already registered"))
	}, nil)

	_, err := d.dispatch(context.Background(), st, stepContext("create-user-account", 1))
	if err == nil {
		t.Fatal("Expected dispatch to fail")
	}
	if Retryable(err) {
		t.Error("Expected a terminal cause to halt retries")
	}
}

func TestInvokeLocal_NilHandler(t *testing.T) {
	d := makeStepDispatcher("orchestrator", nil, 0, nil)
	st := StepTemplate{Name: "orphan", Service: "quota", Retryable: true}

	_, err := d.dispatch(context.Background(), st, stepContext("orphan", 1))
	if err == nil {
		t.Fatal("Expected dispatch to fail for a step with no local handler")
	}
	if Retryable(err) {
		t.Error("Expected a missing handler to be terminal, retrying cannot produce one")
	}
}

func TestInvokeLocal_PanicBecomesTerminalError(t *testing.T) {
	d := makeStepDispatcher("orchestrator", nil, 0, nil)
	st := MakeStep("create-default-team", "", func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
		panic("nil map write")
	}, nil)

	_, err := d.dispatch(context.Background(), st, stepContext("create-default-team", 1))
	if err == nil {
		t.Fatal("Expected a panicking handler to surface as an error")
	}
	if Retryable(err) {
		t.Error("Expected a handler panic to be terminal")
	}
	if !strings.Contains(err.Error(), "handler panic") {
		t.Error("Expected the panic value in the message, got", err.Error())
	}
}

func TestInvokeLocal_DeadlineBecomesStepTimeout(t *testing.T) {
	d := makeStepDispatcher("orchestrator", nil, 5*time.Millisecond, nil)
	st := MakeStep("slow-step", "", func(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	_, err := d.dispatch(ctx, st, stepContext("slow-step", 1))
	if _, ok := err.(StepTimeoutError); !ok {
		t.Fatal("Expected a StepTimeoutError, got", err)
	}
	if !Retryable(err) {
		t.Error("Expected a step timeout to be retryable")
	}
}

func TestInvokeRemote_Success(t *testing.T) {
	remote := &fakeRemote{res: StepResult{OK: true, Result: json.RawMessage(`{"teamId":"t-1"}`)}}
	d := makeStepDispatcher("orchestrator", remote, time.Second, nil)
	st := MakeStep("create-default-team", "team", nil, nil)

	result, err := d.dispatch(context.Background(), st, stepContext("create-default-team", 2))
	if err != nil {
		t.Fatal("Expected remote dispatch to succeed", err)
	}
	if string(result) != `{"teamId":"t-1"}` {
		t.Error("Expected the remote result back, got", string(result))
	}

	if len(remote.invocations) != 1 {
		t.Fatal("Expected exactly one invocation, got", len(remote.invocations))
	}
	inv := remote.invocations[0]
	if inv.SagaID != "saga-1" || inv.StepName != "create-default-team" ||
		inv.Service != "team" || inv.Attempt != 2 || inv.Compensate {
		t.Errorf("Unexpected invocation: %v", render.Render(inv))
	}
	if !strings.HasPrefix(inv.CorrelationID, "saga-1.create-default-team.2.") {
		t.Error("Expected the correlation id to carry saga, step and attempt, got", inv.CorrelationID)
	}
	if _, ok := inv.PreviousResults["create-user-account"]; !ok {
		t.Error("Expected earlier step results to travel with the invocation")
	}
	if !inv.Deadline.After(time.Now()) {
		t.Error("Expected a deadline in the future, got", inv.Deadline)
	}
}

func TestInvokeRemote_FailedResult(t *testing.T) {
	remote := &fakeRemote{res: StepResult{OK: false, Error: "insufficient funds"}}
	d := makeStepDispatcher("orchestrator", remote, time.Second, nil)
	st := MakeStep("charge", "payment", nil, nil)

	_, err := d.dispatch(context.Background(), st, stepContext("charge", 1))
	if err == nil {
		t.Fatal("Expected a failed result to surface as an error")
	}
	if !Retryable(err) {
		t.Error("Expected a non-terminal remote failure to be retryable")
	}
	if !strings.Contains(err.Error(), "insufficient funds") {
		t.Error("Expected the remote error text in the message, got", err.Error())
	}
}

func TestInvokeRemote_TerminalResult(t *testing.T) {
	remote := &fakeRemote{res: StepResult{OK: false, Error: "card declined", Terminal: true}}
	d := makeStepDispatcher("orchestrator", remote, time.Second, nil)
	st := MakeStep("charge", "payment", nil, nil)

	_, err := d.dispatch(context.Background(), st, stepContext("charge", 1))
	if err == nil {
		t.Fatal("Expected a failed result to surface as an error")
	}
	if Retryable(err) {
		t.Error("Expected a terminal remote failure to halt retries")
	}
}

func TestInvokeRemote_TransportErrorIsRetryable(t *testing.T) {
	remote := &fakeRemote{err: errors.New("connection reset")}
	d := makeStepDispatcher("orchestrator", remote, time.Second, nil)
	st := MakeStep("charge", "payment", nil, nil)

	_, err := d.dispatch(context.Background(), st, stepContext("charge", 1))
	if _, ok := err.(StepHandlerError); !ok {
		t.Fatal("Expected a StepHandlerError, got", err)
	}
	if !Retryable(err) {
		t.Error("Expected a transport failure to be retryable")
	}
}

func TestInvokeRemote_DeadlineBecomesStepTimeout(t *testing.T) {
	remote := &fakeRemote{err: context.DeadlineExceeded}
	d := makeStepDispatcher("orchestrator", remote, time.Second, nil)
	st := MakeStep("charge", "payment", nil, nil)

	_, err := d.dispatch(context.Background(), st, stepContext("charge", 1))
	if _, ok := err.(StepTimeoutError); !ok {
		t.Fatal("Expected a StepTimeoutError, got", err)
	}
}

func TestCompensateLocal(t *testing.T) {
	d := makeStepDispatcher("orchestrator", nil, 0, nil)

	ran := false
	st := MakeStep("init-quota", "", noopHandler, func(ctx context.Context, sc *StepContext) error {
		ran = true
		return nil
	})
	if err := d.dispatchCompensation(context.Background(), st, stepContext("init-quota", 1)); err != nil {
		t.Fatal("Expected compensation to succeed", err)
	}
	if !ran {
		t.Error("Expected the compensator to run")
	}
}

func TestCompensateLocal_NoCompensator(t *testing.T) {
	d := makeStepDispatcher("orchestrator", nil, 0, nil)
	st := MakeStep("send-welcome-email", "", noopHandler, nil)

	err := d.dispatchCompensation(context.Background(), st, stepContext("send-welcome-email", 1))
	if !errors.Is(err, errNoCompensator) {
		t.Error("Expected errNoCompensator for a step without one, got", err)
	}
}

func TestCompensateLocal_Failure(t *testing.T) {
	d := makeStepDispatcher("orchestrator", nil, 0, nil)
	st := MakeStep("init-quota", "", noopHandler, func(ctx context.Context, sc *StepContext) error {
		return errors.New("quota already released")
	})

	err := d.dispatchCompensation(context.Background(), st, stepContext("init-quota", 1))
	if _, ok := err.(CompensationError); !ok {
		t.Fatal("Expected a CompensationError, got", err)
	}
}

func TestCompensateLocal_PanicRecovered(t *testing.T) {
	d := makeStepDispatcher("orchestrator", nil, 0, nil)
	st := MakeStep("init-quota", "", noopHandler, func(ctx context.Context, sc *StepContext) error {
		panic("index out of range")
	})

	err := d.dispatchCompensation(context.Background(), st, stepContext("init-quota", 1))
	if _, ok := err.(CompensationError); !ok {
		t.Fatal("Expected a CompensationError from a panicking compensator, got", err)
	}
}

func TestCompensateRemote(t *testing.T) {
	remote := &fakeRemote{res: StepResult{OK: true}}
	d := makeStepDispatcher("orchestrator", remote, time.Second, nil)
	st := MakeStep("init-quota", "quota", nil, nil)

	if err := d.dispatchCompensation(context.Background(), st, stepContext("init-quota", 1)); err != nil {
		t.Fatal("Expected remote compensation to succeed", err)
	}
	if len(remote.invocations) != 1 || !remote.invocations[0].Compensate {
		t.Errorf("Expected one compensating invocation: %v", render.Render(remote.invocations))
	}
}

func TestCompensateRemote_Failure(t *testing.T) {
	remote := &fakeRemote{res: StepResult{OK: false, Error: "release rejected"}}
	d := makeStepDispatcher("orchestrator", remote, time.Second, nil)
	st := MakeStep("init-quota", "quota", nil, nil)

	err := d.dispatchCompensation(context.Background(), st, stepContext("init-quota", 1))
	if _, ok := err.(CompensationError); !ok {
		t.Fatal("Expected a CompensationError, got", err)
	}
	if !strings.Contains(err.Error(), "release rejected") {
		t.Error("Expected the remote error text in the message, got", err.Error())
	}
}

func TestMakeCorrelationID_Unique(t *testing.T) {
	sc := stepContext("charge", 3)
	a := makeCorrelationID(sc)
	b := makeCorrelationID(sc)

	if a == b {
		t.Error(fmt.Sprintf("Expected distinct nonces, got %s twice", a))
	}
	if !strings.HasPrefix(a, "saga-1.charge.3.") {
		t.Error("Expected the id to start with sagaId.step.attempt, got", a)
	}
}
