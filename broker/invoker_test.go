package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnkday/orchestrator/saga"
)

// Subscribes a fake owning service that answers every invocation with
// an OK result, replying replies times per request. Received
// invocations are exposed on the returned channel.
func startEchoWorker(t *testing.T, bus MessageBus, service string, replies int) chan saga.StepInvocation {
	// Buffered past any test's invocation count so handlers never block
	// on a test that does not drain it.
	received := make(chan saga.StepInvocation, 16)

	err := bus.Subscribe(StepInvokeKey(service), StepInvokeKey(service), func(env Envelope) {
		var inv saga.StepInvocation
		if err := json.Unmarshal(env.Data, &inv); err != nil {
			t.Errorf("could not decode invocation: %v", err)
			return
		}
		received <- inv

		res := saga.StepResult{
			SagaID:        inv.SagaID,
			StepName:      inv.StepName,
			CorrelationID: inv.CorrelationID,
			OK:            true,
			Result:        json.RawMessage(`{"accountId":"acct-1"}`),
		}
		resEnv, err := MakeEnvelope(StepResultKey, service, res)
		if err != nil {
			t.Errorf("could not build result envelope: %v", err)
			return
		}
		for i := 0; i < replies; i++ {
			bus.Publish(context.Background(), StepResultKey, resEnv)
		}
	})
	require.NoError(t, err)
	return received
}

func makeTestInvocation(correlationID string) saga.StepInvocation {
	return saga.StepInvocation{
		SagaID:        "saga-1",
		SagaType:      "register-user",
		StepName:      "create-user-account",
		Service:       "account-service",
		Attempt:       1,
		CorrelationID: correlationID,
		Payload:       json.RawMessage(`{"email":"new.user@example.com"}`),
		Deadline:      time.Now().Add(2 * time.Second),
	}
}

func TestInvokerRoundTrip(t *testing.T) {
	bus := MakeMemoryBus()
	defer bus.Close()

	invoker, err := MakeInvoker(bus, "saga-orchestrator", nil)
	require.NoError(t, err)
	received := startEchoWorker(t, bus, "account-service", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := invoker.InvokeStep(ctx, makeTestInvocation("corr-1"))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "corr-1", res.CorrelationID)
	assert.JSONEq(t, `{"accountId":"acct-1"}`, string(res.Result))

	inv := <-received
	assert.Equal(t, "saga-1", inv.SagaID)
	assert.Equal(t, "create-user-account", inv.StepName)
	assert.Equal(t, 1, inv.Attempt)
	assert.False(t, inv.Compensate)
}

func TestInvokerDeadline(t *testing.T) {
	bus := MakeMemoryBus()
	defer bus.Close()

	invoker, err := MakeInvoker(bus, "saga-orchestrator", nil)
	require.NoError(t, err)

	// No worker is subscribed, the attempt can only time out.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = invoker.InvokeStep(ctx, makeTestInvocation("corr-timeout"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvokerDuplicateReplies(t *testing.T) {
	bus := MakeMemoryBus()
	defer bus.Close()

	invoker, err := MakeInvoker(bus, "saga-orchestrator", nil)
	require.NoError(t, err)
	startEchoWorker(t, bus, "account-service", 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Replayed results must not wedge the consumer or a later attempt.
	res, err := invoker.InvokeStep(ctx, makeTestInvocation("corr-dup"))
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = invoker.InvokeStep(ctx, makeTestInvocation("corr-after-dup"))
	require.NoError(t, err)
	assert.Equal(t, "corr-after-dup", res.CorrelationID)
}

func TestInvokerDropsStaleReply(t *testing.T) {
	bus := MakeMemoryBus()
	defer bus.Close()

	invoker, err := MakeInvoker(bus, "saga-orchestrator", nil)
	require.NoError(t, err)

	// A reply for an attempt nobody waits on anymore.
	stale := saga.StepResult{
		SagaID:        "saga-gone",
		StepName:      "create-user-account",
		CorrelationID: "corr-stale",
		OK:            true,
	}
	env, err := MakeEnvelope(StepResultKey, "account-service", stale)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), StepResultKey, env))
	time.Sleep(50 * time.Millisecond)

	// The invoker keeps serving fresh attempts.
	startEchoWorker(t, bus, "account-service", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := invoker.InvokeStep(ctx, makeTestInvocation("corr-fresh"))
	require.NoError(t, err)
	assert.Equal(t, "corr-fresh", res.CorrelationID)
}

func TestInvokerConcurrentAttempts(t *testing.T) {
	bus := MakeMemoryBus()
	defer bus.Close()

	invoker, err := MakeInvoker(bus, "saga-orchestrator", nil)
	require.NoError(t, err)
	startEchoWorker(t, bus, "account-service", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type outcome struct {
		correlationID string
		res           saga.StepResult
		err           error
	}
	outcomes := make(chan outcome, 8)
	for i := 0; i < 8; i++ {
		correlationID := fmt.Sprintf("corr-parallel-%d", i)
		go func() {
			res, err := invoker.InvokeStep(ctx, makeTestInvocation(correlationID))
			outcomes <- outcome{correlationID: correlationID, res: res, err: err}
		}()
	}

	for i := 0; i < 8; i++ {
		got := <-outcomes
		require.NoError(t, got.err)
		assert.Equal(t, got.correlationID, got.res.CorrelationID,
			"each attempt must receive its own correlated reply")
	}
}
