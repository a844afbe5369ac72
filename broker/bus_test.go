package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeEnvelope(t *testing.T) {
	env, err := MakeEnvelope("saga.started", "saga-orchestrator", map[string]string{"sagaId": "saga-1"})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "saga.started", env.Type)
	assert.Equal(t, "saga-orchestrator", env.Source)

	_, err = time.Parse(time.RFC3339, env.Timestamp)
	assert.NoError(t, err, "timestamp should be RFC3339")

	var data map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "saga-1", data["sagaId"])
}

func TestMakeEnvelopeUniqueIDs(t *testing.T) {
	first, err := MakeEnvelope("saga.started", "test", nil)
	require.NoError(t, err)
	second, err := MakeEnvelope("saga.started", "test", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestMakeDeadLetterKeepsRawBody(t *testing.T) {
	body := []byte(`{"id":"env-1"}`)
	dl := MakeDeadLetter("saga.step.invoke.billing", "saga.step.invoke.billing", body, assert.AnError, 2, 3)

	assert.Equal(t, SagaEventsExchange, dl.OriginalExchange)
	assert.Equal(t, "saga.step.invoke.billing", dl.OriginalQueue)
	assert.Equal(t, 2, dl.RetryCount)
	assert.Equal(t, 3, dl.MaxRetries)
	assert.JSONEq(t, `{"id":"env-1"}`, string(dl.Message))
	assert.NotEmpty(t, dl.Error)
}

func TestMakeDeadLetterQuotesInvalidJSON(t *testing.T) {
	dl := MakeDeadLetter(StepResultsQueue, StepResultKey, []byte("{not json"), assert.AnError, 0, 0)

	// The dead letter itself must stay marshalable even when the
	// poisoned body was not JSON.
	assert.True(t, json.Valid(dl.Message))
	_, err := json.Marshal(dl)
	require.NoError(t, err)

	var quoted string
	require.NoError(t, json.Unmarshal(dl.Message, &quoted))
	assert.Equal(t, "{not json", quoted)
}

func TestStepInvokeKey(t *testing.T) {
	assert.Equal(t, "saga.step.invoke.account-service", StepInvokeKey("account-service"))
}

func TestMemoryBusRoutesByKey(t *testing.T) {
	bus := MakeMemoryBus()
	defer bus.Close()

	starts := make(chan Envelope, 1)
	results := make(chan Envelope, 1)
	require.NoError(t, bus.Subscribe(OrchestratorQueue, StartKey, func(env Envelope) { starts <- env }))
	require.NoError(t, bus.Subscribe(StepResultsQueue, StepResultKey, func(env Envelope) { results <- env }))

	env, err := MakeEnvelope(StartKey, "test", StartRequest{SagaType: "register-user"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), StartKey, env))

	select {
	case got := <-starts:
		assert.Equal(t, env.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("bound handler never saw the envelope")
	}

	select {
	case <-results:
		t.Fatal("envelope leaked to a handler bound to a different key")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	bus := MakeMemoryBus()
	defer bus.Close()

	first := make(chan Envelope, 1)
	second := make(chan Envelope, 1)
	require.NoError(t, bus.Subscribe("audit", "saga.completed", func(env Envelope) { first <- env }))
	require.NoError(t, bus.Subscribe("notify", "saga.completed", func(env Envelope) { second <- env }))

	env, err := MakeEnvelope("saga.completed", "test", nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), "saga.completed", env))

	for _, ch := range []chan Envelope{first, second} {
		select {
		case got := <-ch:
			assert.Equal(t, env.ID, got.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("a bound handler never saw the envelope")
		}
	}
}

func TestMemoryBusHistory(t *testing.T) {
	bus := MakeMemoryBus()
	defer bus.Close()

	first, err := MakeEnvelope("saga.started", "test", nil)
	require.NoError(t, err)
	second, err := MakeEnvelope("saga.completed", "test", nil)
	require.NoError(t, err)

	// No binding exists, envelopes are dropped but still recorded.
	require.NoError(t, bus.Publish(context.Background(), "saga.started", first))
	require.NoError(t, bus.Publish(context.Background(), "saga.completed", second))

	history := bus.History()
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, second.ID, history[1].ID)
}

func TestMemoryBusClosed(t *testing.T) {
	bus := MakeMemoryBus()

	delivered := make(chan Envelope, 1)
	require.NoError(t, bus.Subscribe("audit", "saga.started", func(env Envelope) { delivered <- env }))
	require.NoError(t, bus.Close())

	env, err := MakeEnvelope("saga.started", "test", nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), "saga.started", env))

	select {
	case <-delivered:
		t.Fatal("closed bus still delivered an envelope")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, bus.History())
}
