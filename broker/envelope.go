// Package broker carries saga messaging: the platform event envelope,
// the exchange and queue topology, and the bus implementations the
// orchestrator and its workers publish and consume through.
package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	// Exchange names
	SagaEventsExchange = "saga.events"

	// Queue names
	OrchestratorQueue = "saga.orchestrator"
	StepResultsQueue  = "saga.step.results"
	DeadLetterQueue   = "dlq.saga.events"

	// Routing keys
	StartKey      = "saga.start"
	StepResultKey = "saga.step.result"
	DeadLetterKey = "saga.dead.letter"

	// Administrative routing keys, published by sagactl and consumed by
	// the orchestrator. The key doubles as the queue name, like step
	// invocation keys do.
	ResumeKey     = "saga.admin.resume"
	CompensateKey = "saga.admin.compensate"
)

// StepInvokeKey returns the routing key addressing one owning service's
// step invocations. The worker for that service consumes a queue of the
// same name bound with this key.
func StepInvokeKey(service string) string {
	return "saga.step.invoke." + service
}

/*
 * Envelope is the wire shape every message on the saga exchange
 * travels in. Type mirrors the routing key the message was published
 * with and Data holds the type-specific body: a lifecycle Event, a
 * StepInvocation, a StepResult, a StartRequest or a DeadLetter.
 */
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
}

// MakeEnvelope wraps data in a fresh Envelope stamped with a new id and
// the current UTC time.
func MakeEnvelope(msgType string, source string, data interface{}) (Envelope, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    source,
		Data:      body,
	}, nil
}

// StartRequest asks the orchestrator to begin a saga. Published with
// StartKey and consumed from OrchestratorQueue.
type StartRequest struct {
	SagaType string          `json:"sagaType"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// AdminRequest asks the orchestrator to re-drive a saga by id: resume
// an incomplete one, or re-run compensation of a FAILED one. Published
// with ResumeKey or CompensateKey.
type AdminRequest struct {
	SagaID string `json:"sagaId"`
}

/*
 * DeadLetter wraps a message that could not be processed: malformed
 * envelopes and invocations whose consumer-side retry budget ran out.
 * The original body rides along untouched so an operator can inspect
 * and replay it.
 */
type DeadLetter struct {
	OriginalExchange   string            `json:"originalExchange"`
	OriginalRoutingKey string            `json:"originalRoutingKey"`
	OriginalQueue      string            `json:"originalQueue"`
	Message            json.RawMessage   `json:"message"`
	Error              string            `json:"error"`
	FailedAt           string            `json:"failedAt"`
	RetryCount         int               `json:"retryCount"`
	MaxRetries         int               `json:"maxRetries"`
	Headers            map[string]string `json:"headers,omitempty"`
}

// MakeDeadLetter records why body could not be processed off queue.
// body is kept verbatim even when it never parsed as an Envelope.
func MakeDeadLetter(queue, routingKey string, body []byte, cause error, retryCount, maxRetries int) DeadLetter {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	// Raw bytes that are not valid JSON cannot ride in a RawMessage
	// field, they get re-encoded as a JSON string.
	message := json.RawMessage(body)
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		message = quoted
	}

	return DeadLetter{
		OriginalExchange:   SagaEventsExchange,
		OriginalRoutingKey: routingKey,
		OriginalQueue:      queue,
		Message:            message,
		Error:              errText,
		FailedAt:           time.Now().UTC().Format(time.RFC3339),
		RetryCount:         retryCount,
		MaxRetries:         maxRetries,
	}
}
