package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a saga lifecycle transition. The values double as
// messaging routing keys.
type EventType string

const (
	EventSagaStarted   EventType = "saga.started"
	EventStepCompleted EventType = "saga.step.completed"
	EventStepFailed    EventType = "saga.step.failed"
	EventSagaCompleted EventType = "saga.completed"
	EventCompensating  EventType = "saga.compensating"
	EventCompensated   EventType = "saga.compensated"
	EventSagaFailed    EventType = "saga.failed"
)

/*
 * Immutable record of one saga lifecycle transition. Events are emitted
 * after the transition is persisted and consumed by zero or more
 * external listeners, audit and notifications, with no feedback into
 * the engine. Factory methods are supplied for creation and should be
 * used instead of building an Event directly.
 */
type Event struct {
	Type             EventType       `json:"type"`
	SagaID           string          `json:"sagaId"`
	SagaType         string          `json:"sagaType"`
	Status           SagaStatus      `json:"status"`
	StepName         string          `json:"stepName,omitempty"`
	Error            string          `json:"error,omitempty"`
	CompensatedSteps []string        `json:"compensatedSteps,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event %s: Saga %s, Step %s", e.Type, e.SagaID, e.StepName)
}

// Publisher emits saga lifecycle events. Publish is fire and forget
// relative to the orchestration decision path: implementations log
// failures and never surface them into saga state.
type Publisher interface {
	Publish(event Event)
}

type nilPublisher struct{}

func (nilPublisher) Publish(Event) {}

// NilPublisher drops all events.
func NilPublisher() Publisher {
	return nilPublisher{}
}

func makeEvent(eventType EventType, inst *SagaInstance) Event {
	return Event{
		Type:      eventType,
		SagaID:    inst.SagaID,
		SagaType:  inst.SagaType,
		Status:    inst.Status,
		Timestamp: time.Now().UTC(),
	}
}

/*
 * saga.started, emitted when an instance transitions to RUNNING.
 */
func MakeSagaStartedEvent(inst *SagaInstance) Event {
	return makeEvent(EventSagaStarted, inst)
}

/*
 * saga.step.completed, emitted when a forward step reaches COMPLETED.
 *  - stepName - the completed step
 *  - result   - the step's recorded result
 */
func MakeStepCompletedEvent(inst *SagaInstance, stepName string, result json.RawMessage) Event {
	event := makeEvent(EventStepCompleted, inst)
	event.StepName = stepName
	event.Result = result
	return event
}

/*
 * saga.step.failed, emitted when a step fails terminally or exhausts
 * its retry budget.
 *  - stepName - the failed step
 *  - err      - the classified failure
 */
func MakeStepFailedEvent(inst *SagaInstance, stepName string, err error) Event {
	event := makeEvent(EventStepFailed, inst)
	event.StepName = stepName
	if err != nil {
		event.Error = err.Error()
	}
	return event
}

/*
 * saga.completed, emitted when every step completed and the instance
 * reached COMPLETED.
 *  - result - the aggregated step name to result map
 */
func MakeSagaCompletedEvent(inst *SagaInstance) Event {
	event := makeEvent(EventSagaCompleted, inst)
	event.Result = inst.Result
	return event
}

/*
 * saga.compensating, emitted when the instance enters the compensation
 * path.
 *  - err - the terminal step failure that triggered compensation
 */
func MakeCompensatingEvent(inst *SagaInstance, err error) Event {
	event := makeEvent(EventCompensating, inst)
	if err != nil {
		event.Error = err.Error()
	}
	return event
}

/*
 * saga.compensated, emitted when every present compensator succeeded.
 *  - compensatedSteps - step names undone, newest first
 */
func MakeCompensatedEvent(inst *SagaInstance, compensatedSteps []string) Event {
	event := makeEvent(EventCompensated, inst)
	event.CompensatedSteps = compensatedSteps
	event.Error = inst.Error
	return event
}

/*
 * saga.failed, emitted when the instance reaches FAILED, either
 * directly with no completed steps or after a partial compensation
 * walk.
 *  - compensatedSteps - step names successfully undone, may be partial
 */
func MakeSagaFailedEvent(inst *SagaInstance, compensatedSteps []string) Event {
	event := makeEvent(EventSagaFailed, inst)
	event.CompensatedSteps = compensatedSteps
	event.Error = inst.Error
	return event
}

/*
 * Wire request asking an owning service to run one step attempt.
 * CorrelationID ties the eventual StepResult back to the attempt, the
 * orchestrator drops replies carrying a correlation id it no longer
 * waits on.
 */
type StepInvocation struct {
	SagaID          string                     `json:"sagaId"`
	SagaType        string                     `json:"sagaType"`
	StepName        string                     `json:"stepName"`
	Service         string                     `json:"service"`
	Attempt         int                        `json:"attempt"`
	CorrelationID   string                     `json:"correlationId"`
	Payload         json.RawMessage            `json:"payload,omitempty"`
	PreviousResults map[string]json.RawMessage `json:"previousResults,omitempty"`
	Deadline        time.Time                  `json:"deadline"`

	// Compensate true asks the owning service to run the step's
	// compensator instead of its handler.
	Compensate bool `json:"compensate,omitempty"`
}

/*
 * Wire reply to a StepInvocation. Terminal true marks a handler failure
 * that must not be retried.
 */
type StepResult struct {
	SagaID        string          `json:"sagaId"`
	StepName      string          `json:"stepName"`
	CorrelationID string          `json:"correlationId"`
	OK            bool            `json:"ok"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Terminal      bool            `json:"terminal,omitempty"`
}

// RemoteDispatcher delivers a step invocation to the step's owning
// service and blocks for the correlated result. Implementations live in
// the broker package, the engine only sees this contract.
type RemoteDispatcher interface {
	InvokeStep(ctx context.Context, inv StepInvocation) (StepResult, error)
}
