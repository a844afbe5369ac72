package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StepHandler executes the forward action of a step and returns its
// serialized result. Handlers must be idempotent: the engine guarantees
// at-least-once invocation, not exactly-once.
type StepHandler func(ctx context.Context, sc *StepContext) (json.RawMessage, error)

// StepCompensator undoes the effect of a previously completed step.
// Compensators must be idempotent for the same reason handlers must be.
type StepCompensator func(ctx context.Context, sc *StepContext) error

// StepContext carries the inputs a handler or compensator may read: the
// saga payload and the results of every step completed before it.
// Handlers communicate back only through return values and errors,
// never by mutating saga state.
type StepContext struct {
	SagaID   string
	SagaType string
	StepName string
	Attempt  int
	Payload  json.RawMessage

	previousResults map[string]json.RawMessage
}

// Returns the recorded result of an earlier step, and whether that step
// has completed yet.
func (sc *StepContext) PreviousResult(stepName string) (json.RawMessage, bool) {
	r, ok := sc.previousResults[stepName]
	return r, ok
}

// Returns a copy of all results accumulated so far, keyed by step name.
func (sc *StepContext) PreviousResults() map[string]json.RawMessage {
	results := make(map[string]json.RawMessage, len(sc.previousResults))
	for name, r := range sc.previousResults {
		results[name] = r
	}
	return results
}

// MakeStepContext builds the handler view of one step attempt. The
// engine builds contexts itself for local dispatch, worker processes
// build them from a received StepInvocation.
func MakeStepContext(sagaID, sagaType, stepName string, attempt int, payload json.RawMessage, previousResults map[string]json.RawMessage) *StepContext {
	return &StepContext{
		SagaID:          sagaID,
		SagaType:        sagaType,
		StepName:        stepName,
		Attempt:         attempt,
		Payload:         payload,
		previousResults: previousResults,
	}
}

/*
 * Definition of a single step within a saga template.
 *
 * Service names the owning service. The engine invokes Handler in
 * process when Service matches its own service name, and dispatches an
 * invocation message to the owning service otherwise, so Handler may be
 * nil for steps another process executes.
 *
 * Compensator may be nil for steps that need no rollback, e.g. sending
 * an email.
 *
 * Retryable false makes any failure of this step terminal. MaxRetries
 * caps total attempts for this step when > 0, otherwise the template
 * budget applies. Use MakeStep for the default policy.
 */
type StepTemplate struct {
	Name        string
	Service     string
	Handler     StepHandler
	Compensator StepCompensator
	Retryable   bool
	MaxRetries  int
}

/*
 * Returns a StepTemplate with the default retry policy: failures are
 * retryable and the template retry budget applies.
 */
func MakeStep(name, service string, handler StepHandler, compensator StepCompensator) StepTemplate {
	return StepTemplate{
		Name:        name,
		Service:     service,
		Handler:     handler,
		Compensator: compensator,
		Retryable:   true,
	}
}

/*
 * An immutable, ordered definition of a saga: which steps run, who owns
 * them, and the retry and timeout budgets. Built once per saga type via
 * NewBuilder and registered at process start.
 */
type SagaTemplate struct {
	sagaType   string
	steps      []StepTemplate
	maxRetries int
	timeout    time.Duration
}

func (t *SagaTemplate) SagaType() string {
	return t.sagaType
}

// Returns the ordered step definitions. The slice is a copy, templates
// are immutable after Build.
func (t *SagaTemplate) Steps() []StepTemplate {
	steps := make([]StepTemplate, len(t.steps))
	copy(steps, t.steps)
	return steps
}

// Returns the step definition with the given name.
func (t *SagaTemplate) Step(name string) (StepTemplate, bool) {
	for _, st := range t.steps {
		if st.Name == name {
			return st, true
		}
	}
	return StepTemplate{}, false
}

func (t *SagaTemplate) MaxRetries() int {
	return t.maxRetries
}

func (t *SagaTemplate) Timeout() time.Duration {
	return t.timeout
}

// The total attempt budget for one step: the step override when set,
// the template budget otherwise, and at least one attempt always.
func (t *SagaTemplate) effectiveMaxRetries(st StepTemplate) int {
	budget := t.maxRetries
	if st.MaxRetries > 0 {
		budget = st.MaxRetries
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}

// Fluent construction of a SagaTemplate:
//
//	tmpl, err := saga.NewBuilder("register-user").
//		Step(saga.MakeStep("create-user-account", "user", createUser, deleteUser)).
//		Step(saga.MakeStep("send-welcome-email", "notification", sendEmail, nil)).
//		WithRetries(3).
//		WithTimeout(time.Minute).
//		Build()
type TemplateBuilder struct {
	tmpl *SagaTemplate
	err  error
}

// Starts building a template for the given saga type.
func NewBuilder(sagaType string) *TemplateBuilder {
	b := &TemplateBuilder{
		tmpl: &SagaTemplate{
			sagaType:   sagaType,
			maxRetries: 1,
		},
	}
	if sagaType == "" {
		b.err = fmt.Errorf("sagaType cannot be the empty string")
	}
	return b
}

// Appends a step definition. Steps execute in the order appended.
func (b *TemplateBuilder) Step(st StepTemplate) *TemplateBuilder {
	if b.err != nil {
		return b
	}

	if st.Name == "" {
		b.err = fmt.Errorf("step name cannot be the empty string")
		return b
	}
	if _, exists := b.tmpl.Step(st.Name); exists {
		b.err = fmt.Errorf("duplicate step name: %s", st.Name)
		return b
	}
	if st.Handler == nil && st.Service == "" {
		b.err = fmt.Errorf("step %s has neither a handler nor an owning service", st.Name)
		return b
	}
	if st.MaxRetries < 0 {
		b.err = fmt.Errorf("step %s has negative maxRetries", st.Name)
		return b
	}

	b.tmpl.steps = append(b.tmpl.steps, st)
	return b
}

// Sets the total attempt budget applied to every step that does not
// carry its own override.
func (b *TemplateBuilder) WithRetries(n int) *TemplateBuilder {
	if b.err != nil {
		return b
	}
	if n < 1 {
		b.err = fmt.Errorf("retry budget must be at least 1, got %d", n)
		return b
	}
	b.tmpl.maxRetries = n
	return b
}

// Sets the global timeout for one execution of the saga. Zero means no
// timeout.
func (b *TemplateBuilder) WithTimeout(d time.Duration) *TemplateBuilder {
	if b.err != nil {
		return b
	}
	if d < 0 {
		b.err = fmt.Errorf("timeout cannot be negative, got %v", d)
		return b
	}
	b.tmpl.timeout = d
	return b
}

// Validates and returns the finished template. The builder must not be
// reused after Build.
func (b *TemplateBuilder) Build() (*SagaTemplate, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.tmpl.steps) == 0 {
		return nil, fmt.Errorf("template %s has no steps", b.tmpl.sagaType)
	}
	return b.tmpl, nil
}
