package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// SagaStatus tracks a saga instance through its lifecycle. Transitions
// are monotonic: once a terminal status is recorded the instance is
// immutable.
type SagaStatus int

const (
	StatusPending SagaStatus = iota
	StatusRunning
	StatusCompleted
	StatusCompensating
	StatusCompensated
	StatusFailed
)

func (s SagaStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusCompensating:
		return "COMPENSATING"
	case StatusCompensated:
		return "COMPENSATED"
	case StatusFailed:
		return "FAILED"
	default:
		return "unknown"
	}
}

// Terminal returns true for statuses that are never left once entered.
func (s SagaStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

func (s SagaStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SagaStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseSagaStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Parses the persisted string form of a SagaStatus.
func ParseSagaStatus(s string) (SagaStatus, error) {
	switch s {
	case "PENDING":
		return StatusPending, nil
	case "RUNNING":
		return StatusRunning, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "COMPENSATING":
		return StatusCompensating, nil
	case "COMPENSATED":
		return StatusCompensated, nil
	case "FAILED":
		return StatusFailed, nil
	default:
		return StatusPending, fmt.Errorf("unrecognized saga status: %s", s)
	}
}

// StepStatus tracks a single step within a saga instance.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepCompleted
	StepFailed
	StepCompensating
	StepCompensated
	StepSkipped
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "PENDING"
	case StepRunning:
		return "RUNNING"
	case StepCompleted:
		return "COMPLETED"
	case StepFailed:
		return "FAILED"
	case StepCompensating:
		return "COMPENSATING"
	case StepCompensated:
		return "COMPENSATED"
	case StepSkipped:
		return "SKIPPED"
	default:
		return "unknown"
	}
}

func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseStepStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Parses the persisted string form of a StepStatus.
func ParseStepStatus(s string) (StepStatus, error) {
	switch s {
	case "PENDING":
		return StepPending, nil
	case "RUNNING":
		return StepRunning, nil
	case "COMPLETED":
		return StepCompleted, nil
	case "FAILED":
		return StepFailed, nil
	case "COMPENSATING":
		return StepCompensating, nil
	case "COMPENSATED":
		return StepCompensated, nil
	case "SKIPPED":
		return StepSkipped, nil
	default:
		return StepPending, fmt.Errorf("unrecognized step status: %s", s)
	}
}

/*
 * Persisted record of one step of a saga instance. Holds only
 * serializable state, handler references live in the SagaTemplate.
 * Attempts counts forward invocations of the step including the first.
 */
type StepRecord struct {
	Name        string          `json:"name"`
	Status      StepStatus      `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

/*
 * Persisted state of one execution of a saga template. Created by the
 * engine, mutated only by the engine, immutable once Status is
 * terminal. Steps are stored in template order, which for a linear saga
 * is also completion order.
 */
type SagaInstance struct {
	SagaID      string          `json:"sagaId"`
	SagaType    string          `json:"sagaType"`
	Status      SagaStatus      `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Steps       []*StepRecord   `json:"steps"`
}

/*
 * Initialize a pending instance of the supplied template. Step records
 * are created up front so that skipped steps and status queries see the
 * full shape of the saga from the start.
 */
func makeInstance(sagaID string, tmpl *SagaTemplate, payload json.RawMessage) *SagaInstance {
	now := time.Now().UTC()

	steps := make([]*StepRecord, 0, len(tmpl.steps))
	for _, st := range tmpl.steps {
		steps = append(steps, &StepRecord{
			Name:   st.Name,
			Status: StepPending,
		})
	}

	return &SagaInstance{
		SagaID:     sagaID,
		SagaType:   tmpl.sagaType,
		Status:     StatusPending,
		Payload:    payload,
		MaxRetries: tmpl.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
		Steps:      steps,
	}
}

/*
 * Returns the step record with the given name, nil if the instance has
 * no such step.
 */
func (inst *SagaInstance) Step(name string) *StepRecord {
	for _, sr := range inst.Steps {
		if sr.Name == name {
			return sr
		}
	}
	return nil
}

/*
 * Returns the records of all completed steps in completion order.
 */
func (inst *SagaInstance) CompletedSteps() []*StepRecord {
	completed := make([]*StepRecord, 0, len(inst.Steps))
	for _, sr := range inst.Steps {
		if sr.Status == StepCompleted {
			completed = append(completed, sr)
		}
	}
	return completed
}

/*
 * Validates and applies a status transition. Mutates the instance and
 * stamps UpdatedAt, plus CompletedAt for terminal statuses.
 *
 * Returns an InvalidStateError and leaves the instance untouched if the
 * transition is not in the state machine.
 */
func (inst *SagaInstance) transitionTo(to SagaStatus) error {
	if err := validateTransition(inst.Status, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	inst.Status = to
	inst.UpdatedAt = now
	if to.Terminal() {
		inst.CompletedAt = &now
	}
	return nil
}

/*
 * The saga instance state machine:
 *
 *   PENDING -> RUNNING -> COMPLETED
 *                      -> COMPENSATING -> COMPENSATED
 *                                      -> FAILED
 *                      -> FAILED          (no steps completed)
 *   PENDING -> FAILED                    (never started, e.g. crashed
 *                                         before the first step)
 *
 * Terminal statuses are absorbing.
 */
func validateTransition(from, to SagaStatus) error {
	if from.Terminal() {
		return NewInvalidStateError("cannot transition from terminal status %v to %v", from, to)
	}

	valid := false
	switch from {
	case StatusPending:
		valid = to == StatusRunning || to == StatusFailed
	case StatusRunning:
		valid = to == StatusCompleted || to == StatusCompensating || to == StatusFailed
	case StatusCompensating:
		valid = to == StatusCompensated || to == StatusFailed
	}

	if !valid {
		return NewInvalidStateError("invalid saga status transition %v -> %v", from, to)
	}
	return nil
}

/*
 * Creates a deep copy of the instance. Stores hand out copies so
 * callers cannot mutate persisted state behind the engine's back.
 * Payload and result bytes are shared, they are never mutated in place.
 */
func (inst *SagaInstance) Copy() *SagaInstance {
	newInst := &SagaInstance{
		SagaID:     inst.SagaID,
		SagaType:   inst.SagaType,
		Status:     inst.Status,
		Payload:    inst.Payload,
		Result:     inst.Result,
		Error:      inst.Error,
		RetryCount: inst.RetryCount,
		MaxRetries: inst.MaxRetries,
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
	}

	if inst.CompletedAt != nil {
		completedAt := *inst.CompletedAt
		newInst.CompletedAt = &completedAt
	}

	newInst.Steps = make([]*StepRecord, 0, len(inst.Steps))
	for _, sr := range inst.Steps {
		newInst.Steps = append(newInst.Steps, sr.Copy())
	}

	return newInst
}

/*
 * Creates a deep copy of a step record.
 */
func (sr *StepRecord) Copy() *StepRecord {
	newSr := &StepRecord{
		Name:     sr.Name,
		Status:   sr.Status,
		Payload:  sr.Payload,
		Result:   sr.Result,
		Error:    sr.Error,
		Attempts: sr.Attempts,
	}

	if sr.StartedAt != nil {
		startedAt := *sr.StartedAt
		newSr.StartedAt = &startedAt
	}
	if sr.CompletedAt != nil {
		completedAt := *sr.CompletedAt
		newSr.CompletedAt = &completedAt
	}

	return newSr
}

/*
 * Custom ToString function for SagaInstance
 */
func (inst *SagaInstance) String() string {
	str := fmt.Sprintf("{ SagaId: %v, Type: %v, Status: %v, Steps: [ ",
		inst.SagaID, inst.SagaType, inst.Status)

	for _, sr := range inst.Steps {
		str += fmt.Sprintf("%v: %v(%d), ", sr.Name, sr.Status, sr.Attempts)
	}

	str += "] }"
	return str
}
