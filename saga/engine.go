package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nu7hatch/gouuid"
	log "github.com/sirupsen/logrus"

	"github.com/lnkday/orchestrator/common/stats"
)

// Default seed for the exponential backoff applied between step
// retries.
const DefaultRetryBase = 100 * time.Millisecond

// ExecutionResult is the terminal outcome of one saga execution.
// Result maps step name to step result and is set only for COMPLETED
// sagas. CompensatedSteps lists the steps undone, newest first, and may
// be partial when Status is FAILED.
type ExecutionResult struct {
	SagaID           string
	Status           SagaStatus
	Result           map[string]json.RawMessage
	Err              error
	CompensatedSteps []string
}

// Engine tunables. The zero value gives defaults usable for in-process
// sagas.
type EngineConfig struct {
	// ServiceName identifies this process when deciding whether it
	// owns a step's service. Empty means "orchestrator".
	ServiceName string

	// StepTimeout bounds one remote step attempt. Zero means
	// DefaultStepTimeout.
	StepTimeout time.Duration

	// RetryBase seeds the exponential backoff between retries of a
	// failing step. Zero means DefaultRetryBase.
	RetryBase time.Duration
}

/*
 * Engine is the orchestration state machine: it creates saga instances
 * from registered templates, drives their steps forward in order,
 * decides retry versus compensate versus fail, applies the global
 * timeout, and returns the terminal result. Instances are mutated
 * exclusively here, step handlers communicate only through return
 * values and errors.
 *
 * Many executions run concurrently, each on its caller's goroutine.
 * They share nothing but the store and the registry.
 */
type Engine struct {
	serviceName string
	registry    *Registry
	store       Store
	dispatcher  *stepDispatcher
	comp        *compensationCoordinator
	publisher   Publisher
	stat        stats.StatsReceiver
	retryBase   time.Duration
}

// Make an Engine. remote may be nil, every step then runs in process.
// publisher and stat may be nil, events and metrics are then dropped.
func MakeEngine(config EngineConfig, registry *Registry, store Store, remote RemoteDispatcher, publisher Publisher, stat stats.StatsReceiver) *Engine {
	if config.ServiceName == "" {
		config.ServiceName = "orchestrator"
	}
	if config.RetryBase <= 0 {
		config.RetryBase = DefaultRetryBase
	}
	if publisher == nil {
		publisher = NilPublisher()
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}

	dispatcher := makeStepDispatcher(config.ServiceName, remote, config.StepTimeout, stat)

	return &Engine{
		serviceName: config.ServiceName,
		registry:    registry,
		store:       store,
		dispatcher:  dispatcher,
		comp:        makeCompensationCoordinator(dispatcher, store, stat),
		publisher:   publisher,
		stat:        stat,
		retryBase:   config.RetryBase,
	}
}

// Make an Engine that runs every step in process and publishes no
// events, enough for tests and embedded use.
func MakeInProcessEngine(registry *Registry, store Store) *Engine {
	return MakeEngine(EngineConfig{}, registry, store, nil, nil, nil)
}

/*
 * Runs one instance of the named saga to a terminal status.
 *
 * Returns an error without creating an instance when the saga type is
 * unknown or the instance cannot be persisted. Once an instance exists
 * every failure resolves to a persisted terminal status carried in the
 * ExecutionResult, with Err holding the failure that ended forward
 * progress.
 */
func (e *Engine) Execute(ctx context.Context, sagaType string, payload json.RawMessage) (*ExecutionResult, error) {
	tmpl, err := e.registry.Get(sagaType)
	if err != nil {
		e.stat.Counter("sagaUnknownTypeCounter").Inc(1)
		return nil, err
	}

	defer e.stat.Latency("sagaExecuteLatency_ms").Time().Stop()

	inst := makeInstance(generateSagaID(), tmpl, payload)
	if err := e.store.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("could not persist saga %s: %v", inst.SagaID, err)
	}

	if err := e.transition(ctx, inst, StatusRunning); err != nil {
		return nil, err
	}
	e.publisher.Publish(MakeSagaStartedEvent(inst))
	e.stat.Counter("sagaStartedCounter").Inc(1)
	log.Infof("Saga %s (%s) started", inst.SagaID, inst.SagaType)

	return e.run(ctx, inst, tmpl, 0)
}

/*
 * Drives inst forward from the step at index fromStep. Used by Execute
 * for fresh instances and by Resume for recovered ones. The global
 * timeout timer starts here, so a resumed saga gets a fresh full
 * budget.
 */
func (e *Engine) run(ctx context.Context, inst *SagaInstance, tmpl *SagaTemplate, fromStep int) (*ExecutionResult, error) {
	var timeoutCh <-chan time.Time
	if tmpl.timeout > 0 {
		timer := time.NewTimer(tmpl.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	// One cancel scope covers all of this instance's attempts, a fired
	// global timer abandons whatever is in flight.
	stepCtx, cancelSteps := context.WithCancel(ctx)
	defer cancelSteps()

	previousResults := make(map[string]json.RawMessage)
	for _, sr := range inst.Steps {
		if sr.Status == StepCompleted && sr.Result != nil {
			previousResults[sr.Name] = sr.Result
		}
	}

	steps := tmpl.steps
	for i := fromStep; i < len(steps); i++ {
		st := steps[i]
		sr := inst.Steps[i]

		result, err := e.runStep(stepCtx, timeoutCh, inst, tmpl, st, sr, previousResults)
		if err != nil {
			cancelSteps()
			return e.failAndCompensate(ctx, inst, tmpl, sr, err)
		}
		previousResults[st.Name] = result
	}

	return e.complete(ctx, inst, previousResults)
}

/*
 * Runs one step to success or a terminal step failure, applying the
 * retry policy: retryable failures back off exponentially and re-invoke
 * the same step until the attempt budget is spent. The previous step is
 * never re-executed on a retry.
 */
func (e *Engine) runStep(ctx context.Context, timeoutCh <-chan time.Time, inst *SagaInstance, tmpl *SagaTemplate,
	st StepTemplate, sr *StepRecord, previousResults map[string]json.RawMessage) (json.RawMessage, error) {

	maxAttempts := tmpl.effectiveMaxRetries(st)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = e.retryBase
	expBackoff.MaxElapsedTime = 0

	now := time.Now().UTC()
	sr.Status = StepRunning
	sr.Payload = inst.Payload
	sr.StartedAt = &now
	e.persistStep(ctx, inst, sr)

	for {
		sr.Attempts++
		if sr.Attempts > 1 {
			inst.RetryCount++
			e.stat.Counter("sagaStepRetriesCounter").Inc(1)
		}
		e.persistStep(ctx, inst, sr)

		sc := &StepContext{
			SagaID:          inst.SagaID,
			SagaType:        inst.SagaType,
			StepName:        st.Name,
			Attempt:         sr.Attempts,
			Payload:         inst.Payload,
			previousResults: previousResults,
		}

		result, err := e.dispatchStep(ctx, timeoutCh, inst, tmpl, st, sc)
		if err == nil {
			completedAt := time.Now().UTC()
			sr.Status = StepCompleted
			sr.Result = result
			sr.Error = ""
			sr.CompletedAt = &completedAt
			e.persistStep(ctx, inst, sr)
			e.publisher.Publish(MakeStepCompletedEvent(inst, sr.Name, result))
			e.stat.Counter("sagaStepCompletedCounter").Inc(1)
			log.Infof("Saga %s: step %s completed on attempt %d", inst.SagaID, sr.Name, sr.Attempts)
			return result, nil
		}

		if !st.Retryable || !Retryable(err) || sr.Attempts >= maxAttempts {
			return nil, err
		}

		delay := expBackoff.NextBackOff()
		log.Warnf("Saga %s: step %s attempt %d/%d failed, retrying in %v: %v",
			inst.SagaID, sr.Name, sr.Attempts, maxAttempts, delay, err)

		select {
		case <-time.After(delay):
		case <-timeoutCh:
			return nil, NewSagaTimeoutError(inst.SagaID, tmpl.timeout)
		case <-ctx.Done():
			return nil, NewStepHandlerError(inst.SagaID, sr.Name, sr.Attempts, Terminal(ctx.Err()))
		}
	}
}

type stepOutcome struct {
	result json.RawMessage
	err    error
}

/*
 * Runs one attempt concurrently with the global saga timer. A timer
 * that fires mid-flight wins the race: the attempt's context is
 * cancelled and its eventual late result is discarded, the outcome
 * channel is buffered so the abandoned goroutine can still finish its
 * send and exit.
 */
func (e *Engine) dispatchStep(ctx context.Context, timeoutCh <-chan time.Time, inst *SagaInstance, tmpl *SagaTemplate,
	st StepTemplate, sc *StepContext) (json.RawMessage, error) {

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomeCh := make(chan stepOutcome, 1)
	go func() {
		result, err := e.dispatcher.dispatch(attemptCtx, st, sc)
		outcomeCh <- stepOutcome{result: result, err: err}
	}()

	select {
	case out := <-outcomeCh:
		return out.result, out.err
	case <-timeoutCh:
		e.stat.Counter("sagaTimeoutCounter").Inc(1)
		log.Warnf("Saga %s timed out after %v with step %s in flight, discarding its result",
			inst.SagaID, tmpl.timeout, st.Name)
		return nil, NewSagaTimeoutError(inst.SagaID, tmpl.timeout)
	}
}

func (e *Engine) complete(ctx context.Context, inst *SagaInstance, results map[string]json.RawMessage) (*ExecutionResult, error) {
	aggregated, err := json.Marshal(results)
	if err != nil {
		log.Errorf("Saga %s: could not marshal aggregated result: %v", inst.SagaID, err)
		aggregated = nil
	}
	inst.Result = aggregated

	if err := e.transition(ctx, inst, StatusCompleted); err != nil {
		return nil, err
	}
	e.publisher.Publish(MakeSagaCompletedEvent(inst))
	e.stat.Counter("sagaCompletedCounter").Inc(1)
	log.Infof("Saga %s (%s) completed", inst.SagaID, inst.SagaType)

	return &ExecutionResult{
		SagaID: inst.SagaID,
		Status: inst.Status,
		Result: results,
	}, nil
}

/*
 * Terminal step failure path: records the failed step, skips every
 * step that never ran, and either fails the saga directly when nothing
 * completed or walks compensation and settles on COMPENSATED or
 * FAILED.
 */
func (e *Engine) failAndCompensate(ctx context.Context, inst *SagaInstance, tmpl *SagaTemplate,
	failed *StepRecord, stepErr error) (*ExecutionResult, error) {

	if failed.Status != StepFailed {
		failed.Status = StepFailed
		failed.Error = stepErr.Error()
		e.persistStep(ctx, inst, failed)
	}
	e.publisher.Publish(MakeStepFailedEvent(inst, failed.Name, stepErr))
	e.stat.Counter("sagaStepFailedCounter").Inc(1)
	log.Errorf("Saga %s: step %s failed terminally: %v", inst.SagaID, failed.Name, stepErr)

	inst.Error = stepErr.Error()
	e.skipRemaining(ctx, inst, failed)

	if len(inst.CompletedSteps()) == 0 {
		// Compensation is not applicable, nothing ever completed.
		if err := e.transition(ctx, inst, StatusFailed); err != nil {
			return nil, err
		}
		e.publisher.Publish(MakeSagaFailedEvent(inst, nil))
		e.stat.Counter("sagaFailedCounter").Inc(1)
		return &ExecutionResult{
			SagaID: inst.SagaID,
			Status: inst.Status,
			Err:    stepErr,
		}, nil
	}

	if err := e.transition(ctx, inst, StatusCompensating); err != nil {
		return nil, err
	}
	e.publisher.Publish(MakeCompensatingEvent(inst, stepErr))
	e.stat.Counter("sagaCompensatingCounter").Inc(1)

	// Compensation gets a fresh context. The saga budget may already be
	// spent, rollback still has to run to completion.
	compensated, allOk := e.comp.compensate(context.Background(), inst, tmpl)

	return e.settleCompensation(ctx, inst, stepErr, compensated, allOk)
}

/*
 * Records the final status after a compensation walk: COMPENSATED when
 * every present compensator succeeded, FAILED otherwise.
 */
func (e *Engine) settleCompensation(ctx context.Context, inst *SagaInstance, stepErr error,
	compensated []string, allOk bool) (*ExecutionResult, error) {

	to := StatusCompensated
	if !allOk {
		to = StatusFailed
	}
	if err := e.transition(ctx, inst, to); err != nil {
		return nil, err
	}

	if allOk {
		e.publisher.Publish(MakeCompensatedEvent(inst, compensated))
		e.stat.Counter("sagaCompensatedCounter").Inc(1)
		log.Infof("Saga %s (%s) compensated, undid %v", inst.SagaID, inst.SagaType, compensated)
	} else {
		e.publisher.Publish(MakeSagaFailedEvent(inst, compensated))
		e.stat.Counter("sagaFailedCounter").Inc(1)
		log.Errorf("Saga %s (%s) failed with partial compensation, undid %v", inst.SagaID, inst.SagaType, compensated)
	}

	return &ExecutionResult{
		SagaID:           inst.SagaID,
		Status:           inst.Status,
		Err:              stepErr,
		CompensatedSteps: compensated,
	}, nil
}

// Marks every step after failed that never ran as SKIPPED.
func (e *Engine) skipRemaining(ctx context.Context, inst *SagaInstance, failed *StepRecord) {
	past := false
	for _, sr := range inst.Steps {
		if sr == failed {
			past = true
			continue
		}
		if past && sr.Status == StepPending {
			sr.Status = StepSkipped
			e.persistStep(ctx, inst, sr)
		}
	}
}

/*
 * Returns the persisted state of a saga, for status queries. The
 * instance is a detached copy.
 */
func (e *Engine) GetSaga(ctx context.Context, sagaID string) (*SagaInstance, error) {
	return e.store.Get(ctx, sagaID)
}

/*
 * Resumes a saga left incomplete by a crash. RUNNING instances continue
 * forward from the first step that never completed, re-invoking a step
 * that was mid-flight, which is why handlers must be idempotent.
 * COMPENSATING instances re-drive their compensation walk. Instances
 * already terminal are returned as-is.
 */
func (e *Engine) Resume(ctx context.Context, sagaID string) (*ExecutionResult, error) {
	inst, err := e.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	if inst.Status.Terminal() {
		return resultFromInstance(inst), nil
	}

	tmpl, err := e.registry.Get(inst.SagaType)
	if err != nil {
		return nil, err
	}

	e.stat.Counter("sagaResumedCounter").Inc(1)
	log.Infof("Saga %s (%s) resuming from status %v", inst.SagaID, inst.SagaType, inst.Status)

	switch inst.Status {
	case StatusPending:
		// Crashed after create, before the first step. Nothing ran so
		// nothing needs undoing.
		inst.Error = "orchestrator crashed before execution started"
		if err := e.transition(ctx, inst, StatusFailed); err != nil {
			return nil, err
		}
		e.publisher.Publish(MakeSagaFailedEvent(inst, nil))
		return resultFromInstance(inst), nil

	case StatusCompensating:
		compensated, allOk := e.comp.compensate(context.Background(), inst, tmpl)
		var stepErr error
		if inst.Error != "" {
			stepErr = errors.New(inst.Error)
		}
		return e.settleCompensation(ctx, inst, stepErr, compensated, allOk)

	default: // StatusRunning
		return e.resumeForward(ctx, inst, tmpl)
	}
}

func (e *Engine) resumeForward(ctx context.Context, inst *SagaInstance, tmpl *SagaTemplate) (*ExecutionResult, error) {
	if err := alignSteps(inst, tmpl); err != nil {
		// The template shape diverged since this instance started.
		// Forward progress is impossible, roll back what completed.
		failed := firstIncompleteStep(inst)
		if failed == nil {
			failed = inst.Steps[len(inst.Steps)-1]
		}
		return e.failAndCompensate(ctx, inst, tmpl, failed, NewStepHandlerError(
			inst.SagaID, failed.Name, failed.Attempts, Terminal(err)))
	}

	// A step that failed just before the crash resumes straight into
	// the compensation path with its recorded error.
	for _, sr := range inst.Steps {
		if sr.Status == StepFailed {
			return e.failAndCompensate(ctx, inst, tmpl, sr, errors.New(sr.Error))
		}
	}

	fromStep := 0
	for i, sr := range inst.Steps {
		if sr.Status != StepCompleted {
			fromStep = i
			break
		}
		fromStep = i + 1
	}

	// A step interrupted mid-flight is re-dispatched, its attempt count
	// carries over.
	if fromStep < len(inst.Steps) && inst.Steps[fromStep].Status == StepRunning {
		inst.Steps[fromStep].Status = StepPending
	}

	return e.run(ctx, inst, tmpl, fromStep)
}

/*
 * Re-runs the compensation walk of a saga that settled FAILED with
 * partial compensation, the administrative repair path. The saga's
 * terminal status never changes, only step records and the returned
 * list of undone steps.
 */
func (e *Engine) CompensateFailed(ctx context.Context, sagaID string) ([]string, error) {
	inst, err := e.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusFailed {
		return nil, NewInvalidStateError("can only re-drive compensation of a FAILED saga, %s is %v", sagaID, inst.Status)
	}

	tmpl, err := e.registry.Get(inst.SagaType)
	if err != nil {
		return nil, err
	}

	compensated, allOk := e.comp.compensate(context.Background(), inst, tmpl)
	log.Infof("Saga %s: administrative compensation undid %v, clean=%v", sagaID, compensated, allOk)
	return compensated, nil
}

// Applies and persists a saga status change. Store write failures are
// logged, not propagated, forward progress does not stall on
// bookkeeping.
func (e *Engine) transition(ctx context.Context, inst *SagaInstance, to SagaStatus) error {
	if err := inst.transitionTo(to); err != nil {
		return err
	}
	if err := e.store.UpdateStatus(ctx, inst); err != nil {
		log.Errorf("Saga %s: failed persisting status %v: %v", inst.SagaID, to, err)
	}
	return nil
}

func (e *Engine) persistStep(ctx context.Context, inst *SagaInstance, sr *StepRecord) {
	inst.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateStepRecord(ctx, inst.SagaID, sr); err != nil {
		log.Errorf("Saga %s: failed persisting step record %s: %v", inst.SagaID, sr.Name, err)
	}
}

func resultFromInstance(inst *SagaInstance) *ExecutionResult {
	res := &ExecutionResult{
		SagaID: inst.SagaID,
		Status: inst.Status,
	}
	if inst.Error != "" {
		res.Err = errors.New(inst.Error)
	}
	if inst.Status == StatusCompleted && inst.Result != nil {
		var results map[string]json.RawMessage
		if err := json.Unmarshal(inst.Result, &results); err == nil {
			res.Result = results
		}
	}
	// Newest first, matching the walk order compensation reports.
	for i := len(inst.Steps) - 1; i >= 0; i-- {
		if inst.Steps[i].Status == StepCompensated {
			res.CompensatedSteps = append(res.CompensatedSteps, inst.Steps[i].Name)
		}
	}
	return res
}

// Instance step records must line up with the template before a resume
// can trust step indexes. Extra template steps appended since the
// instance started get fresh pending records.
func alignSteps(inst *SagaInstance, tmpl *SagaTemplate) error {
	if len(inst.Steps) > len(tmpl.steps) {
		return fmt.Errorf("template %s now has %d steps but instance has %d", tmpl.sagaType, len(tmpl.steps), len(inst.Steps))
	}
	for i, sr := range inst.Steps {
		if tmpl.steps[i].Name != sr.Name {
			return fmt.Errorf("template %s step %d is now %s but instance recorded %s", tmpl.sagaType, i, tmpl.steps[i].Name, sr.Name)
		}
	}
	for _, st := range tmpl.steps[len(inst.Steps):] {
		inst.Steps = append(inst.Steps, &StepRecord{Name: st.Name, Status: StepPending})
	}
	return nil
}

func firstIncompleteStep(inst *SagaInstance) *StepRecord {
	for _, sr := range inst.Steps {
		if sr.Status != StepCompleted {
			return sr
		}
	}
	return nil
}

// V4 generation fails only when the entropy source does, keep trying
// until it works.
func generateSagaID() string {
	for {
		if u, err := uuid.NewV4(); err == nil {
			return u.String()
		}
	}
}
