// Package worker hosts the owning service side of remote step
// dispatch: consume invocations, run the registered handler or
// compensator, answer the orchestrator with a correlated result.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lnkday/orchestrator/broker"
	"github.com/lnkday/orchestrator/common/stats"
	"github.com/lnkday/orchestrator/saga"
)

const (
	// Publish attempts for one step result before the invocation is
	// dead lettered.
	DefaultPublishRetries = 3

	defaultRetryPause    = time.Second
	resultPublishTimeout = 5 * time.Second
)

// stepRegistration pairs a step's forward handler with its compensator.
type stepRegistration struct {
	handler     saga.StepHandler
	compensator saga.StepCompensator
}

/*
 * StepWorker executes remote steps for one owning service. It consumes
 * the service's invocation queue, runs the registered handler or
 * compensator under the invocation's deadline, and publishes the
 * correlated StepResult back on the shared results queue.
 *
 * Handler failures are answered as failed results, the orchestrator
 * owns a step's retry budget. The worker's own retry budget only
 * covers invocations it cannot answer at all, those go to the dead
 * letter queue rather than being silently dropped.
 */
type StepWorker struct {
	service        string
	bus            broker.MessageBus
	mutex          sync.RWMutex
	steps          map[string]stepRegistration
	publishRetries int
	retryPause     time.Duration
	stat           stats.StatsReceiver
}

func MakeStepWorker(bus broker.MessageBus, service string, stat stats.StatsReceiver) *StepWorker {
	return MakeCustomStepWorker(bus, service, stat, DefaultPublishRetries, defaultRetryPause)
}

// MakeCustomStepWorker exposes the result publish retry policy, tests
// shrink the pause.
func MakeCustomStepWorker(bus broker.MessageBus, service string, stat stats.StatsReceiver, publishRetries int, retryPause time.Duration) *StepWorker {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if publishRetries < 1 {
		publishRetries = 1
	}

	return &StepWorker{
		service:        service,
		bus:            bus,
		steps:          make(map[string]stepRegistration),
		publishRetries: publishRetries,
		retryPause:     retryPause,
		stat:           stat,
	}
}

// RegisterStep installs the handler and optional compensator run when
// the orchestrator invokes stepName on this service. Registering the
// same step again replaces the previous pair.
func (w *StepWorker) RegisterStep(stepName string, handler saga.StepHandler, compensator saga.StepCompensator) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.steps[stepName] = stepRegistration{handler: handler, compensator: compensator}
}

// Start subscribes the worker to its invocation queue. Steps may still
// be registered afterwards, consuming picks them up on the next
// delivery.
func (w *StepWorker) Start() error {
	key := broker.StepInvokeKey(w.service)
	log.Infof("Step worker for service %s consuming %s", w.service, key)
	return w.bus.Subscribe(key, key, w.handleInvocation)
}

func (w *StepWorker) handleInvocation(env broker.Envelope) {
	defer w.stat.Latency("sagaWorkerStepLatency_ms").Time().Stop()

	var inv saga.StepInvocation
	if err := json.Unmarshal(env.Data, &inv); err != nil {
		log.Errorf("Dead lettering invocation %s, body does not parse: %v", env.ID, err)
		w.deadLetter(env, err, 0)
		return
	}

	if !inv.Deadline.IsZero() && time.Now().After(inv.Deadline) {
		// The orchestrator stopped waiting, an answer would only be
		// dropped as stale.
		w.stat.Counter("sagaWorkerStaleInvocationCounter").Inc(1)
		log.Infof("Skipping stale invocation of %s for saga %s, deadline passed at %v",
			inv.StepName, inv.SagaID, inv.Deadline)
		return
	}

	w.mutex.RLock()
	reg, ok := w.steps[inv.StepName]
	w.mutex.RUnlock()
	if !ok {
		w.stat.Counter("sagaWorkerUnknownStepCounter").Inc(1)
		cause := fmt.Errorf("no step %s registered on service %s", inv.StepName, w.service)
		log.Error(cause)
		w.reply(env, inv, saga.StepResult{
			SagaID:        inv.SagaID,
			StepName:      inv.StepName,
			CorrelationID: inv.CorrelationID,
			Error:         cause.Error(),
			Terminal:      true,
		})
		return
	}

	w.reply(env, inv, w.run(reg, inv))
}

// Runs the handler or compensator and shapes the outcome into the
// wire result. Terminal handler failures are flagged so the
// orchestrator skips its retry budget.
func (w *StepWorker) run(reg stepRegistration, inv saga.StepInvocation) saga.StepResult {
	res := saga.StepResult{
		SagaID:        inv.SagaID,
		StepName:      inv.StepName,
		CorrelationID: inv.CorrelationID,
	}

	deadline := inv.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(saga.DefaultStepTimeout)
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	sc := saga.MakeStepContext(inv.SagaID, inv.SagaType, inv.StepName, inv.Attempt, inv.Payload, inv.PreviousResults)

	if inv.Compensate {
		if err := w.compensate(ctx, reg, sc); err != nil {
			w.stat.Counter("sagaWorkerCompensateFailedCounter").Inc(1)
			log.Errorf("Compensator for saga %s step %s failed: %v", inv.SagaID, inv.StepName, err)
			res.Error = err.Error()
			return res
		}
		w.stat.Counter("sagaWorkerCompensatedCounter").Inc(1)
		res.OK = true
		return res
	}

	out, err := w.invoke(ctx, reg, sc)
	if err != nil {
		w.stat.Counter("sagaWorkerStepFailedCounter").Inc(1)
		log.Errorf("Handler for saga %s step %s attempt %d failed: %v", inv.SagaID, inv.StepName, inv.Attempt, err)
		res.Error = err.Error()
		res.Terminal = saga.IsTerminal(err)
		return res
	}
	w.stat.Counter("sagaWorkerStepCompletedCounter").Inc(1)
	res.OK = true
	res.Result = out
	return res
}

func (w *StepWorker) invoke(ctx context.Context, reg stepRegistration, sc *saga.StepContext) (out json.RawMessage, err error) {
	if reg.handler == nil {
		return nil, saga.Terminal(fmt.Errorf("step %s registered without a handler", sc.StepName))
	}

	// A panicking handler must not take the worker down, it becomes a
	// terminal step failure.
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = saga.Terminal(fmt.Errorf("handler panic: %v", r))
		}
	}()

	return reg.handler(ctx, sc)
}

func (w *StepWorker) compensate(ctx context.Context, reg stepRegistration, sc *saga.StepContext) (err error) {
	if reg.compensator == nil {
		// Nothing to undo counts as undone, the orchestrator records
		// the step as needing no rollback.
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensator panic: %v", r)
		}
	}()

	return reg.compensator(ctx, sc)
}

// Publishes res, retrying transient bus failures. When the budget runs
// out the invocation itself is dead lettered, the orchestrator's
// attempt then times out and follows its own retry policy.
func (w *StepWorker) reply(env broker.Envelope, inv saga.StepInvocation, res saga.StepResult) {
	resEnv, err := broker.MakeEnvelope(broker.StepResultKey, w.service, res)
	if err != nil {
		log.Errorf("Could not build result envelope for saga %s step %s: %v", inv.SagaID, inv.StepName, err)
		w.deadLetter(env, err, 0)
		return
	}

	var publishErr error
	for attempt := 1; attempt <= w.publishRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * w.retryPause)
		}

		ctx, cancel := context.WithTimeout(context.Background(), resultPublishTimeout)
		publishErr = w.bus.Publish(ctx, broker.StepResultKey, resEnv)
		cancel()
		if publishErr == nil {
			return
		}
		log.Errorf("Could not publish result for saga %s step %s, attempt %d: %v",
			inv.SagaID, inv.StepName, attempt, publishErr)
	}
	w.deadLetter(env, publishErr, w.publishRetries)
}

func (w *StepWorker) deadLetter(env broker.Envelope, cause error, attempts int) {
	w.stat.Counter("sagaWorkerDeadLetterCounter").Inc(1)

	key := broker.StepInvokeKey(w.service)
	body, err := json.Marshal(env)
	if err != nil {
		body = env.Data
	}

	dl := broker.MakeDeadLetter(key, key, body, cause, attempts, w.publishRetries)
	dlEnv, err := broker.MakeEnvelope(broker.DeadLetterKey, w.service, dl)
	if err != nil {
		log.Errorf("Could not build dead letter for invocation %s: %v", env.ID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resultPublishTimeout)
	defer cancel()
	if err := w.bus.Publish(ctx, broker.DeadLetterKey, dlEnv); err != nil {
		log.Errorf("Could not publish dead letter for invocation %s: %v", env.ID, err)
	}
}
