package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lnkday/orchestrator/common/stats"
)

// How long the dispatcher waits for one remote step attempt before
// classifying it as a StepTimeoutError.
const DefaultStepTimeout = 30 * time.Second

type dispatchMode int

const (
	dispatchLocal dispatchMode = iota
	dispatchRemote
)

func (m dispatchMode) String() string {
	if m == dispatchRemote {
		return "remote"
	}
	return "local"
}

/*
 * Runs single step attempts, forward and compensating. A step is
 * dispatched either Local, the handler runs in this process, or
 * Remote, an invocation message goes to the step's owning service and
 * the dispatcher blocks for the correlated reply. The mode is an
 * explicit decision made per step, never inferred from call failures.
 *
 * The dispatcher holds no state across calls. Correlation bookkeeping
 * for in-flight remote attempts lives in the RemoteDispatcher
 * implementation.
 */
type stepDispatcher struct {
	serviceName string
	remote      RemoteDispatcher
	stepTimeout time.Duration
	stat        stats.StatsReceiver
}

func makeStepDispatcher(serviceName string, remote RemoteDispatcher, stepTimeout time.Duration, stat stats.StatsReceiver) *stepDispatcher {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}

	return &stepDispatcher{
		serviceName: serviceName,
		remote:      remote,
		stepTimeout: stepTimeout,
		stat:        stat,
	}
}

/*
 * Decides how a step executes. Steps owned by this process run Local.
 * Steps owned by another service run Remote when a remote dispatcher is
 * wired, and fall back to Local otherwise, which is the in-process saga
 * case where one process hosts the handlers of several logical
 * services.
 */
func (d *stepDispatcher) modeFor(st StepTemplate) dispatchMode {
	if st.Service != "" && st.Service != d.serviceName && d.remote != nil {
		return dispatchRemote
	}
	return dispatchLocal
}

/*
 * Runs one forward attempt of the step and returns its result. All
 * failures come back classified: StepTimeoutError for attempts that
 * produced no result in time, StepHandlerError for handler and
 * transport failures, terminal when no retry can succeed.
 */
func (d *stepDispatcher) dispatch(ctx context.Context, st StepTemplate, sc *StepContext) (json.RawMessage, error) {
	defer d.stat.Latency("sagaStepDispatchLatency_ms").Time().Stop()

	switch d.modeFor(st) {
	case dispatchRemote:
		return d.invokeRemote(ctx, st, sc)
	default:
		return d.invokeLocal(ctx, st, sc)
	}
}

/*
 * Runs the compensator of a previously completed step. Local steps with
 * no compensator return errNoCompensator so the coordinator can record
 * the step as needing no rollback. All other failures come back as a
 * CompensationError.
 */
func (d *stepDispatcher) dispatchCompensation(ctx context.Context, st StepTemplate, sc *StepContext) error {
	defer d.stat.Latency("sagaCompensateLatency_ms").Time().Stop()

	if d.modeFor(st) == dispatchRemote {
		return d.compensateRemote(ctx, st, sc)
	}
	return d.compensateLocal(ctx, st, sc)
}

// Sentinel for steps that declare no compensator. Such steps need no
// rollback and are left COMPLETED.
var errNoCompensator = errors.New("step has no compensator")

func (d *stepDispatcher) invokeLocal(ctx context.Context, st StepTemplate, sc *StepContext) (result json.RawMessage, err error) {
	if st.Handler == nil {
		cause := fmt.Errorf("no local handler for step %s owned by service %s", st.Name, st.Service)
		return nil, NewStepHandlerError(sc.SagaID, st.Name, sc.Attempt, Terminal(cause))
	}

	// A panicking handler must not take the orchestrator down with it,
	// it becomes a terminal step failure.
	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("handler panic: %v", r)
			result = nil
			err = NewStepHandlerError(sc.SagaID, st.Name, sc.Attempt, Terminal(cause))
		}
	}()

	res, herr := st.Handler(ctx, sc)
	if herr != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, NewStepTimeoutError(sc.SagaID, st.Name, d.stepTimeout)
		}
		return nil, NewStepHandlerError(sc.SagaID, st.Name, sc.Attempt, herr)
	}
	return res, nil
}

func (d *stepDispatcher) invokeRemote(ctx context.Context, st StepTemplate, sc *StepContext) (json.RawMessage, error) {
	inv := d.makeInvocation(st, sc, false)

	invokeCtx, cancel := context.WithDeadline(ctx, inv.Deadline)
	defer cancel()

	res, err := d.remote.InvokeStep(invokeCtx, inv)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			return nil, NewStepTimeoutError(sc.SagaID, st.Name, d.stepTimeout)
		}
		// Transport failures and malformed replies are retryable, the
		// owning service may answer cleanly on the next attempt.
		return nil, NewStepHandlerError(sc.SagaID, st.Name, sc.Attempt, err)
	}

	if !res.OK {
		cause := errors.New(res.Error)
		if res.Terminal {
			cause = Terminal(cause)
		}
		return nil, NewStepHandlerError(sc.SagaID, st.Name, sc.Attempt, cause)
	}
	return res.Result, nil
}

func (d *stepDispatcher) compensateLocal(ctx context.Context, st StepTemplate, sc *StepContext) (err error) {
	if st.Compensator == nil {
		return errNoCompensator
	}

	defer func() {
		if r := recover(); r != nil {
			err = NewCompensationError(sc.SagaID, st.Name, fmt.Errorf("compensator panic: %v", r))
		}
	}()

	if cerr := st.Compensator(ctx, sc); cerr != nil {
		return NewCompensationError(sc.SagaID, st.Name, cerr)
	}
	return nil
}

func (d *stepDispatcher) compensateRemote(ctx context.Context, st StepTemplate, sc *StepContext) error {
	inv := d.makeInvocation(st, sc, true)

	invokeCtx, cancel := context.WithDeadline(ctx, inv.Deadline)
	defer cancel()

	res, err := d.remote.InvokeStep(invokeCtx, inv)
	if err != nil {
		return NewCompensationError(sc.SagaID, st.Name, err)
	}
	if !res.OK {
		return NewCompensationError(sc.SagaID, st.Name, errors.New(res.Error))
	}
	return nil
}

func (d *stepDispatcher) makeInvocation(st StepTemplate, sc *StepContext, compensate bool) StepInvocation {
	return StepInvocation{
		SagaID:          sc.SagaID,
		SagaType:        sc.SagaType,
		StepName:        st.Name,
		Service:         st.Service,
		Attempt:         sc.Attempt,
		CorrelationID:   makeCorrelationID(sc),
		Payload:         sc.Payload,
		PreviousResults: sc.PreviousResults(),
		Deadline:        time.Now().Add(d.stepTimeout),
		Compensate:      compensate,
	}
}

// Correlation ids carry sagaId, stepName and attempt for debuggability
// plus a random nonce so a late reply from an abandoned attempt can
// never match a newer one.
func makeCorrelationID(sc *StepContext) string {
	return fmt.Sprintf("%s.%s.%d.%s", sc.SagaID, sc.StepName, sc.Attempt, uuid.NewString()[:8])
}
