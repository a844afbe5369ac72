package saga

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/lnkday/orchestrator/common/stats"
)

/*
 * Drives the rollback of a saga whose forward execution failed
 * terminally. Completed steps are undone in strict reverse completion
 * order. The walk is best effort: a failing compensator is recorded on
 * its step and the walk continues to the next older step, so callers
 * learn exactly how much was undone from the returned step names.
 */
type compensationCoordinator struct {
	dispatcher *stepDispatcher
	store      Store
	stat       stats.StatsReceiver
}

func makeCompensationCoordinator(dispatcher *stepDispatcher, store Store, stat stats.StatsReceiver) *compensationCoordinator {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}

	return &compensationCoordinator{
		dispatcher: dispatcher,
		store:      store,
		stat:       stat,
	}
}

/*
 * Undoes the completed steps of inst, newest first. Steps found in
 * COMPENSATING are retried, they were interrupted by a crash or failed
 * on an earlier walk. Steps without a compensator need no rollback and
 * stay COMPLETED.
 *
 * Returns the names of the steps compensated on this walk in walk
 * order, and whether every present compensator succeeded.
 */
func (c *compensationCoordinator) compensate(ctx context.Context, inst *SagaInstance, tmpl *SagaTemplate) ([]string, bool) {
	compensated := []string{}
	allOk := true

	// Compensators see the full set of results the forward execution
	// accumulated, not just the results of steps older than their own.
	previousResults := make(map[string]json.RawMessage)
	for _, sr := range inst.Steps {
		if sr.Result != nil {
			previousResults[sr.Name] = sr.Result
		}
	}

	for i := len(inst.Steps) - 1; i >= 0; i-- {
		sr := inst.Steps[i]
		if sr.Status != StepCompleted && sr.Status != StepCompensating {
			continue
		}

		st, ok := tmpl.Step(sr.Name)
		if !ok {
			// The template was hot-replaced with a different shape
			// since this instance started. Nothing can undo the step.
			allOk = false
			sr.Error = "no step named " + sr.Name + " in current template, cannot compensate"
			c.persistStep(ctx, inst.SagaID, sr)
			log.Errorf("Saga %s: %s", inst.SagaID, sr.Error)
			continue
		}

		// Local steps declare their compensator in the template, so the
		// absence of one is known before any status churn. Remote steps
		// are always dispatched, the owning service answers ok for
		// nothing-to-undo. A step caught in COMPENSATING falls through:
		// dispatch resets it to COMPLETED via errNoCompensator when its
		// compensator was removed by a template replacement.
		if sr.Status == StepCompleted && c.dispatcher.modeFor(st) == dispatchLocal && st.Compensator == nil {
			log.Infof("Saga %s: step %s has no compensator, leaving as is", inst.SagaID, sr.Name)
			continue
		}

		sc := &StepContext{
			SagaID:          inst.SagaID,
			SagaType:        inst.SagaType,
			StepName:        sr.Name,
			Attempt:         sr.Attempts,
			Payload:         sr.Payload,
			previousResults: previousResults,
		}

		if sr.Status != StepCompensating {
			sr.Status = StepCompensating
			c.persistStep(ctx, inst.SagaID, sr)
		}

		err := c.dispatcher.dispatchCompensation(ctx, st, sc)
		switch {
		case err == errNoCompensator:
			sr.Status = StepCompleted
			sr.Error = ""
			c.persistStep(ctx, inst.SagaID, sr)
			log.Infof("Saga %s: step %s has no compensator, leaving as is", inst.SagaID, sr.Name)

		case err != nil:
			allOk = false
			sr.Error = err.Error()
			c.persistStep(ctx, inst.SagaID, sr)
			c.stat.Counter("sagaCompensationFailureCounter").Inc(1)
			log.Errorf("Saga %s: compensation of step %s failed: %v", inst.SagaID, sr.Name, err)

		default:
			sr.Status = StepCompensated
			sr.Error = ""
			c.persistStep(ctx, inst.SagaID, sr)
			c.stat.Counter("sagaStepCompensatedCounter").Inc(1)
			compensated = append(compensated, sr.Name)
			log.Infof("Saga %s: compensated step %s", inst.SagaID, sr.Name)
		}
	}

	return compensated, allOk
}

// Store failures during the walk cannot stop it, rollback of the
// business state matters more than the bookkeeping. They are logged and
// the walk moves on.
func (c *compensationCoordinator) persistStep(ctx context.Context, sagaID string, sr *StepRecord) {
	if err := c.store.UpdateStepRecord(ctx, sagaID, sr); err != nil {
		log.Errorf("Saga %s: failed persisting step record %s during compensation: %v", sagaID, sr.Name, err)
	}
}
