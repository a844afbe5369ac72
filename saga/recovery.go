package saga

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/lnkday/orchestrator/async"
	"github.com/lnkday/orchestrator/common/stats"
)

// Default pace for resuming recovered sagas.
const DefaultRecoveryRate = 10

/*
 * Resumes the sagas a crashed process left incomplete.
 *
 * At startup the store is asked for every instance still RUNNING or
 * COMPENSATING. RUNNING instances continue forward from the first step
 * that never completed, which may re-invoke a step that was mid-flight
 * when the process died, handlers must therefore be idempotent.
 * COMPENSATING instances re-drive their compensation walk.
 *
 * Resumption is paced by a rate limiter so a restart does not hit the
 * store and the owning services with the whole backlog at once.
 */
type RecoveryManager struct {
	engine *Engine
	store  Store
	limit  *rate.Limiter
	stat   stats.StatsReceiver
}

// Make a RecoveryManager resuming at most resumesPerSecond sagas per
// second, DefaultRecoveryRate when <= 0.
func MakeRecoveryManager(engine *Engine, store Store, resumesPerSecond float64, stat stats.StatsReceiver) *RecoveryManager {
	if resumesPerSecond <= 0 {
		resumesPerSecond = DefaultRecoveryRate
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}

	return &RecoveryManager{
		engine: engine,
		store:  store,
		limit:  rate.NewLimiter(rate.Limit(resumesPerSecond), 1),
		stat:   stat,
	}
}

/*
 * Finds every incomplete instance and resumes each one, blocking until
 * the backlog is drained. Individual resume failures are counted and
 * logged, they never stop the sweep. Returns how many sagas reached a
 * clean resume.
 */
func (rm *RecoveryManager) RecoverAll(ctx context.Context) (int, error) {
	defer rm.stat.Latency("sagaRecoveryLatency_ms").Time().Stop()

	instances, err := rm.store.FindIncomplete(ctx)
	if err != nil {
		return 0, err
	}
	if len(instances) == 0 {
		log.Info("No incomplete sagas to recover")
		return 0, nil
	}

	log.Infof("Recovering %d incomplete sagas", len(instances))
	rm.stat.Gauge("sagaRecoveryBacklogGauge").Update(int64(len(instances)))

	runner := async.NewRunner()
	resumed := 0

	for _, inst := range instances {
		if err := rm.limit.Wait(ctx); err != nil {
			return resumed, err
		}

		sagaID := inst.SagaID
		runner.RunAsync(func() error {
			_, resumeErr := rm.engine.Resume(ctx, sagaID)
			return resumeErr
		}, func(resumeErr error) {
			if resumeErr != nil {
				rm.stat.Counter("sagaRecoveryFailureCounter").Inc(1)
				log.Errorf("Could not resume saga %s: %v", sagaID, resumeErr)
				return
			}
			resumed++
			rm.stat.Counter("sagaRecoveredCounter").Inc(1)
		})

		// Completed resumes are tallied as we go so the callback state
		// stays on this goroutine.
		runner.ProcessMessages()
	}

	for runner.NumRunning() > 0 {
		runner.ProcessMessages()
		time.Sleep(10 * time.Millisecond)
	}
	rm.stat.Gauge("sagaRecoveryBacklogGauge").Update(0)

	log.Infof("Recovery pass done, %d sagas resumed cleanly", resumed)
	return resumed, nil
}
