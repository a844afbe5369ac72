package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/lnkday/orchestrator/common/stats"
	"github.com/lnkday/orchestrator/saga"
)

/*
 * Invoker is the orchestrator side of remote step dispatch. InvokeStep
 * publishes a StepInvocation to the owning service's queue and blocks
 * for the correlated StepResult arriving on the shared results queue.
 * One Invoker serves every in-flight remote attempt of its engine, the
 * bookkeeping is a correlation id keyed table of reply channels.
 */
type Invoker struct {
	bus     MessageBus
	source  string
	mutex   sync.Mutex
	pending map[string]chan saga.StepResult
	stat    stats.StatsReceiver
}

// MakeInvoker subscribes to the step results queue and returns a
// RemoteDispatcher for the engine. source names the orchestrator in
// outgoing invocation envelopes.
func MakeInvoker(bus MessageBus, source string, stat stats.StatsReceiver) (*Invoker, error) {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}

	inv := &Invoker{
		bus:     bus,
		source:  source,
		pending: make(map[string]chan saga.StepResult),
		stat:    stat,
	}
	if err := bus.Subscribe(StepResultsQueue, StepResultKey, inv.handleResult); err != nil {
		return nil, err
	}
	return inv, nil
}

/*
 * InvokeStep implements saga.RemoteDispatcher. ctx carries the attempt
 * deadline set by the dispatcher, on expiry the pending entry is
 * removed so the eventual reply is dropped as stale instead of
 * answering a newer attempt.
 */
func (i *Invoker) InvokeStep(ctx context.Context, inv saga.StepInvocation) (saga.StepResult, error) {
	defer i.stat.Latency("sagaRemoteInvokeLatency_ms").Time().Stop()

	reply := make(chan saga.StepResult, 1)
	i.mutex.Lock()
	i.pending[inv.CorrelationID] = reply
	i.mutex.Unlock()
	defer func() {
		i.mutex.Lock()
		delete(i.pending, inv.CorrelationID)
		i.mutex.Unlock()
	}()

	routingKey := StepInvokeKey(inv.Service)
	env, err := MakeEnvelope(routingKey, i.source, inv)
	if err != nil {
		return saga.StepResult{}, fmt.Errorf("marshal step invocation: %w", err)
	}
	if err := i.bus.Publish(ctx, routingKey, env); err != nil {
		return saga.StepResult{}, fmt.Errorf("publish step invocation: %w", err)
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return saga.StepResult{}, ctx.Err()
	}
}

// Consumes the shared results queue and hands each reply to the
// attempt waiting on its correlation id. Replies nobody waits on are
// stale, the late answer of an attempt already timed out.
func (i *Invoker) handleResult(env Envelope) {
	var res saga.StepResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		log.Errorf("Could not decode step result %s: %v", env.ID, err)
		return
	}

	i.mutex.Lock()
	reply, ok := i.pending[res.CorrelationID]
	i.mutex.Unlock()
	if !ok {
		i.stat.Counter("sagaStaleResultCounter").Inc(1)
		log.Infof("Dropping stale step result for saga %s step %s, correlation %s",
			res.SagaID, res.StepName, res.CorrelationID)
		return
	}

	select {
	case reply <- res:
	default:
		// At least once delivery can replay a result, the first copy
		// already filled the buffer.
		log.Infof("Duplicate step result for correlation %s dropped", res.CorrelationID)
	}
}
