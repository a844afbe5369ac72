package broker

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/lnkday/orchestrator/common/stats"
	"github.com/lnkday/orchestrator/saga"
)

/*
 * busPublisher forwards saga lifecycle events onto the message bus,
 * routed by their event type. Publishing is fire and forget, a bus
 * failure is logged and counted but never reaches the engine's
 * decision path.
 */
type busPublisher struct {
	bus    MessageBus
	source string
	stat   stats.StatsReceiver
}

// MakeBusPublisher returns a saga.Publisher emitting through bus.
// source names the emitting process in the envelope.
func MakeBusPublisher(bus MessageBus, source string, stat stats.StatsReceiver) saga.Publisher {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}

	return &busPublisher{
		bus:    bus,
		source: source,
		stat:   stat,
	}
}

func (p *busPublisher) Publish(event saga.Event) {
	env, err := MakeEnvelope(string(event.Type), p.source, event)
	if err != nil {
		p.stat.Counter("sagaEventDropCounter").Inc(1)
		log.Errorf("Could not build envelope for %v: %v", event, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.bus.Publish(ctx, string(event.Type), env); err != nil {
		p.stat.Counter("sagaEventDropCounter").Inc(1)
		log.Errorf("Could not publish %v: %v", event, err)
		return
	}
	p.stat.Counter("sagaEventPublishedCounter").Inc(1)
}
