package broker

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

/*
 * MessageBus moves envelopes between the orchestrator, its workers and
 * any external listeners. Publish routes an envelope by key through the
 * saga exchange. Subscribe binds a named queue to a routing key and
 * feeds every delivery to handler. The topology only ever binds exact
 * keys, wildcard patterns are not needed.
 */
type MessageBus interface {
	Publish(ctx context.Context, routingKey string, env Envelope) error
	Subscribe(queue string, bindingKey string, handler func(Envelope)) error
	Close() error
}

/*
 * MemoryBus is the in-process MessageBus used by tests and the demo
 * binary. Handlers run on their own goroutine per delivery so a slow
 * subscriber never blocks a publisher, matching the decoupling the AMQP
 * bus gives. Every published envelope is also appended to an inspection
 * history.
 */
type MemoryBus struct {
	mutex    sync.Mutex
	bindings map[string][]func(Envelope)
	history  []Envelope
	closed   bool
}

func MakeMemoryBus() *MemoryBus {
	return &MemoryBus{
		bindings: make(map[string][]func(Envelope)),
	}
}

// Publish delivers env to every handler bound to routingKey. Envelopes
// published on a closed bus or a key with no binding are dropped, which
// mirrors a topic exchange with no matching queue.
func (b *MemoryBus) Publish(ctx context.Context, routingKey string, env Envelope) error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return nil
	}
	b.history = append(b.history, env)
	handlers := append([]func(Envelope){}, b.bindings[routingKey]...)
	b.mutex.Unlock()

	if len(handlers) == 0 {
		log.Debugf("No binding for routing key %s, envelope %s dropped", routingKey, env.ID)
		return nil
	}

	for _, handler := range handlers {
		go handler(env)
	}
	return nil
}

// Subscribe binds handler to bindingKey. The queue name only matters to
// the AMQP bus, in memory every binding key behaves as its own queue.
func (b *MemoryBus) Subscribe(queue string, bindingKey string, handler func(Envelope)) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return nil
	}
	b.bindings[bindingKey] = append(b.bindings[bindingKey], handler)
	return nil
}

func (b *MemoryBus) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.closed = true
	b.bindings = make(map[string][]func(Envelope))
	return nil
}

// History returns a copy of every envelope published so far, in
// publish order.
func (b *MemoryBus) History() []Envelope {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	history := make([]Envelope, len(b.history))
	copy(history, b.history)
	return history
}
