package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// Bound for fire and forget publishes that carry no caller deadline.
const publishTimeout = 5 * time.Second

type subscription struct {
	queue      string
	bindingKey string
	handler    func(Envelope)
}

/*
 * AMQPBus is the production MessageBus, one connection and channel to a
 * RabbitMQ broker. The saga exchange and the dead letter queue are
 * declared on connect, consumer queues as subscriptions arrive. A
 * dropped connection is redialed with backoff and every subscription
 * is replayed on the fresh channel.
 *
 * Deliveries are acked manually after the handler returns. An envelope
 * that does not parse is published to the dead letter queue and acked,
 * it would poison the queue forever if requeued.
 */
type AMQPBus struct {
	url       string
	mutex     sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	closed    bool
	subs      []subscription
}

func MakeAMQPBus(amqpURL string) (*AMQPBus, error) {
	bus := &AMQPBus{url: amqpURL}
	if err := bus.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return bus, nil
}

func (b *AMQPBus) connect() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	if err := declareTopology(channel); err != nil {
		channel.Close()
		conn.Close()
		return err
	}

	b.conn = conn
	b.channel = channel

	for _, sub := range b.subs {
		if err := b.startConsumer(sub); err != nil {
			channel.Close()
			conn.Close()
			return err
		}
	}

	b.connected = true
	log.Info("RabbitMQ connected and saga topology declared")

	go b.handleReconnect(conn)
	return nil
}

func declareTopology(channel *amqp.Channel) error {
	err := channel.ExchangeDeclare(
		SagaEventsExchange, // name
		"topic",            // type
		true,               // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,                // arguments
	)
	if err != nil {
		return err
	}

	// The dead letter queue exists from the first connect so a dead
	// letter published before any operator tooling subscribes is kept.
	if _, err := channel.QueueDeclare(
		DeadLetterQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return err
	}
	return channel.QueueBind(DeadLetterQueue, DeadLetterKey, SagaEventsExchange, false, nil)
}

func (b *AMQPBus) handleReconnect(conn *amqp.Connection) {
	closeNotify := conn.NotifyClose(make(chan *amqp.Error))

	for closeErr := range closeNotify {
		b.mutex.Lock()
		closed := b.closed
		b.connected = false
		b.mutex.Unlock()
		if closed {
			return
		}

		log.Errorf("RabbitMQ connection closed: %v. Attempting to reconnect...", closeErr)

		for i := 0; i < 10; i++ {
			time.Sleep(time.Duration(i+1) * time.Second)
			if err := b.connect(); err == nil {
				log.Info("RabbitMQ reconnected successfully")
				return
			}
			log.Errorf("RabbitMQ reconnection attempt %d failed", i+1)
		}
		log.Error("Failed to reconnect to RabbitMQ after 10 attempts")
	}
}

// Publish routes env through the saga exchange as a persistent JSON
// message. Unlike event publishing this surfaces transport failures,
// the dispatcher retries a step invocation it could not send.
func (b *AMQPBus) Publish(ctx context.Context, routingKey string, env Envelope) error {
	b.mutex.Lock()
	channel, connected := b.channel, b.connected
	b.mutex.Unlock()

	if !connected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	return channel.PublishWithContext(ctx,
		SagaEventsExchange, // exchange
		routingKey,         // routing key
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Subscribe declares queue, binds it to bindingKey and starts a manual
// ack consumer feeding handler. The subscription survives reconnects.
func (b *AMQPBus) Subscribe(queue string, bindingKey string, handler func(Envelope)) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	sub := subscription{queue: queue, bindingKey: bindingKey, handler: handler}
	b.subs = append(b.subs, sub)
	if !b.connected {
		// Mid-reconnect, the consumer starts when the subscriptions
		// are replayed on the new channel.
		return nil
	}
	return b.startConsumer(sub)
}

// Caller holds b.mutex.
func (b *AMQPBus) startConsumer(sub subscription) error {
	if _, err := b.channel.QueueDeclare(
		sub.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return err
	}

	if err := b.channel.QueueBind(sub.queue, sub.bindingKey, SagaEventsExchange, false, nil); err != nil {
		return err
	}

	deliveries, err := b.channel.Consume(
		sub.queue,
		sub.queue, // consumer tag
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	go b.consume(sub, deliveries)
	return nil
}

func (b *AMQPBus) consume(sub subscription, deliveries <-chan amqp.Delivery) {
	// The range ends when the connection drops, the reconnect path
	// starts a replacement consumer.
	for msg := range deliveries {
		var env Envelope
		if err := json.Unmarshal(msg.Body, &env); err != nil {
			log.Errorf("Dead lettering malformed envelope on %s: %v", sub.queue, err)
			b.deadLetter(sub, msg, err)
			msg.Ack(false)
			continue
		}
		sub.handler(env)
		msg.Ack(false)
	}
}

func (b *AMQPBus) deadLetter(sub subscription, msg amqp.Delivery, cause error) {
	dl := MakeDeadLetter(sub.queue, msg.RoutingKey, msg.Body, cause, 0, 0)
	env, err := MakeEnvelope(DeadLetterKey, "saga-broker", dl)
	if err != nil {
		log.Errorf("Could not build dead letter for queue %s: %v", sub.queue, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.Publish(ctx, DeadLetterKey, env); err != nil {
		log.Errorf("Could not publish dead letter for queue %s: %v", sub.queue, err)
	}
}

func (b *AMQPBus) IsConnected() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.connected
}

func (b *AMQPBus) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.closed = true
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
	b.connected = false
	return nil
}
