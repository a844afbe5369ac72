package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lnkday/orchestrator/broker"
)

type dlqCmd struct {
	replay bool
	limit  int
	wait   time.Duration
}

func (c *dlqCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "dlq",
		Short: "Drain and print dead-lettered saga messages",
		Long: "Drains up to --limit messages from the dead-letter queue and prints\n" +
			"them. With --replay, messages that wrap an intact envelope are\n" +
			"published back to their original routing key; everything else is\n" +
			"returned to the dead-letter queue.",
	}
	r.Flags().BoolVar(&c.replay, "replay", false, "re-publish replayable messages to their original routing key")
	r.Flags().IntVar(&c.limit, "limit", 10, "maximum messages to drain")
	r.Flags().DurationVar(&c.wait, "wait", 2*time.Second, "how long to wait for messages")
	return r
}

func (c *dlqCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	bus, err := cl.dialBus()
	if err != nil {
		return err
	}

	requeue := func(env broker.Envelope) bool {
		ctx, cancel := context.WithTimeout(context.Background(), requestPublishTimeout)
		defer cancel()
		if err := bus.Publish(ctx, broker.DeadLetterKey, env); err != nil {
			log.Errorf("Dead letter %s could not be requeued: %v", env.ID, err)
			return false
		}
		return true
	}

	// Consuming acks, so every delivery this command does not process
	// must go back to the dead letter queue or it is gone.
	var done atomic.Bool
	drained := make(chan broker.Envelope, c.limit)
	err = bus.Subscribe(broker.DeadLetterQueue, broker.DeadLetterKey, func(env broker.Envelope) {
		if done.Load() {
			requeue(env)
			return
		}
		select {
		case drained <- env:
		default:
			requeue(env)
		}
	})
	if err != nil {
		return errors.Wrap(err, "could not subscribe to the dead-letter queue")
	}

	var letters []broker.Envelope
	timeout := time.After(c.wait)
collecting:
	for len(letters) < c.limit {
		select {
		case env := <-drained:
			letters = append(letters, env)
		case <-timeout:
			break collecting
		}
	}
	done.Store(true)

	// Deliveries that raced the deadline are already acked, sweep them
	// up rather than drop them.
sweeping:
	for {
		select {
		case env := <-drained:
			letters = append(letters, env)
		default:
			break sweeping
		}
	}

	replayed, kept := 0, 0
	for _, env := range letters {
		var dl broker.DeadLetter
		if err := json.Unmarshal(env.Data, &dl); err != nil {
			fmt.Printf("%s  unreadable dead letter: %v\n", env.ID, err)
			if requeue(env) {
				kept++
			}
			continue
		}

		fmt.Printf("%s  queue=%s key=%s failedAt=%s retries=%d/%d\n  error: %s\n",
			env.ID, dl.OriginalQueue, dl.OriginalRoutingKey, dl.FailedAt, dl.RetryCount, dl.MaxRetries, dl.Error)

		var original broker.Envelope
		replayable := json.Unmarshal(dl.Message, &original) == nil && original.ID != ""

		if c.replay && replayable {
			ctx, cancel := context.WithTimeout(context.Background(), requestPublishTimeout)
			err := bus.Publish(ctx, dl.OriginalRoutingKey, original)
			cancel()
			if err != nil {
				fmt.Printf("  replay failed, keeping in the dead-letter queue: %v\n", err)
				if requeue(env) {
					kept++
				}
				continue
			}
			fmt.Printf("  replayed to %s\n", dl.OriginalRoutingKey)
			replayed++
			continue
		}

		if c.replay && !replayable {
			fmt.Println("  not replayable, the original message never parsed as an envelope")
		}
		if requeue(env) {
			kept++
		}
	}

	fmt.Printf("drained %d dead letters, replayed %d, kept %d\n", len(letters), replayed, kept)
	return nil
}
