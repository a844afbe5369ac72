package cli

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/lnkday/orchestrator/broker"
)

type startCmd struct {
	payload string
}

func (c *startCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "start",
		Short: "Ask the orchestrator to start a saga of the named type",
	}
	r.Flags().StringVar(&c.payload, "payload", "{}", "JSON payload handed to every step")
	return r
}

func (c *startCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("a saga type must be provided")
	}

	if !json.Valid([]byte(c.payload)) {
		return errors.Errorf("payload is not valid JSON: %s", c.payload)
	}

	req := broker.StartRequest{SagaType: args[0], Payload: json.RawMessage(c.payload)}
	if err := cl.publish(broker.StartKey, req); err != nil {
		return errors.Wrapf(err, "could not publish start request for %s", args[0])
	}

	fmt.Printf("requested a %s saga, use sagactl list to find its id\n", args[0])
	return nil
}
