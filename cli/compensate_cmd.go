package cli

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/lnkday/orchestrator/broker"
)

type compensateCmd struct{}

func (c *compensateCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "compensate",
		Short: "Re-run compensation of a FAILED saga",
	}
}

func (c *compensateCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("a saga id must be provided")
	}

	req := broker.AdminRequest{SagaID: args[0]}
	if err := cl.publish(broker.CompensateKey, req); err != nil {
		return errors.Wrapf(err, "could not publish compensate request for %s", args[0])
	}

	fmt.Printf("compensation requested for saga %s\n", args[0])
	return nil
}
