package cli

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/lnkday/orchestrator/broker"
)

type resumeCmd struct{}

func (c *resumeCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Re-drive an incomplete saga, as after an orchestrator crash",
	}
}

func (c *resumeCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("a saga id must be provided")
	}

	req := broker.AdminRequest{SagaID: args[0]}
	if err := cl.publish(broker.ResumeKey, req); err != nil {
		return errors.Wrapf(err, "could not publish resume request for %s", args[0])
	}

	fmt.Printf("resume requested for saga %s\n", args[0])
	return nil
}
