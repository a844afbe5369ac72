package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/lnkday/orchestrator/saga"
)

type listCmd struct {
	status string
}

func (c *listCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "list",
		Short: "List sagas that have not reached a terminal status",
	}
	r.Flags().StringVar(&c.status, "status", "", "only list sagas with this status (PENDING, RUNNING or COMPENSATING)")
	return r
}

func (c *listCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	store, err := cl.dialStore()
	if err != nil {
		return err
	}

	var filter saga.SagaStatus
	if c.status != "" {
		filter, err = saga.ParseSagaStatus(c.status)
		if err != nil {
			return err
		}
	}

	insts, err := store.FindIncomplete(context.Background())
	if err != nil {
		return errors.Wrap(err, "could not list incomplete sagas")
	}

	shown := 0
	for _, inst := range insts {
		if c.status != "" && inst.Status != filter {
			continue
		}
		fmt.Printf("%-36s  %-12v  %-24s  updated %s\n",
			inst.SagaID, inst.Status, inst.SagaType, inst.UpdatedAt.Format(time.RFC3339))
		shown++
	}
	fmt.Printf("%d sagas in flight\n", shown)

	return nil
}
