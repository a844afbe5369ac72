package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lnkday/orchestrator/saga"
)

const (
	sagaStatusSleepSeconds time.Duration = 3 * time.Second
)

type watchCmd struct{}

func (c *watchCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch a saga until it reaches a terminal status",
	}
}

func (c *watchCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	log.Infof("Watching saga %v", args)

	if len(args) == 0 {
		return errors.New("a saga id must be provided")
	}

	store, err := cl.dialStore()
	if err != nil {
		return err
	}

	sagaID := args[0]

	for {
		status, err := GetAndPrintStatus(sagaID, store)
		if err != nil {
			return err
		}

		if status.Terminal() {
			return nil
		}

		time.Sleep(sagaStatusSleepSeconds)
	}
}

func GetAndPrintStatus(sagaID string, store saga.Store) (saga.SagaStatus, error) {
	inst, err := store.Get(context.Background(), sagaID)
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			return saga.StatusPending, errors.Errorf("no saga with id %s", sagaID)
		}
		return saga.StatusPending, errors.Wrapf(err, "could not get saga %s", sagaID)
	}

	PrintSagaStatus(inst)
	return inst.Status, nil
}

func PrintSagaStatus(inst *saga.SagaInstance) {
	asJson, _ := json.MarshalIndent(inst, "", "  ")
	fmt.Printf("%s\n", asJson)
}
