package cli

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type statusCmd struct{}

func (c *statusCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the persisted state of a saga",
	}
}

func (c *statusCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	log.Infof("Checking status for saga %v", args)

	if len(args) == 0 {
		return errors.New("a saga id must be provided")
	}

	store, err := cl.dialStore()
	if err != nil {
		return err
	}

	_, err = GetAndPrintStatus(args[0], store)
	return err
}
