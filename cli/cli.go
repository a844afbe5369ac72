package cli

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/lnkday/orchestrator/broker"
	"github.com/lnkday/orchestrator/config"
	"github.com/lnkday/orchestrator/saga"
	"github.com/lnkday/orchestrator/saga/sagastores"
)

const requestPublishTimeout = 5 * time.Second

// Saga admin client interface that includes CLI handling
type CLIClient interface {
	Exec() error
}

// Implements CLIClient - basic
type simpleCLIClient struct {
	rootCmd *cobra.Command

	cfg      *config.Config
	amqpAddr string
	db       *sql.DB
	store    saga.Store
	bus      broker.MessageBus
}

func (c *simpleCLIClient) Exec() error {
	return c.rootCmd.Execute()
}

func NewSimpleCLIClient(cfg *config.Config) (CLIClient, error) {
	c := &simpleCLIClient{cfg: cfg}

	c.rootCmd = &cobra.Command{
		Use:                "sagactl",
		Short:              "sagactl is a command-line admin client for the saga orchestrator",
		Run:                func(*cobra.Command, []string) {},
		PersistentPostRunE: c.Close,
	}

	c.addCmd(&startCmd{})
	c.addCmd(&statusCmd{})
	c.addCmd(&listCmd{})
	c.addCmd(&watchCmd{})
	c.addCmd(&resumeCmd{})
	c.addCmd(&compensateCmd{})
	c.addCmd(&dlqCmd{})

	return c, nil
}

// Opens the saga store named by SAGA_STORE on first use. Lazy so that
// commands which only publish to the broker work without a reachable
// store, and vice versa.
func (c *simpleCLIClient) dialStore() (saga.Store, error) {
	if c.store == nil {
		switch c.cfg.Store {
		case "file":
			store, err := sagastores.MakeFileStore(c.cfg.StoreDir)
			if err != nil {
				return nil, errors.Wrap(err, "could not open file saga store")
			}
			c.store = store

		case "postgres":
			db, err := sql.Open("postgres", c.cfg.DatabaseURL)
			if err != nil {
				return nil, errors.Wrap(err, "could not open postgres connection")
			}
			store, err := sagastores.MakePostgresStore(db, c.cfg.SagaTable)
			if err != nil {
				db.Close()
				return nil, errors.Wrap(err, "could not open postgres saga store")
			}
			c.db = db
			c.store = store

		case "redis":
			store, err := sagastores.MakeRedisStore(c.cfg.RedisURL)
			if err != nil {
				return nil, errors.Wrap(err, "could not open redis saga store")
			}
			c.store = store

		default:
			// The memory store lives inside the orchestrator process,
			// there is nothing for a separate process to attach to.
			return nil, errors.Errorf("cannot attach to %q saga store from another process", c.cfg.Store)
		}
	}
	return c.store, nil
}

// Connects to RabbitMQ on first use, for commands that publish
// requests to the orchestrator.
func (c *simpleCLIClient) dialBus() (broker.MessageBus, error) {
	if c.bus == nil {
		addr := c.amqpAddr
		if addr == "" {
			addr = c.cfg.RabbitMQURL
		}

		bus, err := broker.MakeAMQPBus(addr)
		if err != nil {
			return nil, errors.Wrap(err, "could not connect to the saga broker")
		}
		c.bus = bus
	}
	return c.bus, nil
}

// Publishes one request envelope on the saga exchange.
func (c *simpleCLIClient) publish(routingKey string, data interface{}) error {
	bus, err := c.dialBus()
	if err != nil {
		return err
	}

	env, err := broker.MakeEnvelope(routingKey, "sagactl", data)
	if err != nil {
		return errors.Wrap(err, "could not build request envelope")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestPublishTimeout)
	defer cancel()
	return bus.Publish(ctx, routingKey, env)
}

// Needs cobra parameters for use from rootCmd
func (c *simpleCLIClient) Close(cmd *cobra.Command, args []string) error {
	if c.bus != nil {
		c.bus.Close()
	}
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *simpleCLIClient) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.Flags().StringVar(&c.amqpAddr, "amqp", "", "RabbitMQ address, overrides RABBITMQ_URL")
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

type command interface {
	registerFlags() *cobra.Command
	run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error
}
