package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/lnkday/orchestrator/broker"
	"github.com/lnkday/orchestrator/common/endpoints"
	"github.com/lnkday/orchestrator/common/log/hooks"
	"github.com/lnkday/orchestrator/common/stats"
	"github.com/lnkday/orchestrator/config"
	"github.com/lnkday/orchestrator/saga"
	"github.com/lnkday/orchestrator/saga/sagastores"
	"github.com/lnkday/orchestrator/worker"
)

// Terminal sagas are kept in the memory store this long before GC.
const memoryStoreRetention = 24 * time.Hour

func main() {
	log.AddHook(hooks.NewContextHook())

	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found")
	}
	cfg := config.Load()

	stat := endpoints.MakeStatsReceiver("orchestrator")
	go stats.StartUptimeReporting(stat, "sagaUptime_ms", "sagaServerStartedGauge", stats.DefaultStartupGaugeSpikeLen)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open %s saga store: %v", cfg.Store, err)
	}
	defer closeStore()

	registry := saga.MakeRegistry()
	if err := registerPlatformSagas(registry); err != nil {
		log.Fatalf("Failed to register saga templates: %v", err)
	}

	var bus broker.MessageBus
	var remote saga.RemoteDispatcher
	var publisher saga.Publisher

	amqpBus, err := broker.MakeAMQPBus(cfg.RabbitMQURL)
	if err != nil {
		log.Warnf("RabbitMQ unavailable, remote steps and saga events are disabled: %v", err)
	} else {
		bus = amqpBus
		defer bus.Close()

		invoker, err := broker.MakeInvoker(bus, cfg.ServiceName, stat)
		if err != nil {
			log.Fatalf("Failed to subscribe for step results: %v", err)
		}
		remote = invoker
		publisher = broker.MakeBusPublisher(bus, cfg.ServiceName, stat)
	}

	// Without an AMQP connection lifecycle events can still go out
	// through the management API.
	if publisher == nil && cfg.ManagementURL != "" {
		publisher, err = broker.MakeHTTPPublisher(cfg.ManagementURL, "/", cfg.ServiceName, cfg.BrokerUser, cfg.BrokerPassword)
		if err != nil {
			log.Warnf("Management API publisher unavailable too: %v", err)
			publisher = nil
		}
	}

	engine := saga.MakeEngine(saga.EngineConfig{
		ServiceName: cfg.ServiceName,
		StepTimeout: time.Duration(cfg.StepTimeoutSec) * time.Second,
	}, registry, store, remote, publisher, stat)

	// The recovery sweep runs in the background, a large backlog must
	// not delay serving new sagas.
	recovery := saga.MakeRecoveryManager(engine, store, float64(cfg.RecoveryPerSec), stat)
	go func() {
		n, err := recovery.RecoverAll(context.Background())
		if err != nil {
			log.Errorf("Crash recovery sweep failed after resuming %d sagas: %v", n, err)
			return
		}
		if n > 0 {
			log.Infof("Crash recovery resumed %d sagas", n)
		}
	}()

	if bus != nil {
		if err := subscribeOrchestrator(bus, engine); err != nil {
			log.Fatalf("Failed to subscribe orchestrator queues: %v", err)
		}

		// Loopback worker for local development, serving the steps the
		// named service would own in production.
		if cfg.WorkerService != "" {
			w := worker.MakeStepWorker(bus, cfg.WorkerService, stat)
			registerDevSteps(w, cfg.WorkerService)
			if err := w.Start(); err != nil {
				log.Fatalf("Failed to start embedded %s worker: %v", cfg.WorkerService, err)
			}
		}
	}

	server := endpoints.MakeServer(":"+cfg.Port, stat)
	go func() {
		if err := server.Serve(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to serve http: %v", err)
		}
	}()

	log.Infof("Saga orchestrator running on port %s with %s store", cfg.Port, cfg.Store)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("HTTP shutdown failed: %v", err)
	}
}

// Opens the saga store named by SAGA_STORE. The returned closer owns
// whatever connection the store rides on.
func openStore(cfg *config.Config) (saga.Store, func(), error) {
	noop := func() {}

	switch cfg.Store {
	case "memory":
		return sagastores.MakeInMemoryStore(memoryStoreRetention, time.Hour), noop, nil

	case "file":
		store, err := sagastores.MakeFileStore(cfg.StoreDir)
		return store, noop, err

	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		schema, err := sagastores.PostgresSchema(cfg.SagaTable)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("could not ensure saga table %s: %v", cfg.SagaTable, err)
		}
		store, err := sagastores.MakePostgresStore(db, cfg.SagaTable)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil

	case "redis":
		store, err := sagastores.MakeRedisStore(cfg.RedisURL)
		return store, noop, err

	default:
		return nil, nil, fmt.Errorf("unknown saga store %q", cfg.Store)
	}
}

/*
 * Consumes start and admin requests addressed to the orchestrator.
 * Each request runs on its own goroutine since Execute blocks until the
 * saga is terminal, and the bus delivers one message at a time per
 * queue.
 */
func subscribeOrchestrator(bus broker.MessageBus, engine *saga.Engine) error {
	err := bus.Subscribe(broker.OrchestratorQueue, broker.StartKey, func(env broker.Envelope) {
		var req broker.StartRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			log.Errorf("Dropping malformed start request %s: %v", env.ID, err)
			return
		}
		go func() {
			if _, err := engine.Execute(context.Background(), req.SagaType, req.Payload); err != nil {
				log.Errorf("Start request %s for %s failed: %v", env.ID, req.SagaType, err)
			}
		}()
	})
	if err != nil {
		return err
	}

	err = bus.Subscribe(broker.ResumeKey, broker.ResumeKey, func(env broker.Envelope) {
		var req broker.AdminRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			log.Errorf("Dropping malformed resume request %s: %v", env.ID, err)
			return
		}
		go func() {
			if _, err := engine.Resume(context.Background(), req.SagaID); err != nil {
				log.Errorf("Resume of saga %s failed: %v", req.SagaID, err)
			}
		}()
	})
	if err != nil {
		return err
	}

	return bus.Subscribe(broker.CompensateKey, broker.CompensateKey, func(env broker.Envelope) {
		var req broker.AdminRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			log.Errorf("Dropping malformed compensate request %s: %v", env.ID, err)
			return
		}
		go func() {
			if _, err := engine.CompensateFailed(context.Background(), req.SagaID); err != nil {
				log.Errorf("Compensation re-drive of saga %s failed: %v", req.SagaID, err)
			}
		}()
	})
}
