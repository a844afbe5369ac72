package main

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lnkday/orchestrator/saga"
	"github.com/lnkday/orchestrator/worker"
)

/*
 * The saga definitions this orchestrator drives. Steps name the owning
 * service, the handlers live in that service's worker process.
 * Deployments embedding the engine register their own templates
 * instead.
 */
func registerPlatformSagas(reg *saga.Registry) error {
	registerUser, err := saga.NewBuilder("register-user").
		Step(saga.MakeStep("create-user-account", "account-service", nil, nil)).
		Step(saga.MakeStep("init-quota", "billing-service", nil, nil)).
		Step(saga.MakeStep("create-default-team", "account-service", nil, nil)).
		Step(saga.MakeStep("send-welcome-email", "notification-service", nil, nil)).
		WithRetries(3).
		WithTimeout(60 * time.Second).
		Build()
	if err != nil {
		return err
	}
	if err := reg.Register(registerUser); err != nil {
		return err
	}

	purgeLink, err := saga.NewBuilder("purge-link").
		Step(saga.MakeStep("revoke-link", "redirect-service", nil, nil)).
		Step(saga.MakeStep("purge-click-analytics", "analytics-service", nil, nil)).
		Step(saga.MakeStep("drop-stream-events", "datastream-service", nil, nil)).
		WithRetries(5).
		WithTimeout(2 * time.Minute).
		Build()
	if err != nil {
		return err
	}
	return reg.Register(purgeLink)
}

// Which platform service owns which steps.
var devSteps = map[string][]string{
	"account-service":      {"create-user-account", "create-default-team"},
	"billing-service":      {"init-quota"},
	"notification-service": {"send-welcome-email"},
	"redirect-service":     {"revoke-link"},
	"analytics-service":    {"purge-click-analytics"},
	"datastream-service":   {"drop-stream-events"},
}

/*
 * Loopback handlers for local development, enough to run the platform
 * sagas end to end on one machine with WORKER_SERVICE set per process.
 * Production workers live in the owning services and register real
 * handlers there.
 */
func registerDevSteps(w *worker.StepWorker, service string) {
	for _, stepName := range devSteps[service] {
		w.RegisterStep(stepName, devHandler(stepName), devCompensator(stepName))
	}
}

func devHandler(stepName string) saga.StepHandler {
	return func(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
		log.Infof("[dev] saga %s: running %s", sc.SagaID, stepName)
		return json.Marshal(map[string]string{"step": stepName, "sagaId": sc.SagaID})
	}
}

func devCompensator(stepName string) saga.StepCompensator {
	return func(ctx context.Context, sc *saga.StepContext) error {
		log.Infof("[dev] saga %s: undoing %s", sc.SagaID, stepName)
		return nil
	}
}
