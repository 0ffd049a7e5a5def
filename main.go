package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "relaykit/app/configs"
	"relaykit/app/core/admin"
	"relaykit/app/core/agentturn"
	"relaykit/app/core/approval"
	"relaykit/app/core/cron"
	"relaykit/app/core/dispatcher"
	"relaykit/app/core/guardrail"
	"relaykit/app/core/notifier"
	"relaykit/app/core/store"
	"relaykit/app/core/worker"
	"relaykit/app/pkg/logger"
)

func main() {
	if err := logger.Init("output/logs"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("Relaykit Starting...")

	cfgManager, err := config.NewManager(config.DefaultPath())
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	defer cfgManager.Close()
	cfg := cfgManager.Get()

	db, err := store.Open(cfg.Runtime.DataDir)
	if err != nil {
		logger.Error("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("Store initialized at %s", cfg.Runtime.DataDir)

	seedDefaultGuardrails(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notify := notifier.NewLogNotifier()
	approvals := approval.NewRegistry(db)
	go approvals.ExpireLoop(ctx, time.Duration(cfg.Runtime.ApprovalExpireSecs)*time.Second)

	// A real deployment wires a production AgentTurn backend here; the
	// fake keeps this binary runnable standalone for the diagnostics probe
	// and cron "agent" mode demo path.
	agent := agentturn.NewFake("Relay is online and listening.")

	w := worker.New(db, agent, approvals, notify, cfgManager)

	d := dispatcher.New(db, w, dispatcher.Config{
		Concurrency:   cfg.Runtime.WorkerConcurrency,
		PollInterval:  time.Duration(cfg.Runtime.PollIntervalMS) * time.Millisecond,
		LeaseDuration: time.Duration(cfg.Runtime.LeaseDurationMS) * time.Millisecond,
		ReenqueueMax:  cfg.Runtime.ReenqueueMax,
	})
	go d.Run(ctx)

	cronScheduler := cron.New(db, notify, db.EnqueueTask)
	if err := cronScheduler.Start(ctx); err != nil {
		logger.Error("Failed to start cron scheduler: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := cronScheduler.Stop(3 * time.Second); err != nil {
			logger.Error("Cron scheduler shutdown timeout: %v", err)
		}
	}()

	adminServer := admin.New("127.0.0.1:8090", db, cfgManager, approvals, agent, cronScheduler)
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			logger.Error("Admin server crashed: %v", err)
		}
	}()

	logger.Info("Relaykit is ready to serve.")
	fmt.Println("- Admin Interface: http://127.0.0.1:8090/status")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal: %v. Relaykit Shutting Down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown: %v", err)
	}
	cancel()
}

func seedDefaultGuardrails(db *store.DB) {
	ctx := context.Background()
	existing, err := db.ListAllGuardrailRules(ctx)
	if err != nil {
		logger.Error("Failed to check existing guardrail rules: %v", err)
		return
	}
	if len(existing) > 0 {
		return
	}
	for _, rule := range guardrail.DefaultCommandRules() {
		if _, err := db.InsertGuardrailRule(ctx, rule); err != nil {
			logger.Error("Failed to seed guardrail rule %q: %v", rule.Name, err)
		}
	}
}
