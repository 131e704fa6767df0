// Command swarmnode runs an agent swarm node: the signed peer protocol,
// the local operator API, and the background maintenance loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/config"
	"github.com/finml-sage/agent-swarm-protocol/internal/crypto"
	"github.com/finml-sage/agent-swarm-protocol/internal/events"
	"github.com/finml-sage/agent-swarm-protocol/internal/invoke"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
	"github.com/finml-sage/agent-swarm-protocol/internal/maint"
	"github.com/finml-sage/agent-swarm-protocol/internal/notify"
	"github.com/finml-sage/agent-swarm-protocol/internal/session"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
	"github.com/finml-sage/agent-swarm-protocol/internal/swarm"
	"github.com/finml-sage/agent-swarm-protocol/internal/transport"
	"github.com/finml-sage/agent-swarm-protocol/internal/wake"
	"github.com/finml-sage/agent-swarm-protocol/internal/web"
)

var version = "dev"

func main() {
	// A local .env is optional; deployments normally set the environment
	// directly.
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	fmt.Println("swarmnode " + version)
	fmt.Println("=============================================")
	fmt.Printf("SWARM_AGENT_ID=%s\n", cfg.AgentID)
	fmt.Printf("SWARM_ENDPOINT=%s\n", cfg.Endpoint)
	fmt.Printf("SWARM_LISTEN_ADDR=%s\n", cfg.ListenAddr)
	fmt.Printf("SWARM_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("SWARM_WAKE_ENABLED=%t\n", cfg.WakeEnabled)
	fmt.Printf("SWARM_INVOKER=%s\n", cfg.InvokerMethod)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	id, err := crypto.LoadOrCreateIdentity(cfg.AgentID, cfg.Endpoint, cfg.KeyPath)
	if err != nil {
		log.Error("failed to load node identity", "error", err)
		os.Exit(1)
	}
	log.Info("node identity ready", "agent_id", id.AgentID, "public_key", id.PublicKeyB64())

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	clk := clock.Real{}
	bus := events.New()

	notifier := notify.FromConfig(cfg, log)
	go notifier.Run(ctx, bus)

	client := transport.NewClient(transport.Options{
		AgentID: id.AgentID,
		Timeout: cfg.SendTimeout,
		Clock:   clk,
		Log:     log,
	})
	deliverer := transport.NewDeliverer(client, db, bus, clk, log)
	keys := transport.NewKeyFetcher(transport.KeyFetcherOptions{
		Keys:    db,
		TTL:     cfg.KeyCacheTTL,
		Timeout: cfg.KeyFetchTimeout,
		Clock:   clk,
		Log:     log,
	})

	swarms := swarm.New(swarm.Options{
		Identity:  id,
		Store:     db,
		Client:    client,
		Deliverer: deliverer,
		Bus:       bus,
		Clock:     clk,
		Log:       log,
	})

	prefs, err := wake.LoadPreferences(cfg.WakeConfigPath)
	if err != nil {
		log.Error("failed to load wake preferences", "error", err)
		os.Exit(1)
	}
	if !cfg.WakeEnabled {
		prefs.Enabled = false
	}
	waker := wake.NewTrigger(wake.TriggerConfig{
		Preferences: prefs,
		SelfID:      id.AgentID,
		Endpoint:    cfg.WakeURL,
		Secret:      cfg.WakeSecret,
		Timeout:     cfg.WakeTimeout,
		Clock:       clk,
		Log:         log,
	})

	sessions := session.NewManager(cfg.SessionFile, cfg.SessionTimeout, clk, log)
	invoker, err := invoke.New(cfg, db, log)
	if err != nil {
		log.Error("failed to build invoker", "error", err)
		os.Exit(1)
	}

	sweeper, err := maint.New(maint.Options{
		Store:          db,
		Schedule:       cfg.MaintSchedule,
		PurgeRetention: cfg.PurgeRetention,
		SessionExpiry:  cfg.SessionExpiry,
		Textfile:       cfg.MetricsTextfile,
		Clock:          clk,
		Log:            log,
	})
	if err != nil {
		log.Error("invalid maintenance schedule", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := sweeper.Run(ctx); err != nil {
			log.Error("maintenance loop error", "error", err)
		}
	}()

	srv := web.NewServer(web.Dependencies{
		Identity: id,
		Config:   cfg,
		Store:    db,
		Swarms:   swarms,
		Keys:     keys,
		Wake:     waker,
		Invoker:  invoker,
		Sessions: sessions,
		Sweeper:  sweeper,
		Bus:      bus,
		Clock:    clk,
		Log:      log,
	})

	go func() {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	log.Info("swarmnode started", "version", version, "listen", cfg.ListenAddr)

	if err := srv.ListenAndServe(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("swarmnode shutdown complete")
}
