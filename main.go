// SITESMITH server entrypoint.
// Wires the pipeline (planner, executor, validator, repair loop), the dev
// server supervisor, and the HTTP/WebSocket API, then serves until signalled.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"sitesmith/internal/buildcheck"
	"sitesmith/internal/builder"
	"sitesmith/internal/config"
	"sitesmith/internal/generate"
	"sitesmith/internal/handlers"
	"sitesmith/internal/history"
	"sitesmith/internal/llm"
	"sitesmith/internal/logging"
	"sitesmith/internal/planner"
	"sitesmith/internal/quickfix"
	"sitesmith/internal/repair"
	"sitesmith/internal/state"
	"sitesmith/internal/supervisor"
	"sitesmith/internal/toolchain"
	"sitesmith/internal/websocket"
)

func main() {
	_ = godotenv.Load()
	logging.Init()
	defer logging.Sync()

	cfg := config.Load()
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		logging.S().Fatalf("create workspace root: %v", err)
	}
	logging.S().Infof("SITESMITH starting: workspace=%s port=%s", cfg.WorkspaceRoot, cfg.Port)

	// Durable state, validated against live ports before trust.
	store := state.NewStore(cfg.StateFile, supervisor.PortProbe)
	if err := store.Load(); err != nil {
		logging.S().Fatalf("load state: %v", err)
	}

	hist, err := history.Open(cfg.HistoryDB)
	if err != nil {
		logging.S().Fatalf("open history: %v", err)
	}

	tc := toolchain.NewNode()
	sup := supervisor.New(tc, store, cfg.DevServerBasePort, cfg.PortProbeAttempts)

	provider := llm.NewAnthropicClient("", "")
	promptGen := llm.NewPromptGenerator(provider)

	validator := buildcheck.New(tc)
	loop := repair.New(validator, quickfix.NewEngine(tc), promptGen, tc,
		cfg.MaxRepairAttempts, cfg.DevServerBasePort+1000)

	hub := websocket.NewHub()
	go hub.Run()

	pipeline := builder.New(
		cfg.WorkspaceRoot,
		planner.New(provider),
		generate.NewExecutor(promptGen, cfg.InterTaskDelay),
		loop,
		sup,
		hist,
		hub,
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go store.Run(rootCtx, cfg.StateResyncInterval, cfg.StateReconcileInterval)
	go forwardSupervisorEvents(rootCtx, sup, hub)

	h := handlers.New(pipeline, sup, store, hist, hub)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: h.Router(),
	}

	go func() {
		logging.S().Infof("API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.S().Fatalf("server: %v", err)
		}
	}()

	<-rootCtx.Done()
	logging.S().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.S().Errorf("http shutdown: %v", err)
	}
	hub.Shutdown()
	sup.StopAll()
	logging.S().Info("shutdown complete")
}

// forwardSupervisorEvents bridges process lifecycle events into the
// project's websocket room. Raw output lines stay in the log buffer; only
// lifecycle transitions are broadcast.
func forwardSupervisorEvents(ctx context.Context, sup *supervisor.Supervisor, hub *websocket.Hub) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sup.Events():
			if ev.Kind == supervisor.EventOutput {
				continue
			}
			hub.Broadcast(ev.Project, websocket.MessageTypeServerEvent, ev)
		}
	}
}
