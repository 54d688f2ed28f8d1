package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"task-ledger/internal/api"
	"task-ledger/internal/broker"
	"task-ledger/internal/config"
	"task-ledger/internal/database"
	"task-ledger/internal/demo"
	"task-ledger/internal/events"
	"task-ledger/internal/queue"
	"task-ledger/internal/ratelimit"
	"task-ledger/internal/websocket"
	"task-ledger/internal/worker"

	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 10 * time.Second
	demoInterval    = 10 * time.Second
)

func serveCmd(configPath *string) *cobra.Command {
	var addr string
	var withDemo bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, websocket surface, reconcilers and workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, withDemo)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&withDemo, "demo", false, "register the demo handlers and keep producing sample tasks")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, withDemo bool) error {
	// Open database
	db, err := database.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	log.Printf("[INIT] Database initialized (%s)", db.Driver())

	b := broker.NewMemory(cfg.Broker.NotificationBuffer)
	bus := events.NewBus()

	coordinators := make([]*queue.Coordinator, 0, len(cfg.Queues))
	for _, name := range cfg.Queues {
		coordinators = append(coordinators, queue.New(name, db, b, bus, cfg.ReconcilerConfig()))
	}
	group := queue.NewGroup(db, coordinators...)

	limiter := ratelimit.New(cfg.RateLimit.PerMinute, time.Minute)
	if limiter.Limit() > 0 {
		log.Printf("[INIT] Rate limit: %d tasks per minute per client", limiter.Limit())
	}
	wsManager := websocket.New(group, limiter)
	wsManager.Attach(bus)

	group.Start()
	log.Printf("[INIT] Reconciling queues %v", group.Names())

	// Start workers
	registry := worker.NewRegistry()
	if withDemo {
		demo.Register(registry, 1)
	}
	var pools []*worker.Pool
	if cfg.Worker.Concurrency > 0 {
		for _, name := range group.Names() {
			pools = append(pools, worker.StartPool(context.Background(), cfg.Worker.Concurrency, name, b, registry, cfg.Worker.PollInterval))
		}
		log.Printf("[INIT] Started %d workers per queue, handlers %v", cfg.Worker.Concurrency, registry.Names())
	}

	// Setup routes
	mux := http.NewServeMux()
	api.NewServer(group, wsManager, limiter).SetupRoutes(mux)
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("[INIT] Server starting on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	demoCtx, stopDemo := context.WithCancel(ctx)
	defer stopDemo()
	if withDemo {
		go runDemo(demoCtx, group, group.Names()[0])
	}

	select {
	case <-ctx.Done():
		log.Printf("[SHUTDOWN] Signal received")
	case err = <-serveErr:
		log.Printf("[ERROR] Server failed: %v", err)
	}

	stopDemo()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] HTTP shutdown: %v", err)
	}
	wsManager.Close()
	group.Stop()
	for _, p := range pools {
		p.Stop()
	}
	b.Close()
	log.Printf("[SHUTDOWN] Stopped")
	return err
}

func runDemo(ctx context.Context, s demo.Submitter, queueName string) {
	if err := demo.Seed(ctx, s, queueName); err != nil {
		log.Printf("[ERROR] Failed to seed demo tasks: %v", err)
	}
	demo.Produce(ctx, s, queueName, demoInterval, rand.New(rand.NewSource(time.Now().UnixNano())))
}
