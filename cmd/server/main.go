package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pixel-canvas/internal/api"
	"pixel-canvas/internal/auth"
	"pixel-canvas/internal/canvas"
	"pixel-canvas/internal/config"
	"pixel-canvas/internal/db"
	"pixel-canvas/internal/permissions"
	"pixel-canvas/internal/repository"
	"pixel-canvas/internal/services"
	"pixel-canvas/internal/services/collaboration"
	"pixel-canvas/internal/telemetry"

	"golang.org/x/sync/errgroup"
)

/*
STARTUP AND SHUTDOWN ORDER

Startup:  config -> tracing -> database -> accounts -> canvas restore ->
          session manager -> edit pipeline -> compactor -> HTTP server
Shutdown: HTTP server -> sessions -> edit pipeline (drains its queue) ->
          compactor (final snapshot) -> database -> tracing
*/

func main() {
	log.Println("🚀 Starting pixel canvas server...")

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	log.Printf("✓ Configuration loaded from %s", cfg.Path)

	jaegerShutdown, err := telemetry.InitJaeger("pixel-canvas", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	canvasRepo := repository.NewCanvasRepository(database.DB)
	accountRepo := repository.NewAccountRepository(database.DB)

	if err := createUsers(context.Background(), accountRepo, cfg.CreateUsers); err != nil {
		log.Fatalf("❌ Failed to create accounts: %v", err)
	}

	state, err := canvas.New(cfg.Canvas.Width, cfg.Canvas.Height, cfg.Canvas.Background)
	if err != nil {
		log.Fatalf("❌ Invalid canvas configuration: %v", err)
	}
	if err := restoreCanvas(context.Background(), state, canvasRepo); err != nil {
		log.Fatalf("❌ Failed to restore canvas: %v", err)
	}

	cooldown := services.NewCooldown(cfg.Edits.Cooldown.Std())

	sessionManager := collaboration.NewSessionManager(state, cfg.Sessions.QueueSize, cfg.Sessions.IdleTimeout.Std())
	sessionManager.Start()

	pipelineCfg := services.PipelineConfig{
		QueueSize:       cfg.Edits.QueueSize,
		MaxBatch:        cfg.Edits.MaxBatch,
		PersistAttempts: cfg.Edits.PersistAttempts,
		RetryBackoff:    cfg.Edits.RetryBackoff.Std(),
		MaxRetryBackoff: cfg.Edits.MaxRetryBackoff.Std(),
	}
	pipeline := services.NewEditPipeline(state, canvasRepo, sessionManager, cooldown, pipelineCfg)
	pipeline.Start()

	compactor := services.NewCompactor(state, canvasRepo, cooldown, cfg.Compaction.Interval.Std(), cfg.Compaction.Threshold)
	compactor.Start()

	authenticator := auth.NewAuthenticator(accountRepo, cfg.Sessions.AnonymousView)
	wsHandler := collaboration.NewWebSocketHandler(sessionManager, pipeline, authenticator, cfg.Sessions.MaxMessageSize)
	handler := api.NewHandler(state, pipeline, canvasRepo, sessionManager, authenticator, wsHandler)
	router := api.SetupRoutes(handler)

	addr := cfg.Addr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(pipelineCfg),
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("   WS     /ws/canvas                 - Live canvas session")
		log.Printf("   GET    /api/canvas                - Canvas snapshot")
		log.Printf("   GET    /api/canvas/pixels/{x}/{y} - Pixel")
		log.Printf("   GET    /api/canvas/edits          - Change log")
		log.Printf("   POST   /api/canvas/pixels         - Place a pixel")
		log.Printf("   POST   /api/canvas/clear          - Clear a region")
		log.Printf("   GET    /api/sessions              - Live sessions")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("🛑 Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("⚠️  %v", err)
	}

	// hijacked WebSocket connections outlive server.Shutdown
	sessionManager.Shutdown()
	pipeline.Shutdown()
	compactor.Shutdown()

	log.Println("✓ Server shutdown complete")
}

// writeTimeout leaves a REST submit room to wait out the pipeline's whole
// retry budget before the response deadline passes
func writeTimeout(cfg services.PipelineConfig) time.Duration {
	return cfg.SettleTimeout() + 15*time.Second
}

// restoreCanvas rebuilds the in-memory canvas from the stored snapshot and
// the change log after it
func restoreCanvas(ctx context.Context, state *canvas.State, repo *repository.CanvasRepositoryImpl) error {
	snap, edits, err := repo.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	if err := state.Restore(snap, edits); err != nil {
		return err
	}

	var base uint64
	if snap != nil {
		base = snap.Seq
	}
	width, height := state.Bounds()
	log.Printf("✓ Canvas %dx%d restored at seq %d (snapshot %d + %d log entries)",
		width, height, state.Sequence(), base, len(edits))
	return nil
}

// createUsers creates or updates the accounts given with --create-user
func createUsers(ctx context.Context, repo *repository.AccountRepositoryImpl, specs []string) error {
	for _, spec := range specs {
		account, err := auth.ParseAccountSpec(spec)
		if err != nil {
			return err
		}
		if err := repo.Upsert(ctx, account); err != nil {
			return fmt.Errorf("failed to store account %s: %w", account.Username, err)
		}
		log.Printf("✓ Account %s saved with permissions %s", account.Username, permissions.Level(account.Permissions))
	}
	return nil
}
