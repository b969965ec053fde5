package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/openvtt/tokensync/internal/config"
	"github.com/openvtt/tokensync/internal/database"
	"github.com/openvtt/tokensync/internal/eventsync"
	"github.com/openvtt/tokensync/internal/handlers"
	"github.com/openvtt/tokensync/internal/repositories"
	"github.com/openvtt/tokensync/internal/services"
	"github.com/openvtt/tokensync/internal/tokenset"
	"github.com/openvtt/tokensync/internal/ws"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to create postgres pool", zap.Error(err))
	}
	defer postgresPool.Close()

	if err := database.Migrate(ctx, postgresPool); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to create redis client", zap.Error(err))
	}
	defer redisClient.Close()

	// Repositories
	accountRepo := repositories.NewPostgresAccountRepository(postgresPool)
	roomRepo := repositories.NewPostgresRoomRepository(postgresPool)
	eventRepo := repositories.NewPostgresEventRepository(postgresPool)
	aggregateRepo := repositories.NewPostgresAggregateRepository(postgresPool)
	sessionRepo := repositories.NewRedisSessionRepository(redisClient, logger)
	presenceRepo := repositories.NewRedisRoomPresenceRepository(redisClient)

	// Services and the event pipeline
	authService := services.NewAuthService(accountRepo, sessionRepo, cfg.JWTSecret, cfg.JWTExpiry)

	hub := ws.NewHub(redisClient, logger)
	processor := eventsync.NewProcessor(
		eventsync.PoolTxRunner{Pool: postgresPool},
		eventRepo,
		aggregateRepo,
		hub,
		logger,
	)
	processor.RegisterAggregator(tokenset.Aggregator{})

	wsServer := ws.NewServer(hub, processor, authService, roomRepo, presenceRepo, logger, ws.Options{
		SendQueueSize: cfg.WSSendQueueSize,
		MaxFrameBytes: cfg.WSMaxFrameBytes,
	})
	authHandler := handlers.NewAuthHandler(authService, logger)

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)
		r.Post("/logout-all", authHandler.LogoutAll)
	})

	router.Get("/ws", wsServer.HandleWS)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		err := hub.Run(groupCtx)
		if groupCtx.Err() != nil {
			return nil
		}
		return err
	})

	group.Go(func() error {
		logger.Info("starting server", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped gracefully")
}
