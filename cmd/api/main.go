package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/backdrop/internal/auth"
	"github.com/snappy-loop/backdrop/internal/config"
	"github.com/snappy-loop/backdrop/internal/database"
	"github.com/snappy-loop/backdrop/internal/grpcserver"
	"github.com/snappy-loop/backdrop/internal/handlers"
	"github.com/snappy-loop/backdrop/internal/kafka"
	"github.com/snappy-loop/backdrop/internal/llm"
	"github.com/snappy-loop/backdrop/internal/logging"
	"github.com/snappy-loop/backdrop/internal/pipeline"
	"github.com/snappy-loop/backdrop/internal/preload"
	"github.com/snappy-loop/backdrop/internal/services"
	"github.com/snappy-loop/backdrop/internal/slide"
	"github.com/snappy-loop/backdrop/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logCloser := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logCloser.Close()

	log.Info().Msg("Starting Backdrop API")

	// History storage is optional: without a database the slide still works.
	var db *database.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = database.Connect(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()

		if err := db.Migrate(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
	} else {
		log.Warn().Msg("DATABASE_URL not set, generation history disabled")
	}

	var publisher services.GenerationPublisher
	if cfg.KafkaEnabled() {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicEvents)
		defer producer.Close()
		publisher = producer
	}

	var generationService *services.GenerationService
	if db != nil {
		generationService = services.NewGenerationService(database.NewGenerationRepository(db), publisher)
	} else {
		generationService = services.NewGenerationService(nil, publisher)
	}

	var store llm.ImageStore
	if cfg.S3Enabled() {
		storageClient, err := storage.NewClient(
			cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket,
			cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL, cfg.S3PublicURL, cfg.ImageURLExpiry,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize storage client")
		}
		store = storageClient
	}

	var remote pipeline.Generator
	llmClient, err := llm.NewClient(cfg, store)
	if err != nil {
		log.Warn().Err(err).Msg("Remote generation unavailable, running in dev mode only")
	} else {
		remote = llmClient
	}

	var verifier slide.Loader
	if cfg.VerifyImages {
		verifier = preload.New()
	}

	var opts []handlers.Option
	checks := map[string]grpcserver.Check{}
	if db != nil {
		dbCheck := db.Health
		opts = append(opts, handlers.WithHealthCheck("database", dbCheck))
		checks["database"] = dbCheck
	}

	h := handlers.NewHandler(generationService, handlers.SlideConfig{
		Remote:    remote,
		Delay:     cfg.DebounceDelay,
		Timeout:   cfg.GenerationTimeout,
		DevMode:   cfg.DevMode,
		Verifier:  verifier,
		Preloader: preload.New(),
	}, opts...)

	authService := auth.NewService(cfg.APIKeyHash)
	if !authService.Enabled() {
		log.Warn().Msg("API_KEY_HASH not set, history API disabled")
	}

	r := mux.NewRouter()
	r.HandleFunc("/", h.Index).Methods("GET")
	r.HandleFunc("/slide/ws", h.SlideWS).Methods("GET")
	r.HandleFunc("/healthz", h.Healthz).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(authService.Middleware)
	api.HandleFunc("/generations", h.ListGenerations).Methods("GET")
	api.HandleFunc("/generations/{id}", h.GetGeneration).Methods("GET")

	// No WriteTimeout: slide sessions are long-lived websockets.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health := grpcserver.NewHealth(checks)
	grpcServer := grpcserver.NewServer(health, authService)
	go health.Run(ctx, 15*time.Second)

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("Failed to listen for gRPC")
		}
		log.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("gRPC server failed")
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Bool("remote", remote != nil).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	grpcServer.GracefulStop()
	if err := h.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Slide sessions did not close in time")
	}

	log.Info().Msg("Server stopped")
}
