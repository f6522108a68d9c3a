package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/backdrop/internal/config"
	"github.com/snappy-loop/backdrop/internal/database"
	"github.com/snappy-loop/backdrop/internal/kafka"
	"github.com/snappy-loop/backdrop/internal/logging"
	"github.com/snappy-loop/backdrop/internal/services"
	"github.com/snappy-loop/backdrop/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logCloser := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logCloser.Close()

	log.Info().Msg("Starting Backdrop Worker")

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	if !cfg.KafkaEnabled() {
		log.Fatal().Msg("KAFKA_BROKERS is required")
	}

	db, err := database.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	generationService := services.NewGenerationService(database.NewGenerationRepository(db), nil)
	if cfg.WebhookURL != "" {
		generationService.WithNotifier(webhook.NewNotifier(cfg.WebhookURL, cfg.WebhookSecret))
		log.Info().Str("url", cfg.WebhookURL).Msg("Generation webhook enabled")
	}
	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopicEvents, cfg.KafkaConsumerGroup, generationService)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Kafka consumer error")
		}
	}()

	log.Info().
		Strs("brokers", cfg.KafkaBrokers).
		Str("topic", cfg.KafkaTopicEvents).
		Msg("Worker started, consuming generation events...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	}

	log.Info().Msg("Shutting down worker...")
	cancel()
	<-done

	if err := consumer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Kafka consumer")
	}

	log.Info().Msg("Worker exited")
}
