package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/schoolsignal-dev/schoolsignal/db"
	"github.com/schoolsignal-dev/schoolsignal/internal/acks"
	"github.com/schoolsignal-dev/schoolsignal/internal/audit"
	"github.com/schoolsignal-dev/schoolsignal/internal/auth"
	"github.com/schoolsignal-dev/schoolsignal/internal/config"
	"github.com/schoolsignal-dev/schoolsignal/internal/escalation"
	"github.com/schoolsignal-dev/schoolsignal/internal/gateway"
	"github.com/schoolsignal-dev/schoolsignal/internal/handlers"
	"github.com/schoolsignal-dev/schoolsignal/internal/offline"
	"github.com/schoolsignal-dev/schoolsignal/internal/queue"
	"github.com/schoolsignal-dev/schoolsignal/internal/router"
	"github.com/schoolsignal-dev/schoolsignal/internal/storage"
	"github.com/schoolsignal-dev/schoolsignal/internal/visibility"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file loaded")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}
	logger := log.Logger

	if err := auth.InitJWTSecret(); err != nil {
		logger.Fatal().Err(err).Msg("JWT secret not configured")
	}

	policy := config.Default()
	if path := os.Getenv("POLICY_FILE"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			logger.Fatal().Str("path", path).Err(err).Msg("Failed to load policy file")
		}
		policy = loaded
	}

	if err := db.ConnectDatabase(os.Getenv("DATABASE_URL")); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if err := db.MigrateDatabase(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate database")
	}

	store := storage.New(db.DB)

	senders := []gateway.Sender{
		gateway.NewChatSender(os.Getenv("CHAT_WEBHOOK_URL")),
		gateway.NewSMSSender(logger),
		gateway.NewEmailSender(logger, os.Getenv("EMAIL_FROM")),
		gateway.NewVoiceSender(logger),
	}
	gw := gateway.New(logger, policy.GatewayTimeout.Std(), policy.ChannelRatesPerSec, senders...)

	var sink audit.Sink = audit.NewLogSink(logger)
	if url := os.Getenv("AMQP_URL"); url != "" {
		amqpSink, err := audit.NewAMQPSink(logger, url)
		if err != nil {
			logger.Warn().Err(err).Msg("Audit broker unavailable, falling back to log sink")
		} else {
			defer amqpSink.Close()
			sink = amqpSink
		}
	}

	var cache acks.Cache = acks.NoOpCache{}
	if url := os.Getenv("REDIS_URL"); url != "" {
		redisCache, err := acks.NewRedisCache(url)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, ack claims use the database only")
		} else {
			cache = redisCache
		}
	}

	q := queue.New(logger, store, gw, policy)
	tracker := acks.NewTracker(logger, store, cache)
	controller := escalation.NewController(logger, store, q, tracker, policy, sink)
	controller.SetBroadcaster(func(schoolID uint, casePublicID string) {
		handlers.BroadcastCaseUpdate(strconv.FormatUint(uint64(schoolID), 10), casePublicID)
	})

	if err := controller.Restore(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to restore active cases")
	}

	var buffer *offline.Buffer
	if path := os.Getenv("OFFLINE_BUFFER_PATH"); path != "" {
		b, err := offline.Open(logger, path)
		if err != nil {
			logger.Fatal().Str("path", path).Err(err).Msg("Failed to open offline buffer")
		}
		defer b.Close()
		buffer = b
	}

	handlers.Init(handlers.Deps{
		Controller:    controller,
		Dispatch:      q,
		Gate:          visibility.NewGate(policy),
		Tracker:       tracker,
		Policy:        policy,
		Audit:         sink,
		OfflineBuffer: buffer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q.Start(ctx)
	go controller.Run(ctx)

	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
		logger.Info().Msg("PORT not set, defaulting to 3000")
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router.NewRouter(),
	}

	go func() {
		logger.Info().Str("port", port).Msg("SchoolSignal listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
}
