package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"reminder-engine/internal/clock"
	"reminder-engine/internal/config"
	"reminder-engine/internal/dispatch"
	"reminder-engine/internal/handlers"
	"reminder-engine/internal/scheduler"
	"reminder-engine/internal/sink"
	"reminder-engine/internal/storage"
)

func main() {
	storageType := flag.String("storage", "memory", "storage backend to use: memory, file, sqlite, or mongo")
	sinkType := flag.String("sink", "log", "delivery sink to use: log, webhook, smtp, or twilio")
	addr := flag.String("addr", "", "listen address (overrides PORT)")
	tick := flag.Duration("tick", 5*time.Second, "scheduler polling interval")
	batch := flag.Int("batch", 50, "max reminders claimed per tick")
	reclaimAfter := flag.Duration("reclaim-after", 2*time.Minute, "recovery timeout for stuck claims")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, or error")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET is required")
	}

	clk := clock.Real()

	var store storage.Store
	switch *storageType {
	case "memory":
		log.Info().Msg("using memory storage")
		store = storage.NewMemoryStore(clk)
	case "file":
		log.Info().Msg("using file storage")
		store = storage.NewFileStore("reminders.json", clk)
	case "sqlite":
		log.Info().Str("path", cfg.SQLitePath).Msg("using sqlite storage")
		store, err = storage.NewSQLiteStore(cfg.SQLitePath, clk)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize sqlite storage")
		}
	case "mongo":
		log.Info().Str("uri", cfg.MongoURI).Str("db", cfg.MongoDB).Msg("using mongodb storage")
		store, err = storage.NewMongoStore(cfg.MongoURI, cfg.MongoDB, clk)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize mongodb storage")
		}
	default:
		log.Fatal().Str("storage", *storageType).Msg("invalid storage type, valid options are: memory, file, sqlite, mongo")
	}
	defer store.Close()

	var snk dispatch.Sink
	switch *sinkType {
	case "log":
		snk = sink.NewLog(log)
	case "webhook":
		if cfg.WebhookURL == "" {
			log.Fatal().Msg("WEBHOOK_URL is required for the webhook sink")
		}
		snk = sink.NewWebhook(cfg.WebhookURL)
	case "smtp":
		if cfg.SMTPHost == "" || cfg.SMTPFrom == "" {
			log.Fatal().Msg("SMTP_HOST and SMTP_FROM are required for the smtp sink")
		}
		snk = sink.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
	case "twilio":
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
			log.Fatal().Msg("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required for the twilio sink")
		}
		snk = sink.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom)
	default:
		log.Fatal().Str("sink", *sinkType).Msg("invalid sink type, valid options are: log, webhook, smtp, twilio")
	}

	disp := dispatch.New(snk, dispatch.DefaultSendTimeout, dispatch.DefaultPolicy(), log)
	sched := scheduler.New(store, disp, clk, scheduler.Config{
		TickInterval: *tick,
		BatchLimit:   *batch,
		ReclaimAfter: *reclaimAfter,
	}, log)
	sched.Start()

	handlers.Store = store
	handlers.Clock = clk
	handlers.Log = log

	listen := *addr
	if listen == "" {
		listen = ":" + cfg.Port
	}
	srv := &http.Server{
		Addr:    listen,
		Handler: handlers.Router([]byte(cfg.JWTSecret)),
	}

	go func() {
		log.Info().Str("addr", listen).Msg("starting reminder engine")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("could not start HTTP server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("failed to shut down HTTP server cleanly")
	}
	sched.Stop()
}
