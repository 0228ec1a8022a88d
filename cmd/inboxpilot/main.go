package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/inboxpilot/inboxpilot/internal/calendar"
	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/config"
	"github.com/inboxpilot/inboxpilot/internal/conversation"
	"github.com/inboxpilot/inboxpilot/internal/followup"
	"github.com/inboxpilot/inboxpilot/internal/lead"
	"github.com/inboxpilot/inboxpilot/internal/llm"
	"github.com/inboxpilot/inboxpilot/internal/mailer"
	"github.com/inboxpilot/inboxpilot/internal/meeting"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/ops"
	"github.com/inboxpilot/inboxpilot/internal/pipeline"
	"github.com/inboxpilot/inboxpilot/internal/poller"
	"github.com/inboxpilot/inboxpilot/internal/ratelimit"
	"github.com/inboxpilot/inboxpilot/internal/scheduler"
	"github.com/inboxpilot/inboxpilot/internal/secret"
	"github.com/inboxpilot/inboxpilot/internal/store/postgres"
	"github.com/inboxpilot/inboxpilot/internal/token"
	"github.com/inboxpilot/inboxpilot/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	// Database
	db, err := postgres.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := postgres.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Stores
	userStore := postgres.NewUserStore(db)
	accountStore := postgres.NewAccountStore(db)
	calendarProviderStore := postgres.NewCalendarProviderStore(db)
	emailStore := postgres.NewEmailStore(db)
	intentStore := postgres.NewIntentStore(db)
	knowledgeStore := postgres.NewKnowledgeStore(db)
	followUpStore := postgres.NewFollowUpStore(db)
	calendarEventStore := postgres.NewCalendarEventStore(db)
	leadStore := postgres.NewLeadStore(db)

	box, err := secret.NewBox(cfg.EncryptionKey)
	if err != nil {
		logger.Error("failed to init credential encryption", "error", err)
		os.Exit(1)
	}

	clk := clock.System{}

	// External adapters
	mailLimiter := ratelimit.NewLimiter(cfg.MailRateRPS, cfg.MailRateBurst)
	calendarLimiter := ratelimit.NewLimiter(cfg.CalendarRateRPS, 1)

	registry := mailer.NewRegistry()
	registry.Register(models.AccountGmail, mailer.NewGmailProvider(mailLimiter, clk, logger))
	imapProvider := mailer.NewIMAPProvider(box, mailLimiter, clk, logger)
	registry.Register(models.AccountOutlook, imapProvider)
	registry.Register(models.AccountIMAPSMTP, imapProvider)

	googleCalendar := calendar.NewGoogleProvider(calendarLimiter, logger)

	refresher := token.NewOAuthRefresher(
		cfg.GoogleClientID, cfg.GoogleClientSecret,
		cfg.MicrosoftClientID, cfg.MicrosoftClientSecret)
	tokens := token.NewManager(accountStore, calendarProviderStore, refresher, clk, logger)

	llmClient := llm.NewClient(cfg.LLMAPIURL, cfg.LLMAPIKey, cfg.LLMModel,
		time.Duration(cfg.LLMTimeoutSec)*time.Second, logger)
	intelligence := llm.NewService(llmClient, clk)

	// Domain services
	conversations := conversation.NewService(emailStore, followUpStore, logger)
	leads := lead.NewService(leadStore, intelligence, clk, logger)
	meetings := meeting.NewService(calendarProviderStore, calendarEventStore, emailStore,
		accountStore, tokens, googleCalendar, registry, clk, logger)
	followUps := followup.NewService(followUpStore, emailStore, accountStore,
		tokens, registry, clk, logger)
	pipe := pipeline.NewService(pipeline.Config{
		MeetingConfidence: cfg.MeetingConfidenceThreshold,
		MaxDraftRetries:   cfg.MaxDraftRetries,
	}, emailStore, intentStore, knowledgeStore, followUpStore,
		accountStore, userStore, intelligence, meetings, leads, conversations,
		tokens, registry, clk, logger)

	sched := scheduler.New(scheduler.Config{
		PollInterval:          time.Duration(cfg.PollIntervalSec) * time.Second,
		FollowUpCheckInterval: time.Duration(cfg.FollowUpCheckIntervalSec) * time.Second,
		ReminderCheckInterval: time.Duration(cfg.ReminderCheckIntervalSec) * time.Second,
		JobDeadline:           time.Duration(cfg.JobDeadlineSec) * time.Second,
		PoolSize:              cfg.WorkerPoolSize,
	}, accountStore, nil, pipe, followUps, meetings, clk, logger)

	mailPoller := poller.New(accountStore, emailStore, tokens, registry,
		conversations, sched, cfg.MaxFetchPerPoll, clk, logger)
	sched.SetPoller(mailPoller)

	// Ops HTTP listener
	opsServer := ops.NewServer(db, accountStore, logger)
	httpSrv := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      opsServer.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("ops listener starting", "addr", cfg.OpsAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops listener error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("inboxpilot starting")
	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("scheduler error", "error", err)
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops shutdown error", "error", err)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
