package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"finbot/internal/aggregation"
	"finbot/internal/backend"
	"finbot/internal/bot"
	"finbot/internal/cache"
	"finbot/internal/cli"
	"finbot/internal/config"
	"finbot/internal/conversation"
	apphttp "finbot/internal/http"
	"finbot/internal/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, logger := cli.LoadConfig(log.ComponentApp, (*config.Config).ValidateBot)

	if err := run(cfg, logger); err != nil {
		logger.Error("finbot stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("finbot stopped gracefully")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := cli.SignalContext(logger)
	defer stop()

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	res, err := backend.NewOpener(logger).Open(ctx, backendCfg)
	if err != nil {
		return err
	}
	// Runs after every goroutine below has returned.
	defer func() {
		if err := res.Close(); err != nil {
			logger.Error("Backend cleanup failed", log.FieldOperation, log.OpShutdown, log.FieldError, err)
		}
	}()

	reports := aggregation.NewService(res.Service, logger)
	res.Service.OnCommit(reports.Invalidate)

	engine := conversation.NewEngine(res.Service, conversation.Config{
		SessionTTL: cfg.SessionTTL,
		Logger:     logger,
	})

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return err
	}
	logger.Info("Authorized on Telegram", "bot", api.Self.UserName)

	tg := bot.New(api, engine, reports, bot.Config{
		HistoryLimit: cfg.HistoryLimit,
		Logger:       logger,
	})

	caches := cache.NewManager(logger)
	caches.Register("sessions", engine)
	caches.Register("category_totals", reports)

	var webhook apphttp.UpdateHandler
	if cfg.TelegramWebhookURL != "" {
		if err := bot.SetWebhook(api, cfg.TelegramWebhookURL, cfg.TelegramWebhookSecret); err != nil {
			return err
		}
		webhook = tg
	}

	srv := apphttp.NewServer(":"+cfg.Port, webhook, reports, apphttp.Options{
		WebhookSecret: cfg.TelegramWebhookSecret,
		APIToken:      cfg.HTTPAPIToken,
		Logger:        logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return caches.Run(gctx, cfg.SessionSweepInterval)
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", "port", cfg.Port, log.FieldBackend, backendCfg.Type.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", log.FieldOperation, log.OpShutdown)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if webhook == nil {
		g.Go(func() error {
			logger.Info("Receiving updates by long polling")
			return bot.Poll(gctx, api, tg)
		})
	} else {
		logger.Info("Receiving updates by webhook", "url", cfg.TelegramWebhookURL)
	}

	return g.Wait()
}
