package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	tele "gopkg.in/telebot.v3"

	"subgate/internal/access"
	"subgate/internal/cache"
	"subgate/internal/catalog"
	"subgate/internal/config"
	"subgate/internal/delivery"
	"subgate/internal/guard"
	"subgate/internal/notify"
	"subgate/internal/store"
)

func main() {
	cfg := config.Load()
	cfg.SetupLogging()

	if cfg.BotToken == "" {
		logrus.Fatal("BOT_TOKEN is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logrus.Fatalf("failed to connect to shared store: %v", err)
	}
	defer st.Close()

	cat := catalog.NewRedisCatalog(st)
	registry := access.NewRegistry(st, cat, cfg.AdminConfigPath, cfg.AccessSnapshotPath)
	accessCache := cache.New(registry, st, cfg.CacheTTL, cfg.CacheSweepInterval)

	bot, err := tele.NewBot(delivery.BotSettings(cfg.BotToken, &tele.LongPoller{Timeout: 10 * time.Second}))
	if err != nil {
		logrus.Fatalf("failed to start bot: %v", err)
	}

	// Trigger middleware goes first: the failsafe must win over everything.
	bot.Use(guard.Trigger(accessCache))
	bot.Use(guard.Access(accessCache))

	bot.Handle("/start", func(tc tele.Context) error {
		return tc.Send("Привет! Подписка активна, бот к вашим услугам.")
	})
	bot.Handle(tele.OnText, func(tc tele.Context) error {
		return tc.Send("Команда не распознана. Напишите /start.")
	})

	dispatcher := notify.NewDispatcher(st)
	sender := delivery.NewTelegramSender(bot)
	worker := delivery.NewWorker(st, cat, sender, dispatcher, registry)

	go accessCache.Run(ctx)
	go worker.Run(ctx)
	go bot.Start()

	logrus.Info("bot process running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logrus.Info("shutting down...")
	cancel()
	bot.Stop()
}
