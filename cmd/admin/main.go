package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	tele "gopkg.in/telebot.v3"

	"subgate/internal/access"
	"subgate/internal/broadcast"
	"subgate/internal/catalog"
	"subgate/internal/config"
	"subgate/internal/delivery"
	"subgate/internal/handlers"
	"subgate/internal/monitor"
	"subgate/internal/notify"
	"subgate/internal/store"
)

func main() {
	cfg := config.Load()
	cfg.SetupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logrus.Fatalf("failed to connect to shared store: %v", err)
	}
	defer st.Close()

	cat := catalog.NewRedisCatalog(st)
	registry := access.NewRegistry(st, cat, cfg.AdminConfigPath, cfg.AccessSnapshotPath)
	if err := registry.ForceSync(ctx); err != nil {
		logrus.Warnf("initial access sync failed: %v", err)
	}

	dispatcher := notify.NewDispatcher(st)
	broadcasts := broadcast.NewManager(st)
	worker := broadcast.NewWorker(broadcasts, st, cat, dispatcher, registry)
	mon := monitor.New(st, cat, dispatcher)

	// The admin process owns the out-of-band trigger channel: revocations
	// push the trigger text straight to the user so the bot side blocks even
	// if it missed the event.
	var trigger delivery.Sender
	if cfg.BotToken != "" {
		bot, err := tele.NewBot(delivery.BotSettings(cfg.BotToken, nil))
		if err != nil {
			logrus.Warnf("trigger channel unavailable, continuing without it: %v", err)
		} else {
			trigger = delivery.NewTelegramSender(bot)
		}
	}

	go dispatcher.Run(ctx)
	go worker.Run(ctx)
	go mon.Run(ctx)

	h := handlers.New(cfg, registry, dispatcher, broadcasts, mon, trigger)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))

	h.Routes(r)
	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/api/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: r,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logrus.Infof("admin API listening on :%s", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("server failed: %v", err)
		}
	}()

	<-stop
	logrus.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("server shutdown: %v", err)
	}
}
