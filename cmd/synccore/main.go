package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/incident-core/internal/config"
	"github.com/invisible-tech/incident-core/internal/engine"
	"github.com/invisible-tech/incident-core/internal/heartbeat"
	"github.com/invisible-tech/incident-core/internal/server"
	"github.com/invisible-tech/incident-core/internal/syncqueue"
	"github.com/invisible-tech/incident-core/pkg/backend"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)

	cfg := config.DefaultCoreConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tunables := config.DefaultTunables
	if cfg.TunablesPath != "" {
		watcher, err := config.WatchTunables(cfg.TunablesPath, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to load tunables")
		}
		go watcher.Start(ctx)
		tunables = watcher.Current
	}

	queue, err := syncqueue.New(cfg.QueueJournalPath, cfg.RetryCeiling, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open sync queue")
	}

	client := backend.NewClient(backend.Config{
		Endpoint: cfg.BackendEndpoint,
		APIKey:   cfg.BackendAPIKey,
		Timeout:  cfg.BackendTimeout,
	}, log)

	eng := engine.New(cfg, client, queue, tunables, log)
	eng.Start(ctx)

	if cfg.MQTTBrokerURL != "" {
		sub := heartbeat.New(heartbeat.Config{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.MQTTTopic,
		}, eng.Health(), log)
		if err := sub.Start(ctx); err != nil {
			log.WithError(err).Warn("Heartbeat subscriber failed to start, relying on backend poll")
		} else {
			defer sub.Stop()
		}
	}

	srv := server.New(cfg, eng, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Sync core server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down sync core")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
