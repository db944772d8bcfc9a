package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"openfms/rpcproxy/internal/config"
	"openfms/rpcproxy/internal/filters/router"
	"openfms/rpcproxy/internal/logger"
	"openfms/rpcproxy/internal/presence"
	"openfms/rpcproxy/internal/server"
)

func serveCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML configuration file (environment only when empty)")
	return cmd
}

func serve(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	log := logrus.WithField("proxy_id", cfg.Proxy.ID)
	log.WithField("listen", cfg.Proxy.ListenAddr).Info("starting rpcproxy")

	var tracker *presence.Tracker
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		log.Info("connected to redis")
		tracker = presence.NewTracker(redisClient, cfg.Proxy.ID, cfg.Redis.TTL())
	}

	natsConn, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats %s: %w", cfg.NATS.URL, err)
	}
	defer natsConn.Close()
	log.Info("connected to nats")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := server.NewTCPServer(cfg, router.NewNATSUpstream(natsConn), tracker, registry)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	log.Info("server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	srv.Stop()
	log.Info("server stopped")
	return nil
}
