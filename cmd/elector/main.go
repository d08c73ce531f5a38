package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	config "leaderelect/configs"
	"leaderelect/pkg/agent"
	"leaderelect/pkg/api"
	"leaderelect/pkg/coordination"
	"leaderelect/pkg/coordination/etcd"
	"leaderelect/pkg/election"
	"leaderelect/pkg/logger"
	tracing "leaderelect/pkg/observability"
)

const serviceName = "leaderelect"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "elector:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadConfig()

	logCfg := logger.DefaultConfig(serviceName)
	logCfg.Level = cfg.LogLevel
	logCfg.Encoding = cfg.LogEncoding
	log, err := logger.Init(logCfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Enabled = cfg.TracingEnabled
	traceCfg.Endpoint = cfg.TracingEndpoint
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	candidate := election.NewCandidate()
	log.Info("Starting elector",
		zap.String("candidate", candidate.ID),
		zap.Strings("endpoints", cfg.Endpoints),
		zap.String("namespace", cfg.Namespace),
		zap.Duration("session_timeout", cfg.SessionTimeout),
		zap.Bool("rejoin", cfg.Rejoin),
	)

	a := agent.New(agent.Config{
		Connector: func(ctx context.Context) (coordination.Session, error) {
			sess, err := etcd.Connect(ctx, etcd.Config{
				Endpoints:      cfg.Endpoints,
				DialTimeout:    cfg.DialTimeout,
				SessionTimeout: cfg.SessionTimeout,
				Logger:         logger.Named("etcd"),
			})
			if err != nil {
				return nil, err
			}
			return sess, nil
		},
		Namespace:         cfg.Namespace,
		Prefix:            cfg.MarkerPrefix,
		Payload:           candidate.Payload(),
		CreateNamespace:   cfg.CreateNamespace,
		Rejoin:            cfg.Rejoin,
		RejoinDelay:       cfg.RejoinDelay,
		RejoinMaxFailures: cfg.RejoinMaxFailures,
		Logger:            logger.Named("agent"),
	})

	if cfg.StatusPort != "" {
		gin.SetMode(gin.ReleaseMode)
		srv := api.NewServer(api.Config{
			Port:        cfg.StatusPort,
			ServiceName: serviceName,
			Source:      a,
			Logger:      logger.Named("api"),
		})
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("Status server failed", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if err := a.Run(ctx); err != nil {
		log.Error("Election failed", zap.Error(err))
		return err
	}
	log.Info("Shutdown complete")
	return nil
}
