package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"jirasync.io/internal/app"
	"jirasync.io/internal/config"
	"jirasync.io/internal/httpapi"
	"jirasync.io/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const readinessEvery = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("JIRASYNC_CONFIG"), "path to YAML config")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}
	obs.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, version)
	if err != nil {
		log.Fatal("build service", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("close", zap.Error(err))
		}
	}()

	probe := httpapi.ReadyProbe{DB: a.DB}
	api := httpapi.New(httpapi.Deps{
		Engine:      a.Engine,
		Tokens:      a.Tokens,
		Tasks:       a.Tasks,
		Recorder:    a.Recorder,
		Stream:      a.Stream,
		Signer:      a.Signer,
		Ready:       probe,
		Version:     version,
		CORSOrigins: cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Event streams stay open, so writes are not bounded here.
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http listen", zap.Error(err))
			stop()
		}
	}()

	health := httpapi.NewGRPCServer(probe, version)
	gs := grpc.NewServer()
	health.Register(gs)
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal("grpc listen", zap.Error(err))
		}
		go func() {
			log.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error("grpc serve", zap.Error(err))
				stop()
			}
		}()
		go refreshReadiness(ctx, health)
	}

	go a.Scheduler.Run(ctx)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	gs.GracefulStop()
	log.Info("stopped")
}

func refreshReadiness(ctx context.Context, h *httpapi.GRPCServer) {
	ticker := time.NewTicker(readinessEvery)
	defer ticker.Stop()
	for {
		h.Refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
