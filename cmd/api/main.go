package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-bridge/internal/api"
	"github.com/acme/outbound-voice-bridge/internal/api/handlers"
	"github.com/acme/outbound-voice-bridge/internal/app"
	"github.com/acme/outbound-voice-bridge/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	if addr := container.Config.App.GopsAddr; addr != "" {
		if err := agent.Listen(agent.Options{Addr: addr}); err != nil {
			container.Logger.Warn("gops agent not started", zap.Error(err))
		} else {
			defer agent.Close()
		}
	}

	shutdown, err := telemetry.Setup(ctx, container.Config.App, container.Config.Telemetry, "api")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	server := api.NewServer(container.Config.HTTP, handlers.NewHandlerSet(container))
	container.Logger.Info("api listening", zap.Int("port", container.Config.HTTP.Port))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
