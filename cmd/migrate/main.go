package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/outbound-voice-bridge/internal/config"
	"github.com/acme/outbound-voice-bridge/internal/infra/db"
	"github.com/acme/outbound-voice-bridge/internal/migrations"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] up|down|status\n", os.Args[0])
	}
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "up"
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pg.Close(context.Background())

	sqlDB := pg.DB().DB
	switch command {
	case "up":
		err = migrations.Up(ctx, sqlDB)
	case "down":
		err = migrations.Down(ctx, sqlDB)
	case "status":
		err = migrations.Status(ctx, sqlDB)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", command, err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
