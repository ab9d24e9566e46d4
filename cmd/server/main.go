package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/engine/internal/app"
	"github.com/vdavid/vmail/engine/internal/config"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := configureLogging(cfg); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer engine.Close()

	log.Printf("Successfully connected to database")

	if err := engine.Run(ctx, ":"+cfg.Port); err != nil {
		log.Errorf("Engine stopped: %v", err)
		return
	}
	log.Printf("Engine stopped")
}

// configureLogging sets the logrus level and switches to JSON output
// outside development.
func configureLogging(cfg *config.Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	if cfg.Environment == "development" || cfg.Environment == "test" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}
