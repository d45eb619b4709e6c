package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/flexerosint/flexer-osint/cmd/internal/app"
	"github.com/flexerosint/flexer-osint/cmd/internal/deviceapp"
)

func main() {
	configPath := flag.String("config", "device.yaml", "device config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	cfg, err := deviceapp.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := deviceapp.Open(cfg, logger, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx, os.Stdin)
}
