// Package main runs the SignFlow HTTP API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/SignFlow/internal/api"
	"github.com/dharsanguruparan/SignFlow/internal/app"
	"github.com/dharsanguruparan/SignFlow/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	a, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer a.Close()

	srv := api.New(api.Options{
		Address: cfg.Address,
		// base64 inflates by 4/3, leave room for the JSON envelope
		MaxBodyBytes: int64(cfg.MaxSignatureBytes)*4/3 + 64<<10,
	}, a.Service)
	if err := srv.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
