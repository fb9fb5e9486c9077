package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tubewatch/internal/app"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file (YAML or JSON)")
	flag.Parse()

	// Optional .env for secrets like TUBEWATCH_WEBHOOK_URL.
	_ = godotenv.Load()

	a, err := app.New(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tubewatch: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tubewatch: %v\n", err)
		_ = a.Stop(context.Background())
		os.Exit(1)
	}

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "tubewatch: shutdown: %v\n", err)
		os.Exit(1)
	}
}
