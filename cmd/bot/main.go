package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/axekz/coinyx/app/bot"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := bot.Initialize(ctx)
	if err != nil {
		panic(err)
	}

	// Setup server
	app.SetupServer()

	// Start gateway, sweeper and server; blocks until a signal arrives
	app.Start(ctx)
}
