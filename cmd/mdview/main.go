// mdview serves a live view of a markdown directory: a browser UI fed
// over WebSocket, plus an MCP surface for automation agents.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdview/mdview/pkg/api"
	"github.com/mdview/mdview/pkg/bus"
	"github.com/mdview/mdview/pkg/config"
	"github.com/mdview/mdview/pkg/logger"
	"github.com/mdview/mdview/pkg/watch"
	"github.com/mdview/mdview/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mdview:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		root       = flag.String("root", "", "directory to serve (overrides config)")
		host       = flag.String("host", "", "listen host (overrides config)")
		port       = flag.Int("port", 0, "listen port (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *root != "" {
		cfg.Root = *root
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := bus.New(
		bus.WithQueueSize(cfg.QueueSize),
		bus.WithReplaySize(cfg.ReplaySize),
	)

	watcher, err := watch.New(cfg.Root, eventBus)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Close()

	webFS, err := web.Static()
	if err != nil {
		return fmt.Errorf("load embedded UI: %w", err)
	}

	server := api.NewServer(cfg, eventBus, watcher, webFS)
	if err := server.Start(ctx); err != nil {
		return err
	}

	logger.InfoCF("main", "mdview ready", map[string]interface{}{
		"url": fmt.Sprintf("http://%s/", cfg.Addr()),
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.InfoC("main", "Shutting down")
	cancel()
	return server.Stop()
}
