// Command syncnode runs a long-lived sync node: it listens for peers,
// imports the documents named in its config, and keeps them in sync.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	ouroborossync "github.com/i5heu/ouroboros-sync"
	"github.com/i5heu/ouroboros-sync/internal/config"
	"github.com/i5heu/ouroboros-sync/pkg/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		logging.Default().Error("load config failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug || conf.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := logging.New(level)

	node, err := ouroborossync.New(ouroborossync.Config{
		Paths:           []string{conf.DataPath},
		MinimumFreeGB:   conf.MinimumFreeGB,
		Logger:          logger,
		ListenAddr:      conf.ListenAddr,
		GCInterval:      conf.GCInterval,
		SyncTimeout:     conf.SyncTimeout,
		DownloadTimeout: conf.DownloadTimeout,
		DownloadWorkers: conf.DownloadWorkers,
	})
	if err != nil {
		logger.Error("create node failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := node.Start(ctx); err != nil {
		logger.Error("start node failed", "error", err)
		os.Exit(1)
	}

	for _, t := range conf.Documents {
		doc, err := node.ImportTicket(ctx, t)
		if err != nil {
			logger.Warn("import ticket failed", "error", err)
			continue
		}
		logger.Info("document joined", "namespace", doc.ID().String())
	}

	if err := node.Run(ctx); err != nil {
		logger.Error("node error", "error", err)
		os.Exit(1)
	}
}
