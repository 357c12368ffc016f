package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/callserver/internal/banner"
	"github.com/sebas/callserver/internal/callserver/app"
	"github.com/sebas/callserver/internal/callserver/config"
	"github.com/sebas/callserver/internal/callserver/drain"
	"github.com/sebas/callserver/internal/logger"
)

var version = "dev"

func main() {
	cfg := config.Load()

	// sipgo logs JSON lines; reformat them to match ours.
	logger.InitLogger(logger.NewSipgoWriter(os.Stdout))
	logger.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	printBanner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := app.NewServer(ctx, cfg)
	if err != nil {
		slog.Error("Failed to create call server", "error", err)
		os.Exit(1)
	}
	defer server.Close()

	run(ctx, cancel, server, cfg)
}

func run(ctx context.Context, cancel context.CancelFunc, server *app.CallServer, cfg *config.Config) {
	slog.Info("Starting call server",
		"port", cfg.Port,
		"api", cfg.APIAddr,
		"media_nodes", len(cfg.MediaNodes),
		"log_level", logger.GetLevel(),
	)
	logNetworkInterfaces()

	go func() {
		if err := server.Start(ctx); err != nil {
			slog.Error("Server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		slog.Info("Received signal, draining", "signal", sig)
	case <-ctx.Done():
		return
	}

	// A second signal skips the graceful drain.
	drainCtx, stop := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer stop()
	go func() {
		select {
		case sig := <-sigChan:
			slog.Warn("Received second signal, shutting down now", "signal", sig)
			stop()
		case <-drainCtx.Done():
		}
	}()
	if err := server.Drain(drainCtx, drain.ModeGraceful); err != nil {
		slog.Warn("Drain did not complete", "error", err)
	}
	cancel()
}

func printBanner(cfg *config.Config) {
	events := "local"
	if cfg.NATSURL != "" {
		events = "local+nats (" + cfg.NATSStream + ")"
	}
	history := "memory"
	if cfg.DatabaseURL != "" {
		history = "postgres"
	}
	banner.Print(os.Stdout, version, []banner.Line{
		{Label: "Instance", Value: cfg.InstanceID},
		{Label: "SIP", Value: fmt.Sprintf("%s:%d (advertise %s)", cfg.BindAddr, cfg.Port, cfg.AdvertiseAddr)},
		{Label: "API", Value: cfg.APIAddr},
		{Label: "Media nodes", Value: fmt.Sprintf("%d", len(cfg.MediaNodes))},
		{Label: "App hook", Value: cfg.AppHook},
		{Label: "Status hook", Value: cfg.StatusHook},
		{Label: "Events", Value: events},
		{Label: "History", Value: history},
		{Label: "Trunk", Value: cfg.OutboundTrunk},
	})
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
