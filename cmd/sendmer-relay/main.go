package main

import (
	"context"
	"fmt"
	"os"
	"time"

	kardianos "github.com/kardianos/service"

	"github.com/bruceblink/sendmer/internal/config"
	"github.com/bruceblink/sendmer/internal/relay"
	"github.com/bruceblink/sendmer/pkg/logger"
)

const shutdownGrace = 5 * time.Second

// daemon adapts the relay server to the service manager's lifecycle.
type daemon struct {
	cfg *config.Config
	srv *relay.Server
}

// kardianos.Interface implementation
func (d *daemon) Start(s kardianos.Service) error {
	go func() {
		addr := ":" + d.cfg.RelayPort()
		if err := d.srv.Run(addr); err != nil {
			logger.Log.Error("Relay server failed", "err", err)
		}
	}()
	return nil
}

func (d *daemon) Stop(s kardianos.Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return d.srv.Shutdown(ctx)
}

func newService(d *daemon) (kardianos.Service, error) {
	return kardianos.New(d, &kardianos.Config{
		Name:        "sendmer-relay",
		DisplayName: "Sendmer Relay Server",
		Description: "Rendezvous and relay server for sendmer transfers",
	})
}

func main() {
	cfg := config.New()
	logger.Init(cfg.LogFile(), cfg.LogLevel(), true)

	d := &daemon{cfg: cfg, srv: relay.NewServer()}
	svc, err := newService(d)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "install":
			if err := svc.Install(); err != nil {
				logger.Log.Error("Install failed", "err", err)
				os.Exit(1)
			}
			if err := svc.Start(); err != nil {
				logger.Log.Error("Failed to start service after install", "err", err)
				os.Exit(1)
			}
			logger.Log.Info("Service installed")
			return
		case "uninstall":
			_ = svc.Stop()
			if err := svc.Uninstall(); err != nil {
				logger.Log.Error("Uninstall failed", "err", err)
				os.Exit(1)
			}
			logger.Log.Info("Service uninstalled")
			return
		}
	}

	if err := svc.Run(); err != nil {
		logger.Log.Error("Service failed", "err", err)
		os.Exit(1)
	}
}
