// Command ftpd runs the FTP server from a YAML configuration file.
//
// Usage:
//
//	ftpd --config /etc/ftpd.yaml
//
// The server stops cleanly on SIGINT or SIGTERM.
package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/gonzalop/ftpd/internal/auth"
	"github.com/gonzalop/ftpd/internal/config"
	"github.com/gonzalop/ftpd/internal/metrics"
	"github.com/gonzalop/ftpd/server"
)

func main() {
	configPath := pflag.StringP("config", "c", "/etc/ftpd.yaml", "path to the configuration file")
	checkOnly := pflag.Bool("check", false, "validate the configuration and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *checkOnly {
		fmt.Println("configuration OK")
		return
	}

	logger := newLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func newBackend(cfg *config.Config) (auth.Backend, error) {
	if cfg.AuthBackend == config.BackendPAM {
		return auth.NewPAMBackend(cfg.PAMService, cfg.PAMHomeBase)
	}

	users := make([]auth.User, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		user := auth.User{
			Name:     u.Name,
			Password: u.Password,
			Home:     u.Home,
			ReadOnly: u.ReadOnly,
			OwnerUID: -1,
			OwnerGID: -1,
		}
		if u.OwnerUID != nil {
			user.OwnerUID = *u.OwnerUID
			user.OwnerGID = *u.OwnerGID
		}
		users = append(users, user)
	}
	return auth.NewLocalBackend(users)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	gate := auth.NewGate(backend, cfg.BruteforceThreshold, cfg.BruteforceCooldown())

	options := []server.Option{
		server.WithDriver(server.NewFSDriver()),
		server.WithAuthGate(gate),
		server.WithLogger(logger),
		server.WithMaxIdleTime(cfg.IdleTimeout()),
		server.WithMaxConnections(cfg.MaxSessions, cfg.MaxPerIP),
		server.WithPassivePortRange(cfg.PassivePortLo, cfg.PassivePortHi),
		server.WithBandwidthLimits(cfg.BandwidthGlobal, cfg.BandwidthPerUser),
	}

	if cfg.NATIP != "" {
		options = append(options, server.WithNATIP(cfg.NATIP))
	}
	if cfg.WelcomeMessage != "" {
		options = append(options, server.WithWelcomeMessage(cfg.WelcomeMessage))
	}
	if cfg.EnableIPv6 {
		addr6 := cfg.ListenIPv6
		if addr6 == "" {
			addr6 = fmt.Sprintf("[::]:%d", cfg.ControlPort)
		}
		options = append(options, server.WithIPv6(addr6))
	}

	if cfg.TLSCertPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		options = append(options, server.WithTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}))
		options = append(options, server.WithForceTLS(cfg.ForceTLS))
	}

	if cfg.XferLogPath != "" {
		f, err := os.OpenFile(cfg.XferLogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open xferlog: %w", err)
		}
		defer f.Close()
		options = append(options, server.WithTransferLog(f))
	}

	if cfg.MetricsAddr != "" {
		collector := metrics.NewCollector()
		options = append(options, server.WithMetrics(collector))
		go serveMetrics(cfg.MetricsAddr, collector, logger)
	}

	addr := net.JoinHostPort(cfg.ListenIPv4, fmt.Sprintf("%d", cfg.ControlPort))
	srv, err := server.NewServer(addr, options...)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting_down", "signal", sig.String())
		if err := srv.Shutdown(); err != nil {
			logger.Warn("shutdown_errors", "error", err)
		}
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
		}
		return nil
	}
}

func serveMetrics(addr string, collector *metrics.Collector, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	logger.Info("metrics_listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics_server_failed", "error", err)
	}
}
