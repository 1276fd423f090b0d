package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/infodancer/auth"
	_ "github.com/infodancer/auth/passwd" // Register passwd auth backend
	"github.com/infodancer/msgstore"
	_ "github.com/infodancer/msgstore/maildir" // Register maildir storage backend
	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/auth/domain"
	"github.com/infodancer/smtpd/internal/filter"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/smtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(2)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	// Create logger
	logger := logging.NewLogger(cfg.LogLevel)

	// Load TLS configuration if certificates are specified
	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
		logger.Info("TLS configured",
			slog.String("cert", cfg.TLS.CertFile),
			slog.String("min_version", cfg.TLS.MinVersion))
	}

	// Set up metrics collector
	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	// Create delivery agent if configured
	var delivery msgstore.DeliveryAgent
	if cfg.Delivery.Type != "" {
		storeConfig := msgstore.StoreConfig{
			Type:     cfg.Delivery.Type,
			BasePath: cfg.Delivery.BasePath,
			Options:  cfg.Delivery.Options,
		}
		store, err := msgstore.Open(storeConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating delivery agent: %v\n", err)
			os.Exit(1)
		}
		delivery = store
		logger.Info("delivery enabled", "type", cfg.Delivery.Type, "path", cfg.Delivery.BasePath)
	}

	// Create authentication agent if configured
	var authAgent auth.AuthenticationAgent
	if cfg.Auth.IsEnabled() {
		agentConfig := auth.AuthAgentConfig{
			Type:              cfg.Auth.AgentType,
			CredentialBackend: cfg.Auth.CredentialBackend,
			KeyBackend:        cfg.Auth.KeyBackend,
			Options:           cfg.Auth.Options,
		}
		authAgent, err = auth.OpenAuthAgent(agentConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating authentication agent: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if err := authAgent.Close(); err != nil {
				logger.Error("error closing auth agent", "error", err)
			}
		}()
		logger.Info("authentication enabled", "type", cfg.Auth.AgentType)
	}

	// Create domain provider if configured
	var domainProvider domain.DomainProvider
	if cfg.DomainsPath != "" {
		domainProvider = domain.NewFilesystemDomainProvider(cfg.DomainsPath, logger)
		defer func() {
			if err := domainProvider.Close(); err != nil {
				logger.Error("error closing domain provider", "error", err)
			}
		}()
		logger.Info("domain provider enabled", "path", cfg.DomainsPath)
	}

	authRouter := domain.NewAuthRouter(domainProvider, authAgent)

	// Temp files live alongside the mail store so a successful delivery can
	// rename rather than copy.
	var tempDir string
	if cfg.Delivery.BasePath != "" {
		tempDir = filepath.Join(cfg.Delivery.BasePath, "tmp")
	}

	filterDispatcher := createFilterDispatcher(cfg, logger)

	// Create the go-smtp backend
	backend := smtp.NewBackend(smtp.BackendConfig{
		Hostname:       cfg.Hostname,
		Delivery:       delivery,
		AuthAgent:      authAgent,
		AuthRouter:     authRouter,
		DomainProvider: domainProvider,
		Filter:         filterDispatcher,
		Collector:      collector,
		MaxRecipients:  cfg.Limits.MaxRecipients,
		MaxMessageSize: int64(cfg.Limits.MaxMessageSize),
		TempDir:        tempDir,
		Logger:         logger,
	})

	// Create the multi-mode server
	srv, err := smtp.NewServer(smtp.ServerConfig{
		Backend:        backend,
		Listeners:      cfg.Listeners,
		Hostname:       cfg.Hostname,
		TLSConfig:      tlsConfig,
		ReadTimeout:    cfg.Timeouts.ConnectionTimeout(),
		WriteTimeout:   cfg.Timeouts.ConnectionTimeout(),
		MaxMessageSize: cfg.Limits.MaxMessageSize,
		MaxRecipients:  cfg.Limits.MaxRecipients,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}

	// Set up context with signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	// Start metrics server if enabled
	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	logger.Info("starting smtpd", "hostname", cfg.Hostname, "listeners", len(cfg.Listeners))

	// Run the server
	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// createFilterDispatcher creates the data-phase content-filter dispatcher
// from the configuration. A Redis-backed health tracker is attached when
// filter.redis_addr is set; otherwise filter health just isn't tracked
// across restarts.
func createFilterDispatcher(cfg config.Config, logger *slog.Logger) *filter.Dispatcher {
	var health *filter.HealthTracker
	if cfg.Filter.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Filter.RedisAddr})
		health = filter.NewHealthTracker(rdb)
		logger.Info("filter health tracking enabled", "redis_addr", cfg.Filter.RedisAddr)
	}

	fcfg := filter.Config{
		Type:      filter.Type(cfg.Filter.Type),
		Command:   cfg.Filter.Command,
		Reject:    cfg.Filter.RejectLine(),
		Timeout:   cfg.Filter.TimeoutDuration(),
		Directory: cfg.Filter.Directory,
		Header:    cfg.Filter.Header,
	}
	if fcfg.Type != "" {
		logger.Info("content filter enabled", "type", fcfg.Type, "command", fcfg.Command)
	}
	return filter.NewDispatcher(fcfg, logger, health)
}
