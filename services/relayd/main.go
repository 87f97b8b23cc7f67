// Package relayd hosts the loan tokenization relay daemon: two chain
// connectors, the lifecycle orchestrator, and the read-only HTTP gateway.
package relayd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"loanbridge/chain"
	"loanbridge/gateway"
	"loanbridge/gateway/middleware"
	"loanbridge/observability/logging"
	telemetry "loanbridge/observability/otel"
	"loanbridge/orchestrator"
	"loanbridge/state"
)

// Main initialises and runs the relay daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/relayd/config.yaml", "path to relayd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LOANBRIDGE_ENV"))
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.Setup("relayd", env, logging.Options{File: cfg.LogFile})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "relayd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := state.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() { _ = store.Close() }()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := newConnector(stopCtx, cfg.Source, log)
	if err != nil {
		return fmt.Errorf("connect %s chain: %w", cfg.Source.Name, err)
	}
	log.Info("chain connector ready", "chain", cfg.Source.Name, "endpoints", logging.RedactURLs(cfg.Source.RPCURLs))
	public, err := newConnector(stopCtx, cfg.Public, log)
	if err != nil {
		return fmt.Errorf("connect %s chain: %w", cfg.Public.Name, err)
	}
	log.Info("chain connector ready", "chain", cfg.Public.Name, "endpoints", logging.RedactURLs(cfg.Public.RPCURLs))

	feed := gateway.NewFeed(log)
	orch, err := orchestrator.New(source, public, store,
		orchestrator.WithLogger(log),
		orchestrator.WithFeed(feed),
		orchestrator.WithConfig(orchestrator.Config{
			MaxAttempts:   cfg.Orchestrator.MaxAttempts,
			TickInterval:  cfg.Orchestrator.TickInterval.Duration,
			PendingMaxAge: cfg.Orchestrator.PendingMaxAge.Duration,
			CatchUpBatch:  cfg.Orchestrator.CatchUpBatch,
			ShutdownGrace: cfg.Orchestrator.ShutdownGrace.Duration,
			GasLimit:      cfg.Orchestrator.GasLimit,
		}),
	)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	srv := gateway.NewServer(gateway.Config{
		ListenAddr: cfg.ListenAddress,
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			Burst:             cfg.Gateway.Burst,
		},
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		LogRequests:    cfg.Gateway.LogRequests,
	}, orch, store, feed, log)

	orch.Wire()
	go func() {
		if err := source.RunStream(stopCtx); err != nil && stopCtx.Err() == nil {
			log.Error("source stream stopped", "err", err)
		}
	}()
	go func() {
		if err := public.RunStream(stopCtx); err != nil && stopCtx.Err() == nil {
			log.Error("public stream stopped", "err", err)
		}
	}()

	errs := make(chan error, 2)
	go func() {
		log.Info("gateway listening", "addr", cfg.ListenAddress)
		errs <- srv.Serve(stopCtx)
	}()
	go func() {
		errs <- orch.Run(stopCtx)
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newConnector(ctx context.Context, cfg ChainConfig, log *slog.Logger) (*chain.Connector, error) {
	return chain.New(ctx, chain.Config{
		Name:           cfg.Name,
		RPCURLs:        cfg.RPCURLs,
		WSURL:          cfg.WSURL,
		ChainID:        cfg.ChainID,
		SignerKey:      cfg.signer,
		Contracts:      cfg.contractAddresses(),
		GasLimit:       cfg.GasLimit,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay.Duration,
		RetryMaxDelay:  cfg.RetryMaxDelay.Duration,
		ConfirmTimeout: cfg.ConfirmTimeout.Duration,
		ConfirmPoll:    cfg.ConfirmPoll.Duration,
	}, chain.WithLogger(log))
}
