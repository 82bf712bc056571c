package main

import (
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-support/internal/chat"
	"github.com/pelusa-v/pelusa-support/internal/config"
	"github.com/pelusa-v/pelusa-support/internal/handlers"
	"github.com/pelusa-v/pelusa-support/internal/logging"
	"github.com/pelusa-v/pelusa-support/internal/metrics"
	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the in-memory support backend",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.address)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Address = addr
	}
	if len(cfg.Server.Operators) == 0 {
		log.Warn().Msg("no operators configured, every operator request will be refused")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hubMetrics := metrics.NewHub(reg)

	hub := chat.NewHub(chat.Config{
		Operators:    hubOperators(cfg.Server.Operators),
		Customers:    hubCustomers(cfg.Server.Customers),
		CommandRate:  cfg.Server.CommandRate,
		CommandBurst: cfg.Server.CommandBurst,
		Logger:       log,
		Metrics:      hubMetrics,
	})
	go hub.Start(ctx)

	app := handlers.NewApp(hub, handlers.Options{
		MaxUpload: cfg.Server.MaxUpload.Int64(),
		Logger:    log,
		Metrics:   hubMetrics,
		Gatherer:  reg,
	})
	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	serveLog := logging.Component(log, "serve")
	serveLog.Info().
		Str("addr", cfg.Server.Address).
		Str("max_upload", cfg.Server.MaxUpload.String()).
		Int("operators", len(cfg.Server.Operators)).
		Msg("listening")
	return app.Listen(cfg.Server.Address)
}

func hubOperators(in []config.Operator) []chat.Operator {
	out := make([]chat.Operator, 0, len(in))
	for _, op := range in {
		name := op.Name
		if name == "" {
			name = op.ID
		}
		out = append(out, chat.Operator{ID: op.ID, Name: name, Token: protocol.Credential(op.Token)})
	}
	return out
}

func hubCustomers(in []config.Customer) []chat.Customer {
	out := make([]chat.Customer, 0, len(in))
	for _, c := range in {
		name := c.Name
		if name == "" {
			name = c.ID
		}
		out = append(out, chat.Customer{ID: c.ID, Name: name})
	}
	return out
}
