package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"courier/internal/broker"
	courierchannel "courier/internal/channel"
	"courier/internal/gateway"
	"courier/internal/hub"
	"courier/internal/orchestrator"
	"courier/internal/snapshot"
	"courier/pkg/logger"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the courier gateway server",
		Long: `Start the courier gateway server.

The server exposes the WebSocket endpoint for clients, runs the per-session
run queue, persists the event log, and routes approvals and questions to
connected clients or chat channels.`,
		Example: `  # Start with default configuration
  courier serve

  # Start on a custom port
  courier serve --port 8080`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	cfg := cliCtx.Config

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Gateway.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Gateway.Host = host
	}

	engineFn := getEngineFactory()
	if engineFn == nil {
		return fmt.Errorf("no agent engine registered; the embedding binary must call cli.RegisterEngine before Execute")
	}
	eng, err := engineFn(cfg)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	db, err := cliCtx.GetStorage()
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	snaps := snapshot.NewStore()
	h := hub.New(db, snaps, cfg.Gateway.AuthToken)

	reg := courierchannel.NewRegistry()
	for _, name := range cfg.Channels.Enabled {
		factory, ok := getAdapterFactory(name)
		if !ok {
			logger.Warn().Str("channel", name).Msg("No adapter registered for enabled channel")
			continue
		}
		adapter, err := factory(cfg)
		if err != nil {
			return fmt.Errorf("create channel adapter %s: %w", name, err)
		}
		reg.Register(adapter)
	}

	brk := broker.New(broker.Config{
		ApprovalTimeout:        cfg.Run.ApprovalTimeout,
		ChannelQuestionTimeout: cfg.Run.ChannelQuestionTimeout,
		MultiQuestionTimeout:   cfg.Run.MultiQuestionTimeout,
		ReplyWindow:            cfg.Run.ReplyWindow,
	}, h, reg, snaps)

	orch := orchestrator.New(orchestrator.Config{
		QueueSize:   cfg.Run.QueueSize,
		IdleTimeout: cfg.Run.IdleTimeout,
		PruneGrace:  cfg.Retention.PruneGrace,
	}, db, eng, h, snaps, brk, nil)

	router := courierchannel.NewRouter(reg, orch, brk)
	router.Bind()

	h.SetHandlers(hub.Handlers{
		OnPrompt: func(req hub.PromptRequest) error {
			_, err := orch.Submit(context.Background(), orchestrator.SubmitRequest{
				Channel:  req.Channel,
				ChatType: req.ChatType,
				ChatID:   req.ChatID,
				Prompt:   req.Prompt,
			})
			return err
		},
		OnAbort: orch.Abort,
		OnApproval: func(requestID string, approved bool, message string) error {
			return brk.Resolve(requestID, broker.SourceUser, approved, message, nil)
		},
		OnAnswer: func(requestID string, answers []string) error {
			return brk.Resolve(requestID, broker.SourceUser, false, "", answers)
		},
	})

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := reg.StartAll(startCtx); err != nil {
		startCancel()
		return fmt.Errorf("start channel adapters: %w", err)
	}
	startCancel()

	srv := gateway.NewServer(cfg, h, db, Version)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info().
		Str("address", fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)).
		Int("channels", reg.Count()).
		Msg("Courier server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("Shutting down...")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Server error")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Let in-flight runs settle before tearing down transport.
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Orchestrator shutdown incomplete")
	}
	brk.Close()
	if err := reg.StopAll(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping channel adapters")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
		return err
	}

	logger.Info().Msg("Server stopped")
	return nil
}
