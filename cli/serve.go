package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/halcyon-labs/chatrelay/agent"
	"github.com/halcyon-labs/chatrelay/config"
	"github.com/halcyon-labs/chatrelay/llmprovider"
	relayotel "github.com/halcyon-labs/chatrelay/otel"
	"github.com/halcyon-labs/chatrelay/server"
	"github.com/halcyon-labs/chatrelay/session"
	"github.com/halcyon-labs/chatrelay/sse"
	"github.com/halcyon-labs/chatrelay/stream"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat relay HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to chatrelay.yaml")
	cmd.Flags().String("addr", "", "Listen address (overrides config)")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin (overrides config)")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (overrides config)")
	cmd.Flags().String("provider", "", "LLM provider name (overrides config)")
	cmd.Flags().String("model", "", "Default model (overrides config)")
	cmd.Flags().String("otel-endpoint", "", "OTLP trace endpoint (overrides config)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	explicitConfigPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadOrDefault(explicitConfigPath)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)

	maxBody, _ := cmd.Flags().GetInt64("max-body")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")

	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	otelShutdown, err := relayotel.Setup(ctx, "chatrelay", cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	metrics, err := relayotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("chatrelay"))
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	tracing := relayotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("chatrelay"))

	// --- Stores and bus ---
	threadStore, err := server.NewSQLiteStore(server.SQLiteStoreConfig{DSN: cfg.Store.DSN})
	if err != nil {
		return fmt.Errorf("opening sqlite thread store: %w", err)
	}
	defer func() {
		_ = threadStore.Close()
	}()

	eventStore := stream.NewStore(stream.StoreConfig{
		Capacity: cfg.Stream.LogCapacity,
		OnEvict:  metrics.RecordEviction,
	})
	bus := stream.NewBus(stream.BusConfig{})
	defer bus.Close()

	observer := relayotel.NewObserver(bus, metrics, tracing)
	go observer.Run(ctx)

	// --- Agent ---
	apiKey := cfg.Provider.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	client, err := llmprovider.NewClient(cfg.Provider.Name, llmprovider.Config{APIKey: apiKey})
	if err != nil {
		return exitError(exitProvider, "creating provider client: %v", err)
	}
	relayAgent := agent.New(agent.Config{
		Client: client,
		Model:  cfg.Provider.Model,
		Logger: logger,
	})

	// --- Chat service and session layer ---
	chat := server.NewChatService(server.ChatServiceConfig{
		Store:     threadStore,
		Agent:     relayAgent,
		Completer: client,
		Logger:    logger,
	})
	sessions := session.NewManager(session.ManagerConfig{
		Store:     eventStore,
		Bus:       bus,
		Responder: chat,
		RetainFor: cfg.Stream.RetainFor.Std(),
		Logger:    logger,
	})
	chat.AttachSessions(sessions)

	// --- HTTP server ---
	sseHandler := sse.NewHandler(sessions, bus, logger)
	sseHandler.SetMetrics(metrics)
	srv := server.NewServer(server.ServerConfig{
		Chat:       chat,
		SSE:        sseHandler,
		Store:      threadStore,
		CORSOrigin: cfg.Server.CORSOrigin,
		MaxBody:    maxBody,
		Logger:     logger,
	})

	maintenance, err := server.NewMaintenance(server.MaintenanceConfig{
		Store:    threadStore,
		Sessions: sessions,
		Cron:     cfg.Stream.MaintenanceCron,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	go maintenance.Run(ctx)

	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     srv.Handler(),
		ReadTimeout: readTimeout,
		// No write timeout: SSE connections stay open for the stream's
		// lifetime and are kept alive by heartbeats.
		WriteTimeout: 0,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "ChatRelay listening on %s\n", cfg.Server.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// applyServeFlags overlays explicitly set flags on top of the loaded config.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v, _ := cmd.Flags().GetString("cors-origin"); v != "" {
		cfg.Server.CORSOrigin = v
	}
	if v, _ := cmd.Flags().GetString("sqlite-path"); v != "" {
		cfg.Store.DSN = v
	}
	if v, _ := cmd.Flags().GetString("provider"); v != "" {
		cfg.Provider.Name = v
	}
	if v, _ := cmd.Flags().GetString("model"); v != "" {
		cfg.Provider.Model = v
	}
	if v, _ := cmd.Flags().GetString("otel-endpoint"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
}
