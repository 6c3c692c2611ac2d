// Command outbox inspects queue files and drives the event pipeline from the
// command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SebastienMelki/outbox"
	"github.com/SebastienMelki/outbox/internal/observability"
)

var version = "dev"

// globalFlags are shared by every subcommand. Pipeline settings left empty
// fall back to the OUTBOX_* environment.
type globalFlags struct {
	logLevel    string
	logFormat   string
	metricsAddr string

	dataDir  string
	endpoint string
	writeKey string
}

func main() {
	if err := execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "outbox",
		Short:         "Durable event queue and batch uploader",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "text", "log format (text, json)")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "queue directory (overrides OUTBOX_DATA_DIR)")
	pf.StringVar(&flags.endpoint, "endpoint", "", "collector URL (overrides OUTBOX_ENDPOINT)")
	pf.StringVar(&flags.writeKey, "write-key", "", "collector write key (overrides OUTBOX_WRITE_KEY)")

	root.AddCommand(newInspectCmd())
	root.AddCommand(newTrackCmd(flags))
	root.AddCommand(newFlushCmd(flags))

	return root
}

// setupLogger creates a logger based on configuration.
func setupLogger(w io.Writer, level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// loadConfig reads OUTBOX_* variables and applies flag overrides.
func (f *globalFlags) loadConfig() (outbox.Config, error) {
	cfg, err := outbox.LoadConfig()
	if err != nil {
		return outbox.Config{}, err
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.endpoint != "" {
		cfg.Endpoint = f.endpoint
	}
	if f.writeKey != "" {
		cfg.WriteKey = f.writeKey
	}
	return cfg, nil
}

// session is a running client plus the optional metrics server.
type session struct {
	client  *outbox.Client
	logger  *slog.Logger
	metrics *observability.Module
	server  *http.Server

	closeOnce sync.Once
	closeErr  error
}

// openSession builds the logger, the metrics endpoint and the client.
func (f *globalFlags) openSession(ctx context.Context, cfg outbox.Config) (*session, error) {
	logger := setupLogger(os.Stderr, f.logLevel, f.logFormat)
	slog.SetDefault(logger)

	s := &session{logger: logger}
	opts := []outbox.Option{outbox.WithLogger(logger)}

	if f.metricsAddr != "" {
		module, err := observability.New("outbox")
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		s.metrics = module
		opts = append(opts, outbox.WithMetrics(module.Metrics()))

		mux := http.NewServeMux()
		mux.Handle("/metrics", module.MetricsHandler())
		s.server = &http.Server{
			Addr:              f.metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", "addr", f.metricsAddr)
			if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	client, err := outbox.New(ctx, cfg, opts...)
	if err != nil {
		s.close()
		return nil, err
	}
	s.client = client
	return s, nil
}

// close stops the client, then the metrics server. Safe to call twice.
func (s *session) close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.client != nil {
			errs = append(errs, s.client.Close())
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.server != nil {
			errs = append(errs, s.server.Shutdown(shutdownCtx))
		}
		if s.metrics != nil {
			errs = append(errs, s.metrics.Shutdown(shutdownCtx))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printStats(w io.Writer, stats outbox.Stats, queued int) {
	fmt.Fprintf(w, "enqueued:         %d\n", stats.Enqueued)
	fmt.Fprintf(w, "dropped:          %d\n", stats.Dropped)
	fmt.Fprintf(w, "evicted:          %d\n", stats.Evicted)
	fmt.Fprintf(w, "batches uploaded: %d (%d events)\n", stats.BatchesUploaded, stats.EventsUploaded)
	fmt.Fprintf(w, "batches rejected: %d (%d events)\n", stats.BatchesRejected, stats.EventsRejected)
	fmt.Fprintf(w, "failed flushes:   %d\n", stats.FlushFailures)
	fmt.Fprintf(w, "queued:           %d\n", queued)
}
