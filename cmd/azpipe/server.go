package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/azpipe/internal/api"
	"github.com/kalambet/azpipe/internal/config"
	"github.com/kalambet/azpipe/internal/observability"
	"github.com/kalambet/azpipe/internal/relay"
	"github.com/kalambet/azpipe/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show azpipe status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// buildHandler composes the top-level router: health and OpenAI-compatible
// routes, plus /metrics when enabled.
func buildHandler(cfg config.Config, rl *relay.Relay, store *storage.Store, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	if cfg.Metrics.Enabled {
		r.Use(observability.MetricsMiddleware)
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Mount("/", api.NewOpenAIHandler(api.Deps{
		Relay:  rl,
		Store:  store,
		Token:  cfg.Server.Token,
		Logger: logger,
	}))
	return r
}

// newHTTPServer builds the relay's HTTP server. Request contexts are not
// tied to the signal context, so Shutdown lets in-flight streams drain.
func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "azpipe version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	rl, err := relay.New(cfg.Azure, relay.WithLogger(logger))
	if err != nil {
		return err
	}

	var store *storage.Store
	if cfg.Storage.Journal {
		store, err = storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing storage", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := newHTTPServer(addr, buildHandler(cfg, rl, store, logger))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("azpipe listening", "addr", addr, "pipes", len(rl.Pipes()), "journal", store != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Relay:   rl,
			Store:   store,
			Logger:  logger,
			Version: version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			logger.Info("MCP server started (stdio transport)")
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func showStatus(ctx context.Context) error {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	if err := cfg.Validate(); err != nil {
		printStatus("Config", "%s", colorize(colorRed, err.Error()))
	} else {
		printStatus("Config", "ok")
	}
	printStatus("Endpoint", "%s", cfg.Azure.Endpoint)
	if cfg.Azure.Model != "" {
		printStatus("Models", "%s", strings.Join(relay.ParseModels(cfg.Azure.Model), ", "))
	}

	client := newAPIClientFor(cfg)
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Storage.Journal {
		printStatus("Journal", "%s", cfg.Storage.DataDir)
	} else {
		printStatus("Journal", "disabled")
	}
	return nil
}
