package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/conversa/internal/api"
	"github.com/kalambet/conversa/internal/cache"
	"github.com/kalambet/conversa/internal/config"
	"github.com/kalambet/conversa/internal/dispatch"
	"github.com/kalambet/conversa/internal/intent"
	"github.com/kalambet/conversa/internal/invoker"
	"github.com/kalambet/conversa/internal/mapper"
	"github.com/kalambet/conversa/internal/params"
	"github.com/kalambet/conversa/internal/registry"
	"github.com/kalambet/conversa/internal/session"
	"github.com/kalambet/conversa/internal/storage"
	"github.com/kalambet/conversa/internal/telemetry"
	"github.com/kalambet/conversa/internal/vault"
)

const janitorInterval = time.Minute

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the conversa server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), withMCP)
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running conversa server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show conversa server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "conversa.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// app is the wired service graph shared by the HTTP and MCP surfaces.
type app struct {
	store      *storage.Store
	registry   *registry.Registry
	sessions   *session.Manager
	cache      *cache.Cache
	invoker    *invoker.Invoker
	dispatcher *dispatch.Dispatcher
}

// buildApp opens storage under cfg and wires every component. getenv
// supplies the catalog's API credentials.
func buildApp(cfg config.Config, getenv func(string) string) (*app, error) {
	v, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("initializing vault (set CONVERSA_MASTER_KEY or run `conversa config set-secret vault.master_key`): %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	reg := registry.New(store, v)
	if err := reg.Load(); err != nil {
		store.Close()
		return nil, fmt.Errorf("loading registry: %w", err)
	}
	catalog, err := registry.DefaultCatalog()
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := reg.SeedSystem(catalog, getenv); err != nil {
		store.Close()
		return nil, fmt.Errorf("seeding system apis: %w", err)
	}

	a := &app{
		store:    store,
		registry: reg,
		sessions: session.NewManager(store),
		cache:    cache.New(cache.Options{MaxEntries: cfg.Cache.MaxEntries}),
		invoker: invoker.New(invoker.Options{
			CallTimeout:    cfg.Invoker.CallTimeout,
			MaxAttempts:    cfg.Invoker.MaxAttempts,
			InitialBackoff: cfg.Invoker.InitialBackoff,
		}),
	}
	a.dispatcher = dispatch.New(dispatch.Deps{
		Registry:   reg,
		Classifier: intent.NewKeywordClassifier(cfg.Dispatch.ConfidenceThreshold),
		Resolver:   params.New(),
		Invoker:    a.invoker,
		Mapper:     mapper.New(mapper.Options{Strict: cfg.Mapper.Strict}),
		Cache:      a.cache,
		Secrets:    v,
		Sessions:   a.sessions,
		Usage:      store,
	}, dispatch.Options{
		Timeout:         cfg.Dispatch.Timeout,
		ContextMessages: cfg.Dispatch.ContextMessages,
		TTLs: dispatch.TTLs{
			Default:    cfg.Cache.TTLDefault,
			ByCategory: cfg.Cache.TTLByCategory(),
		},
	})
	return a, nil
}

// invalidate drops cached replies and the rate limiter of a changed api.
func (a *app) invalidate(apiID string) {
	if n := a.cache.Purge(apiID); n > 0 {
		slog.Debug("purged cached replies", "api_id", apiID, "entries", n)
	}
	a.invoker.Forget(apiID)
}

func (a *app) handler(cfg config.Config) http.Handler {
	return api.NewHandler(api.Deps{
		Dispatcher:     a.dispatcher,
		Registry:       a.registry,
		Sessions:       a.sessions,
		Stats:          a.store,
		Cache:          a.cache,
		Invalidate:     a.invalidate,
		Token:          cfg.Server.APIToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        version,
		Environment:    cfg.Server.Environment,
	})
}

func runServer(ctx context.Context, withMCP bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))
	slog.Info("conversa starting", "version", version, "environment", cfg.Server.Environment)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("flushing traces", "error", err)
		}
	}()

	a, err := buildApp(cfg, config.Getenv())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()
	slog.Info("registry loaded", "active_apis", len(a.registry.Active()))

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("conversa listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		a.cache.Janitor(gctx, janitorInterval)
		return nil
	})
	g.Go(func() error {
		a.sessions.Janitor(gctx, janitorInterval)
		return nil
	})
	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Dispatcher: a.dispatcher,
			Registry:   a.registry,
			Stats:      a.store,
			Version:    version,
		})
		g.Go(func() error {
			// The MCP client owns the process lifetime: closing stdin stops the server.
			defer cancel()
			slog.Info("MCP server started (stdio transport)")
			err := server.NewStdioServer(mcpSrv).Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("conversa is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop conversa (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to conversa (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second
	return printServerStatus(ctx, client, cfg)
}

func printServerStatus(ctx context.Context, c *apiClient, cfg config.Config) error {
	resp, err := c.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	var health map[string]string
	if err := decodeJSON(resp, &health); err != nil {
		printStatus("Server", "error (%v)", err)
		return nil
	}
	if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil {
		printStatus("Server", "%s on port %d (PID %d)", health["status"], cfg.Server.Port, pid)
	} else {
		printStatus("Server", "%s on port %d", health["status"], cfg.Server.Port)
	}
	printStatus("Environment", "%s", health["environment"])

	resp, err = c.get(ctx, "/api/stats")
	if err == nil {
		var st struct {
			storage.UsageStats
			Cache cache.Stats `json:"cache"`
		}
		if decodeJSON(resp, &st) == nil {
			printStatus("Messages", "%d", st.TotalMessages)
			printStatus("API calls", "%d (%.1f%% successful)", st.TotalAPICalls, st.SuccessRate)
			printStatus("Cache", "%d entries, %d hits, %d misses", st.Cache.Entries, st.Cache.Hits, st.Cache.Misses)
		}
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
