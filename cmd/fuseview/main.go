package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fuseview/fuseview/internal/config"
	"github.com/fuseview/fuseview/internal/connstore"
	"github.com/fuseview/fuseview/internal/langfuse"
	"github.com/fuseview/fuseview/internal/limits"
	"github.com/fuseview/fuseview/internal/observability"
	"github.com/fuseview/fuseview/internal/registry"
	"github.com/fuseview/fuseview/internal/tracecache"
	"github.com/fuseview/fuseview/internal/tree"
	"github.com/fuseview/fuseview/internal/version"
)

const defaultConfigPath = "fuseview.yaml"

const otelShutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "connections":
		return runConnections(args[1:], os.Stdout, os.Stderr)
	case "connect":
		return runConnect(args[1:], os.Stdout, os.Stderr)
	case "tree":
		return runTree(args[1:], os.Stdout, os.Stderr)
	case "stats":
		return runStats(args[1:], os.Stdout, os.Stderr)
	case "doctor":
		return runDoctor(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runConnect(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("connect", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: fuseview connect [--config path] <connection-id-or-name>")
		return 2
	}

	app, cleanup, code := newApp(*configPath, errOut)
	if code != 0 {
		return code
	}
	defer cleanup()

	ctx := context.Background()
	conn, err := resolveConnection(ctx, app.store, flagSet.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 1
	}
	if err := app.registry.Connect(ctx, conn.ID); err != nil {
		fmt.Fprintf(errOut, "failed to connect: %v\n", observability.ScrubCredentials(err.Error()))
		return 1
	}

	fmt.Fprintf(out, "connected to %s (%s)\n", conn.Name, conn.URL)
	return 0
}

type configStage int

const (
	configStageLoad configStage = iota
	configStageValidate
)

func loadAndValidateConfig(path string) (config.Config, configStage, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, configStageValidate, nil
}

// app wires the shared runtime used by every network-facing command.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	otel     *observability.Runtime
	store    connstore.Store
	registry *registry.Registry
	cache    *tracecache.Cache
	tree     *tree.Builder
}

func newApp(configPath string, errOut io.Writer) (*app, func(), int) {
	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return nil, nil, 1
	}

	logger := slog.New(observability.NewTraceLogHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
	))

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}

	store, err := openConnectionStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize connection storage: %v\n", err)
		return nil, nil, 1
	}

	clientOpts := []langfuse.Option{
		langfuse.WithTimeout(cfg.Explorer.RequestTimeout()),
		langfuse.WithRetryPolicy(langfuse.RetryPolicy{
			MaxRetries: cfg.Explorer.MaxRetries,
			BaseDelay:  cfg.Explorer.RetryBaseDelay(),
		}),
		langfuse.WithLogger(logger),
	}
	if otelRuntime.Enabled() {
		clientOpts = append(clientOpts,
			langfuse.WithMetrics(otelRuntime),
			langfuse.WithTransport(otelRuntime.WrapHTTPTransport(http.DefaultTransport)),
		)
	}
	if pacer := limits.NewPacer(cfg.Limits.RequestsPerMinute); pacer.Enabled() {
		clientOpts = append(clientOpts, langfuse.WithPacer(pacer))
	}

	reg := registry.New(store, logger, registry.WithClientOptions(clientOpts...))
	cache := tracecache.New(
		func(connID string) (tracecache.Client, bool) {
			client, ok := reg.Client(connID)
			if !ok {
				return nil, false
			}
			return client, true
		},
		tracecache.WithWindowSize(cfg.Explorer.Window()),
		tracecache.WithLookback(cfg.Explorer.Lookback()),
		tracecache.WithPageSize(cfg.Explorer.PageSize),
		tracecache.WithLogger(logger),
	)
	// Connectivity changes invalidate every cached window.
	reg.Subscribe(cache.RefreshAll)

	builder := tree.NewBuilder(reg, cache, tree.WithLogger(logger))

	a := &app{
		cfg:      cfg,
		logger:   logger,
		otel:     otelRuntime,
		store:    store,
		registry: reg,
		cache:    cache,
		tree:     builder,
	}
	cleanup := func() {
		a.registry.Cleanup()
		if err := a.store.Close(); err != nil {
			logger.Error("failed to close connection storage", "error", err)
		}
		shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}
	return a, cleanup, 0
}

func openConnectionStore(cfg config.Config) (connstore.Store, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		return connstore.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return connstore.NewPostgresStore(cfg.Storage.DSN)
	case "memory":
		return connstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

// resolveConnection matches a CLI argument against saved connection ids
// first, then names.
func resolveConnection(ctx context.Context, store connstore.Store, arg string) (*connstore.Connection, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, errors.New("connection id or name is required")
	}

	if conn, err := store.GetConnection(ctx, arg); err == nil {
		return conn, nil
	} else if !errors.Is(err, connstore.ErrNotFound) {
		return nil, err
	}

	connections, err := store.Connections(ctx)
	if err != nil {
		return nil, err
	}
	for i := range connections {
		if strings.EqualFold(connections[i].Name, arg) {
			return &connections[i], nil
		}
	}
	return nil, fmt.Errorf("no connection matches %q", arg)
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil && logger != nil {
		logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
	}
}

func nonEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  fuseview version")
	fmt.Fprintln(out, "  fuseview config validate [--config path/to/fuseview.yaml]")
	fmt.Fprintln(out, "  fuseview connections list [--config path/to/fuseview.yaml]")
	fmt.Fprintln(out, "  fuseview connections add [--config path/to/fuseview.yaml] --name NAME --url URL --public-key KEY --secret-key KEY")
	fmt.Fprintln(out, "  fuseview connections remove [--config path/to/fuseview.yaml] <connection-id-or-name>")
	fmt.Fprintln(out, "  fuseview connect [--config path/to/fuseview.yaml] <connection-id-or-name>")
	fmt.Fprintln(out, "  fuseview tree [--config path/to/fuseview.yaml] [--search NAME] [--older N] [--max-depth N] [connection-id-or-name]")
	fmt.Fprintln(out, "  fuseview stats [--config path/to/fuseview.yaml] --trace ID <connection-id-or-name>")
	fmt.Fprintln(out, "  fuseview doctor [--config path/to/fuseview.yaml] [--format text|json]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  fuseview config validate [--config path/to/fuseview.yaml]")
}
