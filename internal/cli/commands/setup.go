package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/leapstack-labs/tenantrt/internal/cli/config"
	"github.com/leapstack-labs/tenantrt/internal/cli/output"
	"github.com/leapstack-labs/tenantrt/internal/engine"
	"github.com/leapstack-labs/tenantrt/internal/metrics"
	"github.com/leapstack-labs/tenantrt/internal/tenant"
	"github.com/spf13/cobra"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "tenantrt"

// ErrNoTenant is returned by commands that need a tenant when none is selected.
var ErrNoTenant = errors.New("no tenant selected: use --tenant or set tenant in tenantrt.yaml")

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Engine   *engine.Engine
	Renderer *output.Renderer
}

// NewCommandContext creates a CommandContext with engine and renderer.
// Returns the context and a cleanup function that must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command) (*CommandContext, func(), error) {
	return newCommandContext(cmd, nil)
}

func newCommandContext(cmd *cobra.Command, collector *metrics.Collector) (*CommandContext, func(), error) {
	cfg := getConfig()
	logger := config.GetLogger(cmd.Context())

	eng, err := CreateEngine(cmd.Context(), cfg, logger, collector)
	if err != nil {
		return nil, nil, err
	}

	r := output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.OutputFormat))

	cleanup := func() {
		if err := eng.Close(); err != nil {
			logger.Warn("failed to close engine", "error", err)
		}
	}

	return &CommandContext{
		Cfg:      cfg,
		Logger:   logger,
		Engine:   eng,
		Renderer: r,
	}, cleanup, nil
}

// NewCommandContextWithoutEngine creates a CommandContext without an engine.
// Useful for commands that don't need database access.
func NewCommandContextWithoutEngine(cmd *cobra.Command) *CommandContext {
	cfg := getConfig()
	return &CommandContext{
		Cfg:      cfg,
		Logger:   config.GetLogger(cmd.Context()),
		Renderer: output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.OutputFormat)),
	}
}

// Tenant returns the selected tenant.
func (c *CommandContext) Tenant(ctx context.Context) (*tenant.Tenant, error) {
	if c.Cfg.Tenant == "" {
		return nil, ErrNoTenant
	}
	t, err := c.Engine.Tenant(ctx, c.Cfg.Tenant)
	if err != nil {
		return nil, fmt.Errorf("tenant %q: %w", c.Cfg.Tenant, err)
	}
	return t, nil
}

// getConfig returns the current configuration, or defaults when none was loaded.
func getConfig() *config.Config {
	if cfg := config.GetCurrentConfig(); cfg != nil {
		return cfg
	}
	return &config.Config{
		DataDir:      config.DefaultDataDir,
		OutputFormat: config.DefaultOutput,
		Runtime: config.RuntimeConfig{
			MaxSteps:      config.DefaultMaxSteps,
			InvokeTimeout: config.DefaultInvokeTimeout,
		},
		Scheduler: config.SchedulerConfig{Enabled: true, Location: config.DefaultLocation},
		ErrorLog:  config.ErrorLogConfig{MessageCap: config.DefaultMessageCap, DetailsCap: config.DefaultDetailsCap},
		Watch:     config.WatchConfig{Dir: config.DefaultWatchDir},
		Serve:     config.ServeConfig{Addr: config.DefaultServeAddr},
	}
}

// CreateEngine creates an engine from configuration.
func CreateEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, collector *metrics.Collector) (*engine.Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return engine.New(ctx, engine.Config{
		DataDir:            cfg.DataDir,
		MasterDB:           cfg.MasterDB,
		PlatformDir:        cfg.PlatformDir,
		MaxSteps:           cfg.Runtime.MaxSteps,
		CompileWorkers:     cfg.Runtime.CompileWorkers,
		InvokeTimeout:      cfg.Runtime.InvokeTimeout,
		SchedulerLocation:  loc,
		ErrorLogMessageCap: cfg.ErrorLog.MessageCap,
		ErrorLogDetailsCap: cfg.ErrorLog.DetailsCap,
		Metrics:            collector,
		Logger:             logger,
	})
}

// readInput reads a named file, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
