package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flowtalk-io/flowtalk/internal/ai"
	"github.com/flowtalk-io/flowtalk/internal/engine"
	"github.com/flowtalk-io/flowtalk/internal/expressions"
	"github.com/flowtalk-io/flowtalk/internal/gateway"
	"github.com/flowtalk-io/flowtalk/internal/logging"
	"github.com/flowtalk-io/flowtalk/internal/processors"
	"github.com/flowtalk-io/flowtalk/internal/scheduler"
	"github.com/flowtalk-io/flowtalk/internal/secrets"
	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/internal/streaming"
	"github.com/flowtalk-io/flowtalk/internal/validation"
	"github.com/flowtalk-io/flowtalk/pkg/mcp"
)

const secretPrefix = "secret://"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowtalk:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	vault, err := openVault(st, cfg.Vault)
	if err != nil {
		return err
	}

	gateways, err := openGateways(ctx, cfg.Gateways, vault, logger)
	if err != nil {
		return err
	}
	gateways.Start(ctx)

	completer, err := newCompleter(ctx, cfg.AI, vault)
	if err != nil {
		return err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel engine: %w", err)
	}

	hub := streaming.NewMemoryHub()
	deps := processors.Deps{
		Store:      st,
		Resolver:   expressions.NewResolver(),
		Completer:  completer,
		Gateways:   gateways,
		Vault:      vault,
		Hub:        hub,
		CEL:        cel,
		JQ:         expressions.NewGoJQEngine(),
		Transforms: expressions.NewTransforms(),
		Logger:     logger,
	}

	eng := engine.New(st, processors.NewRegistry(deps), hub, logger, engine.Config{})
	pool := engine.NewRunPool(cfg.PoolSize)

	sched := scheduler.NewScheduler(st, eng, pool, logger, scheduler.Config{
		ScanInterval:    cfg.Scheduler.ScanInterval,
		QueryLimit:      cfg.Scheduler.QueryLimit,
		DefaultDebounce: cfg.Scheduler.DefaultDebounce,
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Runner:    eng,
		Store:     st,
		Validator: validator,
		Logger:    logger,
	})
	notifier := mcp.NewEventNotifier(srv.MCPServer(), hub, logger, streaming.EventFilter{})
	if err := notifier.Start(ctx); err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	logger.Info("flowtalk started",
		slog.String("store", cfg.Store.Driver),
		slog.Int("pool_size", cfg.PoolSize),
		slog.Any("channels", gateways.Channels()),
	)

	// Serve blocks until the context cancels or stdin closes.
	serveErr := srv.Serve(ctx)

	logger.Info("shutting down")
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop", slog.String("error", err.Error()))
	}
	pool.Shutdown()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gateways.Stop(stopCtx); err != nil {
		logger.Warn("gateway stop", slog.String("error", err.Error()))
	}

	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Stdout carries the MCP stdio transport; logs go to stderr.
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.ToLower(cfg.LogFormat) == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "libsql":
		return store.NewLibSQLStore(cfg.DBPath)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.PostgresDSN)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openVault(st store.Store, cfg VaultConfig) (secrets.Vault, error) {
	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("vault passphrase is required (FLOWTALK_VAULT_PASSPHRASE)")
	}
	if cfg.Salt == "" {
		return nil, fmt.Errorf("vault salt is required (FLOWTALK_VAULT_SALT)")
	}
	return secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: cfg.Passphrase,
		Salt:       []byte(cfg.Salt),
	})
}

func openGateways(ctx context.Context, cfgs []GatewayConfig, vault secrets.Vault, logger *slog.Logger) (*gateway.Registry, error) {
	breakers := gateway.NewCircuitBreakerRegistry(gateway.DefaultCircuitBreakerConfig())
	registry := gateway.NewRegistry(gateway.RegistryConfig{}, breakers, logger)

	for _, gc := range cfgs {
		token, err := resolveSecret(ctx, vault, gc.Token)
		if err != nil {
			return nil, fmt.Errorf("gateway %s token: %w", gc.Channel, err)
		}
		gw, err := gateway.NewHTTPGateway(gateway.HTTPGatewayConfig{
			Channel: gc.Channel,
			BaseURL: gc.BaseURL,
			Token:   token,
			Timeout: gc.Timeout,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(gw); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func newCompleter(ctx context.Context, cfg AIConfig, vault secrets.Vault) (ai.Completer, error) {
	apiKey, err := resolveSecret(ctx, vault, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("ai api key: %w", err)
	}
	return ai.NewHTTPCompleter(ai.ClientConfig{
		Endpoint: cfg.Endpoint,
		APIKey:   apiKey,
		Model:    cfg.Model,
		Timeout:  cfg.Timeout,
	}), nil
}

// resolveSecret passes plain values through and resolves secret://NAME
// references against the vault.
func resolveSecret(ctx context.Context, vault secrets.Vault, value string) (string, error) {
	if !strings.HasPrefix(value, secretPrefix) {
		return value, nil
	}
	raw, err := vault.Resolve(ctx, strings.TrimPrefix(value, secretPrefix))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
