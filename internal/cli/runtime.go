package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/roach88/receipts/internal/backend"
	"github.com/roach88/receipts/internal/billing/natsbridge"
	"github.com/roach88/receipts/internal/config"
	"github.com/roach88/receipts/internal/engine"
	"github.com/roach88/receipts/internal/store"
	"github.com/roach88/receipts/internal/store/redisstore"
)

// cache is an engine.Cache that owns a connection.
type cache interface {
	engine.Cache
	Close() error
}

// runtime is a running engine and the collaborators it was built from.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger
	engine *engine.Engine
	cache  cache

	cancel  context.CancelFunc
	done    chan struct{} // closed when Run returns
	closers []func() error
}

func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// loadConfig reads RECEIPTS_* and applies the global flag overrides, then
// any command-specific ones.
func loadConfig(opts *RootOptions, overrides ...config.Override) (config.Config, error) {
	global := func(c *config.Config) {
		if opts.AppUserID != "" {
			c.AppUserID = opts.AppUserID
		}
		if opts.DBPath != "" {
			c.DBPath = opts.DBPath
			c.RedisAddr = ""
		}
	}
	return config.Load(append([]config.Override{global}, overrides...)...)
}

func openCache(ctx context.Context, cfg config.Config) (cache, error) {
	if cfg.UseRedis() {
		return redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	return store.Open(cfg.DBPath)
}

// newMeterProvider exports engine metrics over OTLP/gRPC. An empty endpoint
// returns a nil provider and a no-op shutdown.
func newMeterProvider(ctx context.Context, endpoint string) (metric.MeterProvider, func(context.Context) error, error) {
	if endpoint == "" {
		return nil, func(context.Context) error { return nil }, nil
	}
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	otel.SetMeterProvider(mp)
	return mp, mp.Shutdown, nil
}

// startRuntime loads configuration, connects the collaborators and runs an
// engine on its own goroutine. Periodic sweeps are only scheduled when
// periodic is set. The caller must call close.
func startRuntime(ctx context.Context, cmd commandIO, opts *RootOptions, periodic bool, overrides ...config.Override) (*runtime, error) {
	logger := newLogger(opts, cmd.ErrOrStderr())
	f := opts.formatterFor(cmd)

	cfg, err := loadConfig(opts, overrides...)
	if err != nil {
		return nil, f.Fail(ExitCommandError, CodeConfig, "failed to load configuration", err)
	}

	rt := &runtime{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = rt.close()
		}
	}()

	c, err := openCache(ctx, cfg)
	if err != nil {
		return nil, f.Fail(ExitCommandError, CodeConnect, "failed to open cache", err)
	}
	rt.cache = c
	rt.closers = append(rt.closers, c.Close)
	logger.Debug("cache ready", "redis", cfg.UseRedis(), "db", cfg.DBPath)

	billingStore := opts.BillingStore
	if billingStore == nil {
		if cfg.NATSURL == "" {
			return nil, f.Fail(ExitCommandError, CodeConfig, "RECEIPTS_NATS_URL is required", nil)
		}
		bridge, err := natsbridge.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			return nil, f.Fail(ExitCommandError, CodeConnect, "failed to reach billing store", err)
		}
		rt.closers = append(rt.closers, bridge.Close)
		billingStore = bridge
		logger.Debug("billing bridge connected", "url", cfg.NATSURL, "prefix", cfg.NATSSubjectPrefix)
	}

	poster := opts.Poster
	if poster == nil {
		poster = backend.NewClient(cfg.BackendURL, cfg.APIKey, backend.WithTimeout(cfg.BackendTimeout))
	}

	mp, shutdownMetrics, err := newMeterProvider(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return nil, f.Fail(ExitCommandError, CodeConfig, "failed to set up metrics", err)
	}
	rt.closers = append(rt.closers, func() error { return shutdownMetrics(context.Background()) })

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithFinishTransactions(cfg.FinishTransactions),
		engine.WithFinalizeRetry(cfg.FinalizeAttempts, cfg.FinalizeTimeout, cfg.FinalizeBackoff),
	}
	if mp != nil {
		engineOpts = append(engineOpts, engine.WithMeterProvider(mp))
	}
	if periodic && cfg.SweepInterval > 0 {
		engineOpts = append(engineOpts, engine.WithSweepInterval(cfg.SweepInterval))
	}

	e, err := engine.New(c, billingStore, poster, cfg.AppUserID, engineOpts...)
	if err != nil {
		return nil, f.Fail(ExitCommandError, CodeConfig, "failed to create engine", err)
	}
	rt.engine = e

	runCtx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.done = make(chan struct{})
	go func() {
		defer close(rt.done)
		// Run only stops through close, so its error carries nothing new.
		_ = e.Run(runCtx)
	}()

	ok = true
	return rt, nil
}

// close stops the engine and releases every collaborator.
func (rt *runtime) close() error {
	var errs []error
	if rt.engine != nil {
		errs = append(errs, rt.engine.Close())
		rt.cancel()
		<-rt.done
		rt.engine = nil
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// await issues one engine call and blocks for its result.
func await[T any](ctx context.Context, call func(engine.Handler[T])) (T, error) {
	ch := make(chan engine.Result[T], 1)
	call(func(r engine.Result[T]) { ch <- r })
	select {
	case r := <-ch:
		return r.Get()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// commandIO is the part of cobra.Command the runtime writes to.
type commandIO interface {
	OutOrStdout() io.Writer
	ErrOrStderr() io.Writer
}

func (o *RootOptions) formatterFor(cmd commandIO) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
