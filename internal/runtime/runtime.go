package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/cache"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/linestore"
	"github.com/loqalabs/loqa-live/internal/natsserver"
	"github.com/loqalabs/loqa-live/internal/queue"
	"github.com/loqalabs/loqa-live/internal/router"
	"github.com/loqalabs/loqa-live/internal/session"
	"github.com/loqalabs/loqa-live/internal/stt"
	"github.com/loqalabs/loqa-live/internal/translate"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	lines    *linestore.Store
	store    *cache.SQLiteStore
	cache    *cache.Cache
	queue    *queue.Manager
	router   *router.Service
	sessions *session.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	// from here on every failure must release what was already opened
	if err := r.startComponents(ctx); err != nil {
		cancel()
		r.wg.Wait()
		r.closeComponents(context.Background())
		r.shutdownTelemetry(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			r.serveMetrics(bind, metricsHandler)
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}
	newAPI(r.lines, r.cache, r.logger).register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsSrv != nil {
		_ = r.metricsSrv.Shutdown(shutdownCtx)
	}
	r.wg.Wait()
	r.closeComponents(shutdownCtx)
	r.shutdownTelemetry(shutdownCtx)

	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.URL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}

	r.lines, err = linestore.Open(ctx, r.cfg.LineStore, r.logger)
	if err != nil {
		return fmt.Errorf("open line store: %w", err)
	}
	if err := r.lines.Ensure(); err != nil {
		return err
	}
	if err := r.lines.Prune(ctx); err != nil {
		r.logger.Warn("line store prune failed", slog.String("error", err.Error()))
	}

	r.store, err = cache.OpenSQLite(ctx, r.cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("open translation cache: %w", err)
	}
	policy := cache.NewPolicy(r.cfg.Translation.Engines, time.Duration(r.cfg.Cache.DefaultTTLHours)*time.Hour)
	r.cache, err = cache.New(r.store, policy, cache.Options{
		LRUSize:          r.cfg.Cache.LRUSize,
		RetranslateBelow: r.cfg.Cache.RetranslateBelow,
	}, r.logger)
	if err != nil {
		return err
	}
	sweeper := cache.NewSweeper(r.cache, r.cfg.Cache, r.logger)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		sweeper.Run(ctx)
	}()

	chain, err := translate.FromConfig(r.cfg.Translation, r.logger)
	if err != nil {
		return fmt.Errorf("build translation chain: %w", err)
	}

	// the router publishes completions, and needs the queue to enqueue jobs
	var notify queue.Notifier = func(ctx context.Context, c queue.Completion) {
		r.router.Notify(ctx, c)
	}
	r.queue = queue.NewManager(r.cfg.Queue, chain, r.cache, r.lines, notify, r.logger)
	r.router = router.NewService(context.WithoutCancel(ctx), r.cfg.Sessions, r.bus, r.queue, r.lines, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	sttCfg := r.cfg.STT
	if !sttCfg.Enabled {
		sttCfg.Mode = "mock"
	}
	recognizer, err := stt.New(sttCfg)
	if err != nil {
		return err
	}
	transcriber := stt.NewClient(sttCfg, recognizer, r.logger)
	// sessions outlive ctx so that Close can flush their final lines
	r.sessions = session.NewService(context.WithoutCancel(ctx), r.cfg, r.bus, transcriber, r.lines, r.logger)
	if err := r.sessions.Start(); err != nil {
		return fmt.Errorf("start session service: %w", err)
	}

	r.logger.Info("pipeline ready",
		slog.Any("engines", chain.Engines()),
		slog.String("stt_mode", sttCfg.Mode),
		slog.Any("default_languages", r.cfg.Sessions.DefaultLanguages))
	return nil
}

// closeComponents stops the pipeline front to back. Sessions flush their
// tails into lines, which the router turns into jobs before the queue drains.
func (r *Runtime) closeComponents(ctx context.Context) {
	if r.sessions != nil {
		r.sessions.Close()
	}
	if r.bus != nil {
		if err := r.bus.Conn().Flush(); err != nil {
			r.logger.Warn("bus flush failed", slog.String("error", err.Error()))
		}
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.queue != nil {
		if err := r.queue.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("translation queue drain incomplete", slog.String("error", err.Error()))
		}
		r.queue.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("cache close failed", slog.String("error", err.Error()))
		}
	}
	if r.lines != nil {
		if err := r.lines.Close(); err != nil {
			r.logger.Warn("line store close failed", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

func (r *Runtime) serveMetrics(bind string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	r.metricsSrv = &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("metrics endpoint listening", slog.String("addr", bind))
}

func (r *Runtime) shutdownTelemetry(ctx context.Context) {
	if r.tracerClose == nil {
		return
	}
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.router.Healthy() && r.sessions.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
