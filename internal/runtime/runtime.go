package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-stream-stt/internal/bus"
	"github.com/loqalabs/loqa-stream-stt/internal/config"
	"github.com/loqalabs/loqa-stream-stt/internal/engine"
	"github.com/loqalabs/loqa-stream-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stream-stt/internal/model"
	"github.com/loqalabs/loqa-stream-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stream-stt/internal/recording"
	"github.com/loqalabs/loqa-stream-stt/internal/session"
	"github.com/loqalabs/loqa-stream-stt/internal/transport"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer     *http.Server
	engine         engine.Engine
	manager        *session.Manager
	store          *eventstore.Store
	events         *eventstore.Recorder
	wavs           *recording.Recorder
	bus            *bus.Client
	nats           *natsserver.EmbeddedServer
	metricsHandler http.Handler
	tracerClose    func(context.Context) error

	ready   atomic.Bool
	addr    atomic.Value
	started chan struct{}
	wg      sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Started is closed once the HTTP listener accepts connections.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// Addr returns the bound listen address, empty before Started.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Start verifies the model, wires every component and serves until ctx is
// cancelled. Startup faults are returned before anything is bound.
func (r *Runtime) Start(ctx context.Context) error {
	bundle, err := model.Verify(r.cfg.Model.Path)
	if err != nil {
		return err
	}

	defer r.teardown()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	r.engine, err = engine.New(r.cfg.Engine, bundle, r.logger)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	opts, err := r.observers(ctx)
	if err != nil {
		return err
	}
	r.manager = session.NewManager(ctx, session.ConfigFrom(r.cfg.Session), r.engine, r.logger, opts...)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.String("engine", r.engine.Name()),
		slog.String("model", bundle.Path))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	// Streaming handlers only return once their session ends, so sessions
	// go first and the server drain second.
	r.manager.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Duration(r.cfg.HTTP.ShutdownTimeoutMS)*time.Millisecond)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) observers(ctx context.Context) ([]session.Option, error) {
	var opts []session.Option

	if r.cfg.EventStore.Enabled {
		store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
		if err != nil {
			return nil, fmt.Errorf("open event store: %w", err)
		}
		r.store = store
		r.events = eventstore.NewRecorder(store, r.cfg.EventStore.QueueDepth, r.logger)
		opts = append(opts, session.WithObserver(r.events))
	}

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			srv, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
			if err != nil {
				return nil, err
			}
			r.nats = srv
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return nil, err
		}
		r.bus = client
		opts = append(opts, session.WithObserver(bus.NewPublisher(client.Conn(), busCfg.SubjectPrefix, r.logger)))
	}

	if r.cfg.Recording.Enabled {
		wavs, err := recording.New(r.cfg.Recording.Directory, r.logger)
		if err != nil {
			return nil, err
		}
		r.wavs = wavs
		opts = append(opts, session.WithObserver(wavs))
	}

	return opts, nil
}

// teardown releases whatever Start managed to create, in reverse order.
func (r *Runtime) teardown() {
	if r.manager != nil {
		r.manager.Close()
	}
	if r.events != nil {
		r.events.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.wavs != nil {
		r.wavs.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.engine != nil {
		if err := r.engine.Close(); err != nil {
			r.logger.Error("engine close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) routes() http.Handler {
	router := chi.NewRouter()
	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		router.Method(http.MethodGet, "/metrics", r.metricsHandler)
	}
	router.Method(http.MethodPost, "/speech-to-text-stream", transport.NewHTTPHandler(r.manager, r.cfg.HTTP, r.logger))
	if r.cfg.HTTP.WebSocket {
		router.Method(http.MethodGet, "/speech-to-text-ws", transport.NewWebSocketHandler(r.manager, r.cfg.HTTP.ReadBufferBytes, r.logger))
	}
	router.Get("/sessions", r.handleSessions)
	router.Get("/sessions/{id}/events", r.handleSessionEvents)
	return router
}
