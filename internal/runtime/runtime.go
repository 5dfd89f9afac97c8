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

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/models"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/notify"
	"github.com/loqalabs/loqa-dictate/internal/paste"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/settings"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

const pruneInterval = time.Hour

// Version is stamped at build time with -ldflags "-X".
var Version = "0.1.0-dev"

type Runtime struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger
	httpServer *http.Server
	metricsSrv *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup

	// closers run in reverse order on shutdown.
	closers []func(context.Context) error
}

// New prepares a runtime. configPath is handed to transcription server
// children so they load the same configuration.
func New(cfg config.Config, configPath string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}
}

func (r *Runtime) onShutdown(fn func(context.Context) error) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		if err != nil {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelShutdown()
			r.runClosers(shutdownCtx)
		}
	}()

	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onShutdown(tel.Shutdown)
	metricsHandler := tel.metrics

	history, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.onShutdown(func(context.Context) error { return history.Close() })
	r.wg.Add(1)
	go r.pruneHistory(ctx, history)

	prefs, err := settings.Open(r.cfg.Settings, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open settings: %w", err)
	}

	modelStore := models.NewStore(r.cfg.Models, r.logger)
	active, err := prefs.ResolveActiveModel(modelStore.Installed())
	if err != nil {
		r.logger.Warn("failed to persist active model", slog.String("error", err.Error()))
	}
	r.logger.Info("active model resolved", slog.String("model", active))

	sinks := dictation.MultiSink{}

	publisher, busClient, err := r.startBus(ctx)
	if err != nil {
		return err
	}
	if publisher != nil {
		sinks = append(sinks, publisher)
	}

	if r.cfg.Notify.Enabled {
		sinks = append(sinks, notify.New(r.cfg.Notify, r.logger))
	}

	source, err := r.captureSource()
	if err != nil {
		return err
	}
	recorder := capture.NewWorker(source, r.logger)
	r.onShutdown(func(context.Context) error {
		recorder.Close()
		return nil
	})

	argv, err := transcribe.DefaultCommand(r.cfg.Transcribe.Command, r.configPath)
	if err != nil {
		return err
	}
	grace := time.Duration(r.cfg.Transcribe.ShutdownGraceMS) * time.Millisecond
	supervisor := transcribe.New(
		transcribe.NewProcessSpawner(argv, grace, r.logger),
		r.logger,
		transcribe.WithRequestTimeout(time.Duration(r.cfg.Transcribe.RequestTimeoutMS)*time.Millisecond),
	)
	r.onShutdown(func(context.Context) error { return supervisor.Close() })

	paster, err := paste.New(r.cfg.Paste, r.logger)
	if err != nil {
		return err
	}

	var orchestrator *dictation.Orchestrator
	events := newHub(func() protocol.StatusChanged {
		return protocol.StatusChanged{
			Status:    orchestrator.Status(),
			Message:   orchestrator.LastError(),
			Timestamp: time.Now().UTC(),
		}
	}, r.logger)
	r.onShutdown(func(context.Context) error {
		events.Close()
		return nil
	})
	sinks = append(sinks, events)

	orchestrator = dictation.New(dictation.Deps{
		Recorder:    recorder,
		Transcriber: supervisor,
		Models:      modelStore,
		Settings:    prefs,
		Paster:      paster,
		History:     history,
		Sink:        sinks,
	}, dictation.Options{TempDir: r.cfg.Audio.TempDir, Background: ctx}, r.logger)
	r.onShutdown(func(context.Context) error {
		orchestrator.Wait()
		return nil
	})

	if busClient != nil {
		listener := bus.NewToggleListener(busClient, func(ctx context.Context) (protocol.Status, string, error) {
			text, err := orchestrator.Toggle(ctx)
			return orchestrator.Status(), text, err
		}, 0)
		if err := listener.Start(ctx); err != nil {
			return err
		}
		r.onShutdown(func(context.Context) error {
			listener.Close()
			return nil
		})
	}

	handlers := &api{
		dictation: orchestrator,
		models:    modelStore,
		settings:  prefs,
		history:   history,
		ready: func() bool {
			return r.ready.Load() && (busClient == nil || busClient.Healthy())
		},
		background: ctx,
		log:        r.logger.With(slog.String("component", "http-api")),
	}
	mux := http.NewServeMux()
	handlers.routes(mux)
	mux.Handle("/events", events)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsSrv, "metrics")
	}

	if r.cfg.Transcribe.PreloadOnStart {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := orchestrator.Preload(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("transcription server preload failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("model", active))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.runClosers(shutdownCtx)
	r.wg.Wait()

	return nil
}

// startBus connects to NATS, starting the embedded server first when
// configured. It returns nil values when the bus is disabled.
func (r *Runtime) startBus(ctx context.Context) (*bus.Publisher, *bus.Client, error) {
	if !r.cfg.Bus.Enabled {
		return nil, nil, nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats-server")))
	if err != nil {
		return nil, nil, err
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
		r.onShutdown(func(context.Context) error {
			embedded.Shutdown()
			return nil
		})
	}

	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return nil, nil, err
	}
	r.onShutdown(func(context.Context) error {
		client.Close()
		return nil
	})

	publisher := bus.NewPublisher(client)
	maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := publisher.EnsureResultStream(maxAge); err != nil {
		r.logger.Warn("result stream unavailable", slog.String("error", err.Error()))
	}
	return publisher, client, nil
}

func (r *Runtime) captureSource() (capture.Source, error) {
	switch r.cfg.Audio.Source {
	case "silent":
		return capture.SilentSource{}, nil
	case "portaudio", "":
		return capture.NewPortAudioSource(r.logger), nil
	default:
		return nil, fmt.Errorf("unknown audio source %q", r.cfg.Audio.Source)
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneHistory(ctx context.Context, history *eventstore.Store) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := history.Prune(ctx); err != nil {
				r.logger.Warn("history prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) runClosers(ctx context.Context) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			r.logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}
	r.closers = nil
}
