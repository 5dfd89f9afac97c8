// Package transcribe supervises the long-lived transcription server child
// process and serializes requests to it.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrSpawn reports that the server process could not be started.
	ErrSpawn = errors.New("transcription server spawn failed")
	// ErrProtocol reports that the server died or answered with nothing
	// after the respawn budget was spent.
	ErrProtocol = errors.New("transcription server protocol error")
	// ErrTimeout reports a request that exceeded its deadline. The server
	// is killed and the request is not retried.
	ErrTimeout = errors.New("transcription server timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transcription supervisor closed")
	// ErrEmptyResponse is wrapped by ErrProtocol when the server stayed up
	// but answered with a blank line, as it does for clips too short to
	// transcribe or engine failures.
	ErrEmptyResponse = errors.New("empty response")
)

// maxRespawns bounds how many fresh servers one request may spawn after the
// first attempt fails.
const maxRespawns = 1

// Request identifies the model and audio for one transcription.
type Request struct {
	ModelID   string
	ModelPath string
	WAVPath   string
	Language  string
}

// Server is one running transcription server. Request writes a single
// request line and returns the single response line without its newline.
type Server interface {
	Request(ctx context.Context, line string) (string, error)
	Close() error
}

// SpawnFunc starts a server for the model at modelPath.
type SpawnFunc func(ctx context.Context, modelPath string) (Server, error)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRequestTimeout bounds each request. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.timeout = d }
}

// Supervisor owns at most one server. A single mutex is held for the whole
// of every request so responses can never be paired with the wrong caller.
type Supervisor struct {
	spawn   SpawnFunc
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	server  Server
	modelID string
	closed  bool

	meter    metric.Meter
	spawns   metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// New returns a supervisor that starts servers with spawn on first use.
func New(spawn SpawnFunc, log *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		spawn: spawn,
		log:   log.With(slog.String("component", "transcribe-supervisor")),
		meter: otel.Meter("github.com/loqalabs/loqa-dictate/transcribe"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

// Preload starts a server for modelID unless one is already running for it.
func (s *Supervisor) Preload(ctx context.Context, modelID, modelPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.server != nil && s.modelID == modelID {
		return nil
	}
	return s.respawnLocked(ctx, modelID, modelPath)
}

// Transcribe sends one request to the server for req.ModelID, spawning or
// replacing the server as needed. A dead server is replaced at most
// maxRespawns times per call.
func (s *Supervisor) Transcribe(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("model", req.ModelID))
	text, err := s.transcribeLocked(ctx, req)
	if s.latency != nil {
		s.latency.Record(context.Background(), time.Since(start).Seconds(), attrs)
	}
	if err != nil && s.failures != nil {
		s.failures.Add(context.Background(), 1, attrs)
	}
	return text, err
}

func (s *Supervisor) transcribeLocked(ctx context.Context, req Request) (string, error) {
	if s.server == nil || s.modelID != req.ModelID {
		if err := s.respawnLocked(ctx, req.ModelID, req.ModelPath); err != nil {
			return "", err
		}
	}

	line := req.Language + "\t" + req.WAVPath
	var lastErr error
	for attempt := 0; attempt <= maxRespawns; attempt++ {
		if attempt > 0 {
			if errors.Is(lastErr, ErrEmptyResponse) {
				s.log.Info("transcription server answered with a blank line, respawning",
					slog.String("model", req.ModelID))
			} else {
				s.log.Warn("transcription server died, respawning",
					slog.String("model", req.ModelID),
					slog.String("error", lastErr.Error()))
			}
			if err := s.respawnLocked(ctx, req.ModelID, req.ModelPath); err != nil {
				return "", err
			}
		}

		resp, err := s.server.Request(ctx, line)
		if err == nil && strings.TrimSpace(resp) != "" {
			return strings.TrimSpace(resp), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.dropLocked()
			return "", fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
		}
		if err == nil {
			err = ErrEmptyResponse
		}
		lastErr = err
	}

	s.dropLocked()
	return "", fmt.Errorf("%w: %w", ErrProtocol, lastErr)
}

// respawnLocked closes any current server and starts a new one.
func (s *Supervisor) respawnLocked(ctx context.Context, modelID, modelPath string) error {
	s.dropLocked()
	server, err := s.spawn(ctx, modelPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	s.server = server
	s.modelID = modelID
	if s.spawns != nil {
		s.spawns.Add(context.Background(), 1, metric.WithAttributes(attribute.String("model", modelID)))
	}
	s.log.Info("transcription server started", slog.String("model", modelID))
	return nil
}

func (s *Supervisor) dropLocked() {
	if s.server == nil {
		return
	}
	if err := s.server.Close(); err != nil {
		s.log.Debug("transcription server close", slog.String("error", err.Error()))
	}
	s.server = nil
	s.modelID = ""
}

// ModelID returns the model of the running server, or "" when none is.
func (s *Supervisor) ModelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelID
}

// Close stops the server. Later calls fail with ErrClosed.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	s.server = nil
	s.modelID = ""
	return err
}

func (s *Supervisor) initMetrics() error {
	if s.meter == nil {
		return nil
	}
	spawns, err := s.meter.Int64Counter("loqa.transcribe.spawns", metric.WithDescription("Transcription servers started"))
	if err != nil {
		return err
	}
	failures, err := s.meter.Int64Counter("loqa.transcribe.failures", metric.WithDescription("Failed transcription requests"))
	if err != nil {
		return err
	}
	latency, err := s.meter.Float64Histogram("loqa.transcribe.duration",
		metric.WithDescription("Transcription request latency"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	s.spawns = spawns
	s.failures = failures
	s.latency = latency
	return nil
}
