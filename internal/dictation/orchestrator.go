// Package dictation sequences one push-to-talk dictation: capture, resample,
// encode, transcribe and paste, while publishing status transitions.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/models"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/settings"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

const defaultLanguage = "en"

// Deps are the orchestrator's collaborators. Paster, History and Sink are
// optional.
type Deps struct {
	Recorder    Recorder
	Transcriber Transcriber
	Models      ModelStore
	Settings    Settings
	Paster      Paster
	History     History
	Sink        EventSink
}

type Options struct {
	// TempDir holds the WAV handed to the server. Empty means os.TempDir.
	TempDir string
	Clock   func() time.Time
	// Background bounds warm-ups started by model changes. Nil means
	// context.Background.
	Background context.Context
}

// Orchestrator owns the dictation state machine. Lifecycle operations are
// serialized: a toggle that arrives during processing waits for it.
type Orchestrator struct {
	recorder    Recorder
	transcriber Transcriber
	models      ModelStore
	settings    Settings
	paster      Paster
	history     History
	sink        EventSink
	tempDir     string
	clock       func() time.Time
	background  context.Context
	log         *slog.Logger

	mu      sync.Mutex
	warmups sync.WaitGroup

	statusMu  sync.RWMutex
	status    protocol.Status
	lastError string

	tracer   trace.Tracer
	meter    metric.Meter
	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

func New(deps Deps, opts Options, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		recorder:    deps.Recorder,
		transcriber: deps.Transcriber,
		models:      deps.Models,
		settings:    deps.Settings,
		paster:      deps.Paster,
		history:     deps.History,
		sink:        deps.Sink,
		tempDir:     opts.TempDir,
		clock:       opts.Clock,
		background:  opts.Background,
		log:         log.With(slog.String("component", "orchestrator")),
		status:      protocol.StatusIdle,
		tracer:      otel.Tracer("github.com/loqalabs/loqa-dictate/dictation"),
		meter:       otel.Meter("github.com/loqalabs/loqa-dictate/dictation"),
	}
	if o.paster == nil {
		o.paster = nopPaster{}
	}
	if o.history == nil {
		o.history = nopHistory{}
	}
	if o.sink == nil {
		o.sink = MultiSink{}
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.background == nil {
		o.background = context.Background()
	}
	if err := o.initMetrics(); err != nil {
		o.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return o
}

func (o *Orchestrator) Status() protocol.Status {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return o.status
}

// LastError returns the message of the most recent failure while the status
// is StatusError.
func (o *Orchestrator) LastError() string {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return o.lastError
}

func (o *Orchestrator) IsRecording() bool {
	return o.recorder.IsRecording()
}

// StartRecording begins capture. It is a no-op while already recording.
func (o *Orchestrator) StartRecording(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startLocked(ctx)
}

// StopRecording ends capture and returns the transcript. Without an active
// recording it returns "" and touches nothing.
func (o *Orchestrator) StopRecording(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopLocked(ctx)
}

// Toggle starts a recording, or stops the active one and returns its
// transcript.
func (o *Orchestrator) Toggle(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.recorder.IsRecording() {
		return o.stopLocked(ctx)
	}
	return "", o.startLocked(ctx)
}

func (o *Orchestrator) startLocked(_ context.Context) error {
	if o.recorder.IsRecording() {
		return nil
	}
	if err := o.recorder.Start(); err != nil {
		o.setStatus(protocol.StatusError, err.Error())
		return fmt.Errorf("start recording: %w", err)
	}
	o.setStatus(protocol.StatusRecording, "")
	return nil
}

func (o *Orchestrator) stopLocked(ctx context.Context) (string, error) {
	if !o.recorder.IsRecording() {
		return "", nil
	}
	ctx, span := o.tracer.Start(ctx, "dictation.stop")
	defer span.End()

	o.setStatus(protocol.StatusProcessing, "")

	buf, err := o.recorder.Stop()
	if err != nil {
		return o.fail(ctx, span, fmt.Errorf("stop recording: %w", err))
	}
	buf = audio.ResampleTo16k(buf)
	span.SetAttributes(attribute.Int("audio.samples", len(buf.Samples)))
	if buf.Empty() {
		o.setStatus(protocol.StatusIdle, "")
		o.record(ctx, "empty", 0)
		return "", nil
	}

	st := o.settings.Snapshot()
	modelID := st.ActiveModel
	language := st.Language
	if language == "" {
		language = defaultLanguage
	}
	span.SetAttributes(attribute.String("model", modelID), attribute.String("language", language))

	modelPath, err := o.ensureModel(ctx, modelID)
	if err != nil {
		return o.fail(ctx, span, err)
	}

	wavPath, err := audio.WriteTempWAV(o.tempDir, buf.Samples)
	if err != nil {
		return o.fail(ctx, span, err)
	}

	start := o.clock()
	text, err := o.transcribe(ctx, transcribe.Request{
		ModelID:   modelID,
		ModelPath: modelPath,
		WAVPath:   wavPath,
		Language:  language,
	})
	elapsed := o.clock().Sub(start)
	if err != nil {
		o.log.Warn("transcription failed, keeping audio",
			slog.String("wav", wavPath),
			slog.String("model", modelID),
			slog.String("error", err.Error()))
		return o.fail(ctx, span, err)
	}
	if err := os.Remove(wavPath); err != nil {
		o.log.Warn("failed to remove temp wav", slog.String("wav", wavPath), slog.String("error", err.Error()))
	}

	result := protocol.TranscriptionResult{
		ID:         uuid.NewString(),
		Text:       text,
		ModelID:    modelID,
		Language:   language,
		DurationMS: elapsed.Milliseconds(),
		Timestamp:  o.clock().UTC(),
	}
	if text != "" {
		o.deliver(ctx, result)
	}
	o.sink.TranscriptionResult(result)
	o.setStatus(protocol.StatusIdle, "")
	o.record(ctx, "ok", elapsed)
	return text, nil
}

// deliver pastes the text and records usage. Failures are logged only.
func (o *Orchestrator) deliver(ctx context.Context, result protocol.TranscriptionResult) {
	if err := o.paster.Paste(ctx, result.Text); err != nil {
		o.log.Warn("paste failed", slog.String("error", err.Error()))
	}
	if err := o.settings.RecordTranscription(); err != nil {
		o.log.Warn("failed to record usage", slog.String("error", err.Error()))
	}
	_, err := o.history.Append(ctx, eventstore.Dictation{
		ID:         result.ID,
		ModelID:    result.ModelID,
		Language:   result.Language,
		Text:       result.Text,
		DurationMS: result.DurationMS,
		CreatedAt:  result.Timestamp,
	})
	if err != nil {
		o.log.Warn("failed to store dictation", slog.String("error", err.Error()))
	}
}

// transcribe runs the supervisor call on its own goroutine so ctx can
// abandon it.
func (o *Orchestrator) transcribe(ctx context.Context, req transcribe.Request) (string, error) {
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := o.transcriber.Transcribe(ctx, req)
		done <- result{text: text, err: err}
	}()
	select {
	case r := <-done:
		return strings.TrimSpace(r.text), r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, err error) (string, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.setStatus(protocol.StatusError, err.Error())
	o.record(ctx, "error", 0)
	return "", err
}

// ensureModel returns the model path, downloading the model when it is
// missing or undersized.
func (o *Orchestrator) ensureModel(ctx context.Context, modelID string) (string, error) {
	if modelID == "" || modelID == settings.NoModel {
		return "", fmt.Errorf("%w: no active model", models.ErrMissingOrInvalid)
	}
	path, err := o.models.Path(modelID)
	if err != nil {
		return "", err
	}
	err = o.models.Check(modelID)
	if err == nil {
		return path, nil
	}
	if !errors.Is(err, models.ErrMissingOrInvalid) {
		return "", err
	}
	o.log.Info("model missing, downloading", slog.String("model", modelID))
	return o.download(ctx, modelID)
}

func (o *Orchestrator) download(ctx context.Context, modelID string) (string, error) {
	o.sink.ModelProgress(protocol.ModelProgress{ModelID: modelID})
	path, err := o.models.Download(ctx, modelID, func(p models.Progress) {
		o.sink.ModelProgress(protocol.ModelProgress{
			ModelID:    p.ModelID,
			Downloaded: p.Downloaded,
			Total:      p.Total,
		})
	})
	if err != nil {
		o.sink.ModelProgress(protocol.ModelProgress{ModelID: modelID, Done: true, Error: err.Error()})
		if !errors.Is(err, models.ErrMissingOrInvalid) && !errors.Is(err, models.ErrUnknownModel) {
			err = fmt.Errorf("%w: %w", models.ErrMissingOrInvalid, err)
		}
		return "", err
	}
	o.sink.ModelProgress(protocol.ModelProgress{ModelID: modelID, Done: true})
	return path, nil
}

// Preload downloads the active model if needed and starts its server. It
// does not take the lifecycle lock, so dictation stays available while a
// model downloads.
func (o *Orchestrator) Preload(ctx context.Context) error {
	modelID := o.settings.Snapshot().ActiveModel
	if modelID == settings.NoModel {
		return nil
	}
	path, err := o.ensureModel(ctx, modelID)
	if err != nil {
		return err
	}
	return o.transcriber.Preload(ctx, modelID, path)
}

// SetActiveModel selects a catalog model for later dictations and warms its
// server in the background.
func (o *Orchestrator) SetActiveModel(_ context.Context, modelID string) error {
	if _, err := o.models.Path(modelID); err != nil {
		return err
	}
	if err := o.settings.SetActiveModel(modelID); err != nil {
		return err
	}
	o.warmups.Add(1)
	go func() {
		defer o.warmups.Done()
		if err := o.Preload(o.background); err != nil && !errors.Is(err, context.Canceled) {
			o.log.Warn("transcription server preload failed",
				slog.String("model", modelID),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Wait blocks until background warm-ups have returned.
func (o *Orchestrator) Wait() {
	o.warmups.Wait()
}

func (o *Orchestrator) SetLanguage(lang string) error {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return errors.New("language must not be empty")
	}
	return o.settings.SetLanguage(lang)
}

// DownloadModel fetches a model on request, publishing progress.
func (o *Orchestrator) DownloadModel(ctx context.Context, modelID string) error {
	if _, err := o.models.Path(modelID); err != nil {
		return err
	}
	if o.models.Check(modelID) == nil {
		return nil
	}
	_, err := o.download(ctx, modelID)
	return err
}

// DeleteModel removes a model and moves the active model elsewhere when it
// was the one deleted.
func (o *Orchestrator) DeleteModel(_ context.Context, modelID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.models.Delete(modelID); err != nil {
		return err
	}
	active, err := o.settings.ModelDeleted(modelID, o.models.Installed())
	if err != nil {
		return err
	}
	o.log.Info("model deleted", slog.String("model", modelID), slog.String("active_model", active))
	return nil
}

func (o *Orchestrator) setStatus(status protocol.Status, message string) {
	o.statusMu.Lock()
	o.status = status
	if status == protocol.StatusError {
		o.lastError = message
	} else {
		o.lastError = ""
	}
	o.statusMu.Unlock()

	o.sink.StatusChanged(protocol.StatusChanged{
		Status:    status,
		Message:   message,
		Timestamp: o.clock().UTC(),
	})
}

func (o *Orchestrator) record(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if o.outcomes != nil {
		o.outcomes.Add(ctx, 1, attrs)
	}
	if o.latency != nil && outcome == "ok" {
		o.latency.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (o *Orchestrator) initMetrics() error {
	if o.meter == nil {
		return nil
	}
	outcomes, err := o.meter.Int64Counter("loqa.dictation.completed", metric.WithDescription("Dictations by outcome"))
	if err != nil {
		return err
	}
	latency, err := o.meter.Float64Histogram("loqa.dictation.transcription_duration",
		metric.WithDescription("Time spent transcribing a dictation"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	o.outcomes = outcomes
	o.latency = latency
	return nil
}
