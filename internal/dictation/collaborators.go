package dictation

import (
	"context"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/models"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/settings"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

// Recorder is the capture worker.
type Recorder interface {
	Start() error
	Stop() (audio.Buffer, error)
	IsRecording() bool
}

// Transcriber is the transcription server supervisor.
type Transcriber interface {
	Transcribe(ctx context.Context, req transcribe.Request) (string, error)
	Preload(ctx context.Context, modelID, modelPath string) error
}

type ModelStore interface {
	Path(id string) (string, error)
	Check(id string) error
	Download(ctx context.Context, id string, progress func(models.Progress)) (string, error)
	Delete(id string) error
	Installed() []string
}

type Paster interface {
	Paste(ctx context.Context, text string) error
}

type Settings interface {
	Snapshot() settings.Settings
	SetActiveModel(id string) error
	SetLanguage(lang string) error
	RecordTranscription() error
	ModelDeleted(id string, installed []string) (string, error)
}

type History interface {
	Append(ctx context.Context, d eventstore.Dictation) (eventstore.Dictation, error)
}

// EventSink receives lifecycle events. Implementations must not block.
type EventSink interface {
	StatusChanged(protocol.StatusChanged)
	TranscriptionResult(protocol.TranscriptionResult)
	ModelProgress(protocol.ModelProgress)
}

// MultiSink fans events out to every sink in order.
type MultiSink []EventSink

func (m MultiSink) StatusChanged(ev protocol.StatusChanged) {
	for _, s := range m {
		s.StatusChanged(ev)
	}
}

func (m MultiSink) TranscriptionResult(ev protocol.TranscriptionResult) {
	for _, s := range m {
		s.TranscriptionResult(ev)
	}
}

func (m MultiSink) ModelProgress(ev protocol.ModelProgress) {
	for _, s := range m {
		s.ModelProgress(ev)
	}
}

type nopPaster struct{}

func (nopPaster) Paste(context.Context, string) error { return nil }

type nopHistory struct{}

func (nopHistory) Append(_ context.Context, d eventstore.Dictation) (eventstore.Dictation, error) {
	return d, nil
}
