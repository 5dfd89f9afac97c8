// Package stt implements the transcription server that runs as the
// supervised child process. It answers one request line with one response
// line until its input closes.
package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// TranscriptResult captures engine output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Request describes one decoded audio file. Samples are mono 16 kHz.
type Request struct {
	WAVPath  string
	Language string
	Samples  []float32
}

// Engine abstracts speech recognition backends.
type Engine interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
	Close() error
}

// NewEngine builds the backend selected by cfg for the model at modelPath.
func NewEngine(cfg config.STTConfig, modelPath string) (Engine, error) {
	switch cfg.Engine {
	case "mock":
		return NewMockEngine(), nil
	case "exec":
		return NewExecEngine(cfg.Command, modelPath)
	case "openai":
		return NewOpenAIEngine(cfg), nil
	case "whisper":
		return NewWhisperEngine(modelPath, cfg.Threads)
	default:
		return nil, fmt.Errorf("unknown stt engine %q", cfg.Engine)
	}
}

// autoDetect reports whether lang asks the engine to pick the language.
func autoDetect(lang string) bool {
	return lang == "" || lang == "auto"
}
