//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperSupported reports whether the whisper engine is compiled in.
const WhisperSupported = true

// whisperEngine keeps one loaded model for the life of the server.
type whisperEngine struct {
	model   whisper.Model
	threads int
	mu      sync.Mutex
}

// NewWhisperEngine loads the model once. The Go bindings expose no context
// parameters, so the compute backend is whatever libwhisper was built with:
// a GPU-enabled build (-DGGML_CUDA, -DGGML_METAL, ...) offloads and
// falls back to CPU inside whisper.cpp when no device initializes, and a
// plain build runs on CPU. There is no second load attempt here.
func NewWhisperEngine(modelPath string, threads int) (Engine, error) {
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %s: %w", modelPath, err)
	}
	return &whisperEngine{model: model, threads: threads}, nil
}

func (e *whisperEngine) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wctx, err := e.model.NewContext()
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper context: %w", err)
	}
	lang := req.Language
	if autoDetect(lang) {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return TranscriptResult{}, fmt.Errorf("set language %q: %w", lang, err)
	}
	if e.threads > 0 {
		wctx.SetThreads(uint(e.threads))
	}
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if err := wctx.Process(req.Samples, nil, nil, nil); err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper process: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return TranscriptResult{}, fmt.Errorf("read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return TranscriptResult{Text: strings.Join(parts, " ")}, nil
}

func (e *whisperEngine) Close() error {
	return e.model.Close()
}
