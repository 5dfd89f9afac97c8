package stt

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// openAIEngine sends each WAV file to an OpenAI compatible transcription
// endpoint. The local model path is unused.
type openAIEngine struct {
	client *openai.Client
	model  string
}

func NewOpenAIEngine(cfg config.STTConfig) Engine {
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}
	return &openAIEngine{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.OpenAIModel,
	}
}

func (e *openAIEngine) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	request := openai.AudioRequest{
		Model:    e.model,
		FilePath: req.WAVPath,
		Format:   openai.AudioResponseFormatJSON,
	}
	if !autoDetect(req.Language) {
		request.Language = req.Language
	}
	resp, err := e.client.CreateTranscription(ctx, request)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("openai transcription: %w", err)
	}
	return TranscriptResult{Text: resp.Text}, nil
}

func (e *openAIEngine) Close() error { return nil }
