package stt

import (
	"context"
	"fmt"
)

type mockEngine struct{}

func NewMockEngine() Engine {
	return &mockEngine{}
}

func (m *mockEngine) Transcribe(_ context.Context, req Request) (TranscriptResult, error) {
	return TranscriptResult{
		Text: fmt.Sprintf("[transcript samples=%d]", len(req.Samples)),
	}, nil
}

func (m *mockEngine) Close() error { return nil }
