package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execEngine struct {
	cmd       []string
	modelPath string
	mu        sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecEngine runs command once per request with --audio, --model and
// --language appended. The command prints either {"text": ...} or the bare
// transcript on stdout.
func NewExecEngine(command, modelPath string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execEngine{cmd: args, modelPath: modelPath}, nil
}

func (e *execEngine) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", req.WAVPath)
	if e.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", e.modelPath)
	}
	if !autoDetect(req.Language) {
		cmdArgs = append(cmdArgs, "--language", req.Language)
	}

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, e.cmd[0], cmdArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 || out[0] != '{' {
		return TranscriptResult{Text: string(out)}, nil
	}
	var resp execResult
	if err := json.Unmarshal(out, &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func (e *execEngine) Close() error { return nil }
