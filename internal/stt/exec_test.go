package stt

import (
	"context"
	"os/exec"
	"testing"
)

func TestExecEngineOutputs(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cases := []struct {
		name    string
		command string
		want    string
		wantErr bool
	}{
		{name: "json", command: `sh -c 'echo "{\"text\": \"hello there\", \"confidence\": 0.9}"'`, want: "hello there"},
		{name: "plain", command: `sh -c 'echo "  plain words  "'`, want: "plain words"},
		{name: "args", command: `sh -c 'echo "$@"' sh`, want: "--audio /tmp/a.wav --model /models/base.bin --language de"},
		{name: "failure", command: `sh -c 'echo boom >&2; exit 3'`, wantErr: true},
		{name: "bad json", command: `sh -c 'echo "{not json"'`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, err := NewExecEngine(tc.command, "/models/base.bin")
			if err != nil {
				t.Fatalf("new engine: %v", err)
			}
			res, err := engine.Transcribe(context.Background(), Request{WAVPath: "/tmp/a.wav", Language: "de"})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", res)
				}
				return
			}
			if err != nil {
				t.Fatalf("transcribe: %v", err)
			}
			if res.Text != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, res.Text)
			}
		})
	}
}

func TestExecEngineRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecEngine("   ", ""); err == nil {
		t.Fatal("expected error for empty command")
	}
}
