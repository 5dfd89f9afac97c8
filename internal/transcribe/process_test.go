package transcribe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const helperEnv = "LOQA_TRANSCRIBE_HELPER"

// TestMain lets the test binary stand in for the server process.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		runHelper(mode)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelper(mode string) {
	model := os.Args[len(os.Args)-1]
	fmt.Fprintln(os.Stderr, "helper ready")
	if mode == "hang" {
		time.Sleep(time.Hour)
		return
	}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if mode == "crash-once" {
			marker := os.Getenv("LOQA_HELPER_MARKER")
			if _, err := os.Stat(marker); errors.Is(err, os.ErrNotExist) {
				_ = os.WriteFile(marker, nil, 0o644)
				os.Exit(3)
			}
		}
		lang, path, _ := strings.Cut(scanner.Text(), "\t")
		fmt.Printf("%s|%s|%s\n", lang, filepath.Base(path), filepath.Base(model))
	}
}

func helperSupervisor(t *testing.T, mode string, opts ...Option) *Supervisor {
	t.Helper()
	t.Setenv(helperEnv, mode)
	spawn := NewProcessSpawner([]string{os.Args[0]}, 100*time.Millisecond, quietLogger())
	sup := New(spawn, quietLogger(), opts...)
	t.Cleanup(func() { _ = sup.Close() })
	return sup
}

func TestProcessRoundTrip(t *testing.T) {
	sup := helperSupervisor(t, "echo")

	for i := 0; i < 3; i++ {
		text, err := sup.Transcribe(context.Background(), request("base"))
		if err != nil {
			t.Fatalf("transcribe %d: %v", i, err)
		}
		if text != "en|a.wav|base.bin" {
			t.Fatalf("unexpected response %q", text)
		}
	}
}

func TestProcessRespawnAfterCrash(t *testing.T) {
	t.Setenv("LOQA_HELPER_MARKER", filepath.Join(t.TempDir(), "crashed"))
	sup := helperSupervisor(t, "crash-once")

	text, err := sup.Transcribe(context.Background(), request("small"))
	if err != nil {
		t.Fatalf("expected respawn to recover, got %v", err)
	}
	if text != "en|a.wav|small.bin" {
		t.Fatalf("unexpected response %q", text)
	}
}

func TestProcessTimeoutKillsServer(t *testing.T) {
	sup := helperSupervisor(t, "hang", WithRequestTimeout(200*time.Millisecond))

	start := time.Now()
	_, err := sup.Transcribe(context.Background(), request("base"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
}

func TestProcessCloseKillsAfterGrace(t *testing.T) {
	t.Setenv(helperEnv, "hang")
	server, err := startProcess([]string{os.Args[0]}, "/models/base.bin", 50*time.Millisecond, quietLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- server.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close did not kill hung process")
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	spawn := NewProcessSpawner([]string{filepath.Join(t.TempDir(), "missing")}, time.Second, quietLogger())
	sup := New(spawn, quietLogger())
	if _, err := sup.Transcribe(context.Background(), request("base")); !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestDefaultCommand(t *testing.T) {
	args, err := DefaultCommand("", "/etc/loqa/dictate.yaml")
	if err != nil {
		t.Fatalf("default command: %v", err)
	}
	tail := strings.Join(args[1:], " ")
	if tail != "-config /etc/loqa/dictate.yaml --transcribe-server --model" {
		t.Fatalf("unexpected default args %q", tail)
	}

	args, err = DefaultCommand(`"/opt/my server/bin" --model`, "")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if len(args) != 2 || args[0] != "/opt/my server/bin" {
		t.Fatalf("unexpected override args %q", args)
	}
}

func TestLineLoggerSplitsLines(t *testing.T) {
	var out bytes.Buffer
	l := &lineLogger{log: slog.New(slog.NewTextHandler(&out, nil))}
	_, _ = l.Write([]byte("partial"))
	_, _ = l.Write([]byte(" line\nsecond\n\n"))

	logged := out.String()
	if strings.Count(logged, "server output") != 2 {
		t.Fatalf("expected two forwarded lines, got %q", logged)
	}
	if !strings.Contains(logged, `line="partial line"`) {
		t.Fatalf("expected joined partial line, got %q", logged)
	}
	if len(l.buf) != 0 {
		t.Fatalf("expected buffer drained, got %q", l.buf)
	}
}
