package transcribe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ServerFlag switches the binary into transcription server mode.
const ServerFlag = "--transcribe-server"

// DefaultCommand returns the argv used to start the server when no override
// is configured: this executable in server mode. The model path is appended
// at spawn time, so the argv must end with the flag that takes it.
func DefaultCommand(override, configPath string) ([]string, error) {
	if strings.TrimSpace(override) != "" {
		args, err := shellwords.NewParser().Parse(override)
		if err != nil {
			return nil, fmt.Errorf("parse transcribe command: %w", err)
		}
		if len(args) == 0 {
			return nil, errors.New("transcribe command is empty")
		}
		return args, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	args := []string{exe}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	return append(args, ServerFlag, "--model"), nil
}

// NewProcessSpawner starts servers as child processes running argv plus the
// model path. Closing a server closes its stdin and kills it if it has not
// exited within grace.
func NewProcessSpawner(argv []string, grace time.Duration, log *slog.Logger) SpawnFunc {
	log = log.With(slog.String("component", "transcribe-server"))
	return func(_ context.Context, modelPath string) (Server, error) {
		return startProcess(argv, modelPath, grace, log)
	}
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	grace  time.Duration
	log    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

type response struct {
	line string
	err  error
}

func startProcess(argv []string, modelPath string, grace time.Duration, log *slog.Logger) (*process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty server command")
	}
	args := append(append([]string{}, argv[1:]...), modelPath)
	cmd := exec.Command(argv[0], args...)
	cmd.Stderr = &lineLogger{log: log}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	log.Debug("server process started", slog.Int("pid", cmd.Process.Pid), slog.String("model_path", modelPath))
	return &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		grace:  grace,
		log:    log,
	}, nil
}

// Request writes line and waits for one response line. When ctx ends first
// the process is killed so the pending read returns.
func (p *process) Request(ctx context.Context, line string) (string, error) {
	done := make(chan response, 1)
	go func() {
		if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
			done <- response{err: fmt.Errorf("write request: %w", err)}
			return
		}
		resp, err := p.stdout.ReadString('\n')
		if err != nil {
			done <- response{err: fmt.Errorf("read response: %w", err)}
			return
		}
		done <- response{line: strings.TrimRight(resp, "\r\n")}
	}()

	select {
	case r := <-done:
		return r.line, r.err
	case <-ctx.Done():
		p.kill()
		return "", ctx.Err()
	}
}

func (p *process) kill() {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Warn("failed to kill server process", slog.String("error", err.Error()))
	}
}

func (p *process) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		exited := make(chan error, 1)
		go func() { exited <- p.cmd.Wait() }()

		var err error
		select {
		case err = <-exited:
		case <-time.After(p.grace):
			p.log.Warn("server process did not exit, killing", slog.Int("pid", p.cmd.Process.Pid))
			p.kill()
			err = <-exited
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.closeErr = err
		}
	})
	return p.closeErr
}

// lineLogger forwards child stderr to the logger one line at a time.
type lineLogger struct {
	log *slog.Logger
	buf []byte
}

const maxLogLine = 16 * 1024

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > maxLogLine {
		l.emit(l.buf)
		l.buf = l.buf[:0]
	}
	return len(p), nil
}

func (l *lineLogger) emit(line []byte) {
	text := strings.TrimSpace(string(line))
	if text != "" {
		l.log.Info("server output", slog.String("line", text))
	}
}
