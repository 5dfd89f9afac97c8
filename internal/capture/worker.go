// Package capture owns the microphone. A single worker goroutine opens and
// closes input streams in response to start and stop commands.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

var (
	// ErrDevice reports that no input stream could be opened or started.
	ErrDevice = errors.New("audio input device unavailable")
	// ErrClosed is returned once the worker has shut down.
	ErrClosed = errors.New("capture worker closed")
)

// Source opens input streams on the capture device. onSamples receives
// interleaved frames with the stream's channel count on the driver thread.
type Source interface {
	Open(onSamples func(interleaved []float32, channels int)) (Stream, error)
}

// Stream is an opened input stream.
type Stream interface {
	SampleRate() int
	Start() error
	Close() error
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
)

type command struct {
	kind       commandKind
	startReply chan error
	stopReply  chan audio.Buffer
}

// Worker serializes all device access onto one goroutine.
type Worker struct {
	source    Source
	cmds      chan command
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	recording atomic.Bool
	log       *slog.Logger
}

// session accumulates one recording. The driver callback is the only writer.
type session struct {
	stream     Stream
	sampleRate int
	mu         sync.Mutex
	samples    []float32
}

func (s *session) append(interleaved []float32, channels int) {
	s.mu.Lock()
	s.samples = audio.AppendDownmix(s.samples, interleaved, channels)
	s.mu.Unlock()
}

func (s *session) snapshot() audio.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.Buffer{
		Samples:    append([]float32(nil), s.samples...),
		SampleRate: s.sampleRate,
	}
}

// NewWorker starts the capture goroutine. Close stops it.
func NewWorker(source Source, log *slog.Logger) *Worker {
	w := &Worker{
		source: source,
		cmds:   make(chan command),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		log:    log.With(slog.String("component", "capture")),
	}
	go w.run()
	return w
}

// Start opens the default input device and begins streaming. It is a no-op
// while a stream is already active.
func (w *Worker) Start() error {
	reply := make(chan error, 1)
	if err := w.send(command{kind: cmdStart, startReply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-w.done:
		return ErrClosed
	}
}

// Stop closes the active stream and returns everything captured since
// Start. Without an active stream it returns an empty 16 kHz buffer.
func (w *Worker) Stop() (audio.Buffer, error) {
	reply := make(chan audio.Buffer, 1)
	if err := w.send(command{kind: cmdStop, stopReply: reply}); err != nil {
		return audio.Buffer{}, err
	}
	select {
	case buf := <-reply:
		return buf, nil
	case <-w.done:
		return audio.Buffer{}, ErrClosed
	}
}

// IsRecording is safe to call from any goroutine.
func (w *Worker) IsRecording() bool {
	return w.recording.Load()
}

// Close stops any active stream and ends the worker goroutine.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.quit) })
	<-w.done
}

func (w *Worker) send(cmd command) error {
	select {
	case <-w.quit:
		return ErrClosed
	default:
	}
	select {
	case w.cmds <- cmd:
		return nil
	case <-w.quit:
		return ErrClosed
	}
}

func (w *Worker) run() {
	defer close(w.done)

	var active *session
	for {
		select {
		case <-w.quit:
			if active != nil {
				w.closeStream(active)
				w.recording.Store(false)
			}
			return
		case cmd := <-w.cmds:
			switch cmd.kind {
			case cmdStart:
				if active != nil {
					cmd.startReply <- nil
					continue
				}
				sess, err := w.open()
				if err != nil {
					w.log.Warn("failed to start capture", slog.String("error", err.Error()))
					cmd.startReply <- err
					continue
				}
				active = sess
				w.recording.Store(true)
				w.log.Debug("capture started", slog.Int("sample_rate", sess.sampleRate))
				cmd.startReply <- nil
			case cmdStop:
				if active == nil {
					cmd.stopReply <- audio.Buffer{SampleRate: audio.TargetSampleRate}
					continue
				}
				w.closeStream(active)
				w.recording.Store(false)
				buf := active.snapshot()
				active = nil
				w.log.Debug("capture stopped",
					slog.Int("samples", len(buf.Samples)),
					slog.Int("sample_rate", buf.SampleRate))
				cmd.stopReply <- buf
			}
		}
	}
}

func (w *Worker) open() (*session, error) {
	sess := &session{}
	stream, err := w.source.Open(sess.append)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDevice, err)
	}
	sess.stream = stream
	sess.sampleRate = stream.SampleRate()
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: start stream: %w", ErrDevice, err)
	}
	return sess, nil
}

func (w *Worker) closeStream(sess *session) {
	if err := sess.stream.Close(); err != nil {
		w.log.Warn("failed to close input stream", slog.String("error", err.Error()))
	}
}
