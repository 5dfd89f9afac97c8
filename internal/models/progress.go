package models

import (
	"io"
	"sync"
	"time"
)

// progressWriter reports download progress at most once per percent, or
// once per MiB when the total is unknown.
type progressWriter struct {
	id         string
	downloaded int64
	total      int64
	lastReport int64
	report     func(Progress)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.downloaded += int64(len(b))
	step := int64(mib)
	if p.total > 0 {
		step = max(p.total/100, 1)
	}
	if p.downloaded-p.lastReport >= step {
		p.emit()
	}
	return len(b), nil
}

func (p *progressWriter) emit() {
	p.lastReport = p.downloaded
	p.report(Progress{ModelID: p.id, Downloaded: p.downloaded, Total: p.total})
}

// stallReader cancels the download when no bytes arrive within timeout.
type stallReader struct {
	r       io.Reader
	timeout time.Duration
	onStall func()

	once  sync.Once
	timer *time.Timer
	mu    sync.Mutex
	fired bool
}

func (s *stallReader) Read(b []byte) (int, error) {
	s.once.Do(func() {
		if s.timeout > 0 {
			s.timer = time.AfterFunc(s.timeout, s.fire)
		}
	})
	n, err := s.r.Read(b)
	if n > 0 && s.timer != nil {
		s.timer.Reset(s.timeout)
	}
	return n, err
}

func (s *stallReader) fire() {
	s.mu.Lock()
	s.fired = true
	s.mu.Unlock()
	s.onStall()
}

func (s *stallReader) stalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

func (s *stallReader) stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
}
