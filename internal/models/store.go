package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Status reports the local state of one catalog model.
type Status struct {
	Info
	Installed bool `json:"installed"`
	Partial   bool `json:"partial"`
}

// Progress is reported while a download runs. Total is zero when the server
// did not announce a length.
type Progress struct {
	ModelID    string
	Downloaded int64
	Total      int64
}

// Option configures a Store.
type Option func(*Store)

// WithCatalog replaces the built-in model list.
func WithCatalog(catalog []Info) Option {
	return func(s *Store) { s.catalog = catalog }
}

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Store) { s.client = client }
}

// WithRetryBackOff sets the delay policy between download attempts.
func WithRetryBackOff(b backoff.BackOff) Option {
	return func(s *Store) { s.backOff = b }
}

type Store struct {
	dir         string
	baseURL     string
	stall       time.Duration
	maxAttempts int
	catalog     []Info
	client      *http.Client
	backOff     backoff.BackOff
	log         *slog.Logger

	downloadMu sync.Mutex
}

func NewStore(cfg config.ModelsConfig, log *slog.Logger, opts ...Option) *Store {
	s := &Store{
		dir:         cfg.Dir,
		baseURL:     cfg.BaseURL,
		stall:       time.Duration(cfg.StallTimeoutMS) * time.Millisecond,
		maxAttempts: cfg.MaxAttempts,
		catalog:     DefaultCatalog,
		client:      &http.Client{Transport: &http.Transport{Proxy: http.ProxyFromEnvironment, ResponseHeaderTimeout: 15 * time.Second}},
		log:         log.With(slog.String("component", "model-store")),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	return s
}

func (s *Store) lookup(id string) (Info, error) {
	for _, info := range s.catalog {
		if info.ID == id {
			return info, nil
		}
	}
	return Info{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
}

// Path returns where the model file lives, whether or not it exists.
func (s *Store) Path(id string) (string, error) {
	info, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, info.FileName), nil
}

// Check returns nil when the model file exists and meets its minimum size.
func (s *Store) Check(id string) error {
	info, err := s.lookup(id)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, info.FileName)
	stat, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s not found", ErrMissingOrInvalid, path)
	}
	if err != nil {
		return fmt.Errorf("stat model: %w", err)
	}
	if stat.Size() < info.MinBytes {
		return fmt.Errorf("%w: %s is %d bytes, want at least %d", ErrMissingOrInvalid, path, stat.Size(), info.MinBytes)
	}
	return nil
}

func (s *Store) Valid(id string) bool {
	return s.Check(id) == nil
}

func (s *Store) List() []Status {
	out := make([]Status, 0, len(s.catalog))
	for _, info := range s.catalog {
		_, partErr := os.Stat(filepath.Join(s.dir, info.FileName+".part"))
		out = append(out, Status{
			Info:      info,
			Installed: s.Valid(info.ID),
			Partial:   partErr == nil,
		})
	}
	return out
}

// Installed returns the ids of valid local models in catalog order.
func (s *Store) Installed() []string {
	var ids []string
	for _, status := range s.List() {
		if status.Installed {
			ids = append(ids, status.ID)
		}
	}
	return ids
}

// Delete removes the model file and any partial download.
func (s *Store) Delete(id string) error {
	path, err := s.Path(id)
	if err != nil {
		return err
	}
	s.downloadMu.Lock()
	defer s.downloadMu.Unlock()

	var errs []error
	for _, p := range []string{path, path + ".part"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Download fetches the model unless a valid copy exists and returns its
// path. Interrupted downloads resume from the .part file. Client errors are
// not retried.
func (s *Store) Download(ctx context.Context, id string, progress func(Progress)) (string, error) {
	info, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	s.downloadMu.Lock()
	defer s.downloadMu.Unlock()

	path := filepath.Join(s.dir, info.FileName)
	if s.Check(id) == nil {
		return path, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create models dir: %w", err)
	}
	// An undersized final file is never resumed.
	_ = os.Remove(path)

	if progress == nil {
		progress = func(Progress) {}
	}
	url := downloadURL(s.baseURL, info)
	opts := []backoff.RetryOption{
		backoff.WithMaxTries(uint(s.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn("model download failed, retrying",
				slog.String("model", id),
				slog.Duration("backoff", next),
				slog.String("error", err.Error()))
		}),
	}
	if s.backOff != nil {
		opts = append(opts, backoff.WithBackOff(s.backOff))
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.fetch(ctx, info, url, path+".part", progress)
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", id, err)
	}

	if err := os.Rename(path+".part", path); err != nil {
		return "", fmt.Errorf("install model: %w", err)
	}
	if err := s.Check(id); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	s.log.Info("model installed", slog.String("model", id), slog.String("path", path))
	return path, nil
}

// fetch performs one attempt, appending to partPath when the server honours
// the range request.
func (s *Store) fetch(ctx context.Context, info Info, url, partPath string, progress func(Progress)) error {
	var offset int64
	if stat, err := os.Stat(partPath); err == nil {
		offset = stat.Size()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		_ = os.Remove(partPath)
		return fmt.Errorf("server rejected resume at %d bytes", offset)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("download %s: unexpected status %s", url, resp.Status))
	default:
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	var total int64
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	file, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("open partial file: %w", err))
	}
	counter := &progressWriter{
		id:         info.ID,
		downloaded: offset,
		total:      total,
		report:     progress,
	}
	counter.emit()

	body := &stallReader{r: resp.Body, timeout: s.stall, onStall: cancel}
	_, copyErr := io.Copy(io.MultiWriter(file, counter), body)
	body.stop()
	closeErr := file.Close()
	if copyErr != nil {
		if body.stalled() {
			return fmt.Errorf("download stalled for %s after %d bytes", info.ID, counter.downloaded)
		}
		return fmt.Errorf("read body: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close partial file: %w", closeErr)
	}
	counter.emit()
	if total > 0 && counter.downloaded != total {
		return fmt.Errorf("short download: got %d of %d bytes", counter.downloaded, total)
	}
	return nil
}
