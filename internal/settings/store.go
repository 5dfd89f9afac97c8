// Package settings persists user preferences and usage counters in a YAML
// file. Every change is a locked read-modify-write followed by a save.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// FallbackModel is chosen when neither the active nor the preferred model is
// installed.
const FallbackModel = "base"

// NoModel marks that no model is usable.
const NoModel = "none"

type Settings struct {
	ActiveModel            string `yaml:"active_model" json:"active_model"`
	PreferredModel         string `yaml:"preferred_model" json:"preferred_model"`
	Language               string `yaml:"language" json:"language"`
	FreeTranscriptionsLeft int    `yaml:"free_transcriptions_left" json:"free_transcriptions_left"`
	TotalTranscriptions    int    `yaml:"total_transcriptions" json:"total_transcriptions"`
}

type Store struct {
	path    string
	log     *slog.Logger
	mu      sync.Mutex
	current Settings
}

// Open loads the settings file, or starts from cfg defaults when the file
// does not exist yet.
func Open(cfg config.SettingsConfig, log *slog.Logger) (*Store, error) {
	s := &Store{
		path: cfg.Path,
		log:  log.With(slog.String("component", "settings")),
		current: Settings{
			ActiveModel:            cfg.DefaultModel,
			PreferredModel:         cfg.DefaultModel,
			Language:               cfg.DefaultLanguage,
			FreeTranscriptionsLeft: cfg.FreeTranscriptions,
		},
	}
	data, err := os.ReadFile(cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.current); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if s.current.PreferredModel == "" {
		s.current.PreferredModel = s.current.ActiveModel
	}
	return s, nil
}

func (s *Store) Snapshot() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Update applies fn and saves the result. When saving fails the in-memory
// settings are left unchanged.
func (s *Store) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	fn(&next)
	if next == s.current {
		return next, nil
	}
	if err := s.save(next); err != nil {
		return s.current, err
	}
	s.current = next
	return next, nil
}

// SetActiveModel makes id both the active and the preferred model.
func (s *Store) SetActiveModel(id string) error {
	_, err := s.Update(func(st *Settings) {
		st.ActiveModel = id
		st.PreferredModel = id
	})
	return err
}

func (s *Store) SetLanguage(lang string) error {
	_, err := s.Update(func(st *Settings) { st.Language = lang })
	return err
}

// RecordTranscription counts one successful dictation. The free counter
// never goes below zero.
func (s *Store) RecordTranscription() error {
	_, err := s.Update(func(st *Settings) {
		if st.FreeTranscriptionsLeft > 0 {
			st.FreeTranscriptionsLeft--
		}
		st.TotalTranscriptions++
	})
	return err
}

// ResolveActiveModel keeps the active model if it is installed, otherwise
// switches to the preferred model when installed, otherwise to
// FallbackModel.
func (s *Store) ResolveActiveModel(installed []string) (string, error) {
	next, err := s.Update(func(st *Settings) {
		if slices.Contains(installed, st.ActiveModel) {
			return
		}
		if slices.Contains(installed, st.PreferredModel) {
			st.ActiveModel = st.PreferredModel
			return
		}
		st.ActiveModel = FallbackModel
	})
	return next.ActiveModel, err
}

// ModelDeleted moves the active model off id after it was removed. With
// nothing suitable installed the active model becomes NoModel.
func (s *Store) ModelDeleted(id string, installed []string) (string, error) {
	next, err := s.Update(func(st *Settings) {
		if st.ActiveModel != id {
			return
		}
		switch {
		case st.PreferredModel != id && slices.Contains(installed, st.PreferredModel):
			st.ActiveModel = st.PreferredModel
		case slices.Contains(installed, FallbackModel):
			st.ActiveModel = FallbackModel
		default:
			st.ActiveModel = NoModel
		}
	})
	return next.ActiveModel, err
}

func (s *Store) save(st Settings) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace settings: %w", err)
	}
	s.log.Debug("settings saved", slog.String("path", s.path))
	return nil
}
