// Package notify shows desktop notifications for dictation events.
package notify

import (
	"log/slog"
	"unicode/utf8"

	"github.com/gen2brain/beeep"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

const previewRunes = 80

// Notifier turns dictation events into desktop notifications.
type Notifier struct {
	title  string
	log    *slog.Logger
	notify func(title, message, icon string) error
}

func New(cfg config.NotifyConfig, log *slog.Logger) *Notifier {
	return &Notifier{
		title: cfg.Title,
		log:   log.With(slog.String("component", "notify")),
		notify: func(title, message, icon string) error {
			return beeep.Notify(title, message, icon)
		},
	}
}

func (n *Notifier) StatusChanged(ev protocol.StatusChanged) {
	switch ev.Status {
	case protocol.StatusRecording:
		n.send("Recording started")
	case protocol.StatusError:
		msg := "Dictation failed"
		if ev.Message != "" {
			msg += ": " + ev.Message
		}
		n.send(msg)
	}
}

func (n *Notifier) TranscriptionResult(ev protocol.TranscriptionResult) {
	if ev.Text == "" {
		n.send("Nothing recognized")
		return
	}
	n.send(preview(ev.Text))
}

func (n *Notifier) ModelProgress(ev protocol.ModelProgress) {
	if !ev.Done {
		return
	}
	if ev.Error != "" {
		n.send("Model " + ev.ModelID + " download failed: " + ev.Error)
		return
	}
	n.send("Model " + ev.ModelID + " ready")
}

func (n *Notifier) send(message string) {
	if err := n.notify(n.title, message, ""); err != nil {
		n.log.Debug("notification failed", slog.String("error", err.Error()))
	}
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes-1]) + "…"
}
