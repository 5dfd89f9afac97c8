package notify

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

func newTestNotifier() (*Notifier, *[]string) {
	n := New(config.NotifyConfig{Enabled: true, Title: "Loqa Dictate"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var sent []string
	n.notify = func(title, message, _ string) error {
		sent = append(sent, title+": "+message)
		return nil
	}
	return n, &sent
}

func TestStatusNotifications(t *testing.T) {
	n, sent := newTestNotifier()
	n.StatusChanged(protocol.StatusChanged{Status: protocol.StatusRecording})
	n.StatusChanged(protocol.StatusChanged{Status: protocol.StatusProcessing})
	n.StatusChanged(protocol.StatusChanged{Status: protocol.StatusIdle})
	n.StatusChanged(protocol.StatusChanged{Status: protocol.StatusError, Message: "no input device"})

	want := []string{
		"Loqa Dictate: Recording started",
		"Loqa Dictate: Dictation failed: no input device",
	}
	if strings.Join(*sent, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected notifications %q", *sent)
	}
}

func TestResultPreviewTruncates(t *testing.T) {
	n, sent := newTestNotifier()
	n.TranscriptionResult(protocol.TranscriptionResult{Text: strings.Repeat("ä", 200)})
	msg := strings.TrimPrefix((*sent)[0], "Loqa Dictate: ")
	if got := utf8.RuneCountInString(msg); got != previewRunes {
		t.Fatalf("expected %d runes, got %d", previewRunes, got)
	}
}

func TestModelProgressOnlyWhenDone(t *testing.T) {
	n, sent := newTestNotifier()
	n.ModelProgress(protocol.ModelProgress{ModelID: "base", Downloaded: 10, Total: 100})
	n.ModelProgress(protocol.ModelProgress{ModelID: "base", Done: true})
	if len(*sent) != 1 || !strings.Contains((*sent)[0], "base ready") {
		t.Fatalf("unexpected notifications %q", *sent)
	}
}
