package stt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// MinSamples is the shortest input handed to an engine; anything shorter
// transcribes to nothing.
const MinSamples = audio.TargetSampleRate / 4

const maxRequestLine = 64 * 1024

// Serve reads "<language>\t<wav path>" lines from in and writes one
// transcript line per request to out. A line without a tab is treated as a
// path in defaultLanguage. Engine failures and clips shorter than
// MinSamples are answered with an empty line, which the supervisor treats
// as a dead server: it respawns once (a full model reload) and then fails
// the dictation with transcribe.ErrEmptyResponse. Serve returns
// nil when in reaches EOF.
func Serve(ctx context.Context, engine Engine, defaultLanguage string, in io.Reader, out io.Writer, log *slog.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), maxRequestLine)
	writer := bufio.NewWriter(out)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lang, path := parseRequest(line, defaultLanguage)

		text, err := transcribeFile(ctx, engine, lang, path)
		if err != nil {
			log.Warn("transcription failed",
				slog.String("wav", path),
				slog.String("language", lang),
				slog.String("error", err.Error()))
			text = ""
		}
		if _, err := writer.WriteString(singleLine(text) + "\n"); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("flush response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

func parseRequest(line, defaultLanguage string) (lang, path string) {
	lang, path, found := strings.Cut(line, "\t")
	if !found {
		return defaultLanguage, strings.TrimSpace(line)
	}
	lang = strings.TrimSpace(lang)
	if lang == "" {
		lang = defaultLanguage
	}
	return lang, strings.TrimSpace(path)
}

func transcribeFile(ctx context.Context, engine Engine, lang, path string) (string, error) {
	samples, err := audio.ReadWAV(path)
	if err != nil {
		return "", err
	}
	if len(samples) < MinSamples {
		return "", nil
	}
	result, err := engine.Transcribe(ctx, Request{WAVPath: path, Language: lang, Samples: samples})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// singleLine collapses every whitespace run, newlines included, to a space.
func singleLine(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
