// Package models manages the on-disk ggml model files the transcription
// server loads, including resumable downloads.
package models

import (
	"errors"
	"strings"
)

const mib = 1024 * 1024

// None is the active model id when no model is installed.
const None = "none"

var (
	ErrUnknownModel = errors.New("unknown model")
	// ErrMissingOrInvalid reports a model file that is absent or smaller
	// than its catalog minimum.
	ErrMissingOrInvalid = errors.New("model missing or invalid")
)

// Info describes one downloadable model.
type Info struct {
	ID       string `json:"id"`
	SizeMB   int    `json:"size_mb"`
	FileName string `json:"file_name"`
	MinBytes int64  `json:"min_bytes"`
}

// DefaultCatalog lists the whisper.cpp ggml models.
var DefaultCatalog = []Info{
	{ID: "tiny", SizeMB: 75, FileName: "ggml-tiny.bin", MinBytes: 70 * mib},
	{ID: "base", SizeMB: 142, FileName: "ggml-base.bin", MinBytes: 135 * mib},
	{ID: "small", SizeMB: 466, FileName: "ggml-small.bin", MinBytes: 440 * mib},
	{ID: "medium", SizeMB: 1500, FileName: "ggml-medium.bin", MinBytes: 1400 * mib},
	{ID: "large", SizeMB: 2900, FileName: "ggml-large.bin", MinBytes: 2700 * mib},
}

func downloadURL(baseURL string, info Info) string {
	return strings.TrimRight(baseURL, "/") + "/" + info.FileName
}
