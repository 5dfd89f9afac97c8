//go:build !whisper

package stt

import "errors"

const WhisperSupported = false

// ErrWhisperUnavailable is returned when the binary was built without the
// whisper tag.
var ErrWhisperUnavailable = errors.New("whisper engine not compiled in (build with -tags whisper)")

func NewWhisperEngine(string, int) (Engine, error) {
	return nil, ErrWhisperUnavailable
}
