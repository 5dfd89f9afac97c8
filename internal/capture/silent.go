package capture

import "github.com/loqalabs/loqa-dictate/internal/audio"

// SilentSource opens streams that never deliver samples. It lets the daemon
// run on hosts without an input device.
type SilentSource struct{}

type silentStream struct{}

func (SilentSource) Open(func([]float32, int)) (Stream, error) {
	return silentStream{}, nil
}

func (silentStream) SampleRate() int { return audio.TargetSampleRate }
func (silentStream) Start() error    { return nil }
func (silentStream) Close() error    { return nil }
