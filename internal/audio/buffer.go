// Package audio holds captured sample buffers and the conversions applied
// between the microphone and the transcription server.
package audio

import "errors"

// TargetSampleRate is the rate the transcription server expects.
const TargetSampleRate = 16000

// ErrEncoding reports a failure writing a WAV file.
var ErrEncoding = errors.New("wav encoding failed")

// Buffer is a mono capture at its native sample rate. Treat it as a value:
// nothing mutates Samples after the capture worker hands it off.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Empty reports whether the buffer holds no samples.
func (b Buffer) Empty() bool {
	return len(b.Samples) == 0
}

// DurationMS returns the captured length in milliseconds.
func (b Buffer) DurationMS() int64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return int64(len(b.Samples)) * 1000 / int64(b.SampleRate)
}

// AppendDownmix averages each interleaved frame of the given channel count
// and appends the mono result to dst. A trailing partial frame is dropped.
func AppendDownmix(dst, interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return append(dst, interleaved...)
	}
	scale := 1 / float32(channels)
	for idx := 0; idx+channels <= len(interleaved); idx += channels {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[idx+ch]
		}
		dst = append(dst, sum*scale)
	}
	return dst
}
