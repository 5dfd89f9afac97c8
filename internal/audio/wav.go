package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth     = 16
	pcmFormat    = 1
	tempPrefix   = "loqa-dictate-"
	maxNameRetry = 100
)

// WriteTempWAV writes samples as a mono 16 kHz 16-bit PCM WAV file under dir
// (the system temp directory when dir is empty) and returns its path.
func WriteTempWAV(dir string, samples []float32) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	file, err := createUnique(dir, time.Now())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	path := file.Name()

	if err := encode(file, samples); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: close wav: %w", ErrEncoding, err)
	}
	return path, nil
}

// createUnique opens a fresh file named with a millisecond timestamp. Two
// recordings in the same millisecond get a numeric suffix.
func createUnique(dir string, now time.Time) (*os.File, error) {
	stamp := now.UnixMilli()
	for attempt := 0; attempt < maxNameRetry; attempt++ {
		name := fmt.Sprintf("%s%d.wav", tempPrefix, stamp)
		if attempt > 0 {
			name = fmt.Sprintf("%s%d-%d.wav", tempPrefix, stamp, attempt)
		}
		file, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create wav: %w", err)
		}
	}
	return nil, fmt.Errorf("create wav: no free name for timestamp %d", stamp)
}

func encode(file *os.File, samples []float32) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(toPCM16(s))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: TargetSampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}

	enc := wav.NewEncoder(file, TargetSampleRate, bitDepth, 1, pcmFormat)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// toPCM16 clamps to [-1, 1] before scaling so out-of-range input cannot
// overflow int16. The float to int conversion truncates toward zero.
func toPCM16(s float32) int16 {
	if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(s * math.MaxInt16)
}

// ReadWAV decodes a mono 16 kHz 16-bit WAV file into samples in [-1, 1).
func ReadWAV(path string) ([]float32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("open wav: %s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if dec.NumChans != 1 || dec.SampleRate != TargetSampleRate || dec.BitDepth != bitDepth {
		return nil, fmt.Errorf("unexpected wav format: %d channels, %d Hz, %d bit", dec.NumChans, dec.SampleRate, dec.BitDepth)
	}

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / 32768
	}
	return samples, nil
}
