package capture

import (
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// PortAudioSource captures from the system default input device.
type PortAudioSource struct {
	log *slog.Logger
}

func NewPortAudioSource(log *slog.Logger) *PortAudioSource {
	return &PortAudioSource{log: log.With(slog.String("component", "portaudio"))}
}

type portAudioStream struct {
	stream *portaudio.Stream
	rate   int
}

func (p *PortAudioSource) Open(onSamples func([]float32, int)) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("default input device: %w", err)
	}

	var channels int
	callback := func(in []float32) {
		onSamples(in, channels)
	}
	params := chooseParameters(device, callback)
	channels = params.Input.Channels

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	p.log.Info("input stream opened",
		slog.String("device", device.Name),
		slog.Int("channels", channels),
		slog.Float64("sample_rate", params.SampleRate))
	return &portAudioStream{stream: stream, rate: int(params.SampleRate)}, nil
}

// chooseParameters prefers mono 16 kHz and falls back to the device default.
func chooseParameters(device *portaudio.DeviceInfo, callback func([]float32)) portaudio.StreamParameters {
	preferred := portaudio.LowLatencyParameters(device, nil)
	preferred.Input.Channels = 1
	preferred.SampleRate = audio.TargetSampleRate
	if err := portaudio.IsFormatSupported(preferred, callback); err == nil {
		return preferred
	}
	return portaudio.LowLatencyParameters(device, nil)
}

func (s *portAudioStream) SampleRate() int { return s.rate }

func (s *portAudioStream) Start() error {
	return s.stream.Start()
}

func (s *portAudioStream) Close() error {
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	termErr := portaudio.Terminate()
	switch {
	case closeErr != nil:
		return closeErr
	case stopErr != nil:
		return stopErr
	default:
		return termErr
	}
}
