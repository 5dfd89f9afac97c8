package audio

import (
	"math"
	"testing"
)

func TestResampleTo16kKeepsTargetRate(t *testing.T) {
	in := Buffer{Samples: []float32{0.1, -0.2, 0.3}, SampleRate: TargetSampleRate}
	out := ResampleTo16k(in)
	if out.SampleRate != TargetSampleRate {
		t.Fatalf("expected %d Hz, got %d", TargetSampleRate, out.SampleRate)
	}
	if len(out.Samples) != len(in.Samples) {
		t.Fatalf("expected %d samples, got %d", len(in.Samples), len(out.Samples))
	}
	if &out.Samples[0] != &in.Samples[0] {
		t.Fatalf("expected the input slice to be returned without copying")
	}
}

func TestResampleTo16kHalvesLength(t *testing.T) {
	samples := make([]float32, 32000)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) / 10))
	}
	out := ResampleTo16k(Buffer{Samples: samples, SampleRate: 32000})
	if out.SampleRate != TargetSampleRate {
		t.Fatalf("expected %d Hz, got %d", TargetSampleRate, out.SampleRate)
	}
	if len(out.Samples) != 16000 {
		t.Fatalf("expected 16000 samples, got %d", len(out.Samples))
	}
	if out.Samples[10] != samples[20] {
		t.Fatalf("expected exact source sample at even positions, got %v want %v", out.Samples[10], samples[20])
	}
}

func TestResampleTo16kInterpolatesUpsampling(t *testing.T) {
	in := Buffer{Samples: []float32{0, 1}, SampleRate: 8000}
	out := ResampleTo16k(in)
	if len(out.Samples) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(out.Samples))
	}
	want := []float32{0, 0.5, 1, 1}
	for i, w := range want {
		if math.Abs(float64(out.Samples[i]-w)) > 1e-6 {
			t.Fatalf("sample %d: got %v want %v", i, out.Samples[i], w)
		}
	}
}

func TestResampleTo16kOddRates(t *testing.T) {
	cases := []struct {
		rate int
		in   int
		want int
	}{
		{rate: 8000, in: 3, want: 6},
		{rate: 32000, in: 5, want: 2},
		{rate: 48000, in: 4800, want: 1600},
		{rate: 22050, in: 1, want: 0},
		{rate: 11025, in: 3, want: 4},
	}
	for _, tc := range cases {
		samples := make([]float32, tc.in)
		for i := range samples {
			samples[i] = 0.25
		}
		out := ResampleTo16k(Buffer{Samples: samples, SampleRate: tc.rate})
		if len(out.Samples) != tc.want {
			t.Fatalf("rate %d len %d: got %d samples want %d", tc.rate, tc.in, len(out.Samples), tc.want)
		}
		for i, s := range out.Samples {
			if math.Abs(float64(s-0.25)) > 1e-6 {
				t.Fatalf("rate %d: sample %d drifted to %v", tc.rate, i, s)
			}
		}
	}
}

func TestResampleTo16kEmptyAndZeroRate(t *testing.T) {
	out := ResampleTo16k(Buffer{SampleRate: 44100})
	if !out.Empty() || out.SampleRate != TargetSampleRate {
		t.Fatalf("expected empty 16k buffer, got %+v", out)
	}
	out = ResampleTo16k(Buffer{Samples: []float32{1, 2}, SampleRate: 0})
	if !out.Empty() {
		t.Fatalf("expected zero-rate buffer to resample to empty, got %d samples", len(out.Samples))
	}
}

func TestAppendDownmix(t *testing.T) {
	got := AppendDownmix(nil, []float32{1, 0, 0.5, 0.5, -1, 1, 0.9}, 2)
	want := []float32{0.5, 0.5, 0}
	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: got %v want %v", i, got[i], want[i])
		}
	}

	mono := AppendDownmix([]float32{0.1}, []float32{0.2, 0.3}, 1)
	if len(mono) != 3 || mono[2] != 0.3 {
		t.Fatalf("expected mono append, got %v", mono)
	}
}
