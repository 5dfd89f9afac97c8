package audio

import "math"

// ResampleTo16k converts buf to TargetSampleRate with linear interpolation.
// A buffer already at 16 kHz is returned as is.
func ResampleTo16k(buf Buffer) Buffer {
	if buf.SampleRate == TargetSampleRate {
		return buf
	}
	if buf.SampleRate <= 0 || len(buf.Samples) == 0 {
		return Buffer{SampleRate: TargetSampleRate}
	}

	ratio := float64(TargetSampleRate) / float64(buf.SampleRate)
	outLen := int(math.Floor(float64(len(buf.Samples)) * ratio))
	out := make([]float32, outLen)
	last := len(buf.Samples) - 1
	for i := range out {
		pos := float64(i) / ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		if idx > last {
			idx = last
			frac = 0
		}
		a := buf.Samples[idx]
		b := a
		if idx+1 <= last {
			b = buf.Samples[idx+1]
		}
		out[i] = a + (b-a)*frac
	}
	return Buffer{Samples: out, SampleRate: TargetSampleRate}
}
