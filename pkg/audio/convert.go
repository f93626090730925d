package audio

import (
	"log/slog"
	"sync"
)

// Int16sLE decodes little-endian int16 PCM bytes into samples. A trailing
// odd byte is ignored.
func Int16sLE(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// BytesLE encodes int16 samples as little-endian PCM bytes.
func BytesLE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// Normaliser converts external PCM to the pipeline format: mono at the target
// sample rate. It logs a warning on the first format mismatch and drops
// frames with corrupt alignment. Create one per stream; not designed for
// shared use across goroutines.
type Normaliser struct {
	TargetRate     int
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Normalise converts pcm recorded at srcRate with the given channel count
// into mono PCM at the target rate. Already-conforming input is returned
// unchanged (zero allocation). Corrupt input (odd byte count) returns nil.
// Conversion order: downmix first, then resample, so stereo input is never
// resampled per channel.
func (n *Normaliser) Normalise(pcm []byte, srcRate, channels int) []byte {
	if len(pcm)%2 != 0 {
		n.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM data, dropping frame",
				"bytes", len(pcm),
				"sample_rate", srcRate,
				"channels", channels,
			)
		})
		return nil
	}

	if srcRate == n.TargetRate && channels == 1 {
		return pcm
	}

	n.warnedMismatch.Do(func() {
		slog.Warn("audio: normalising input format",
			"from_rate", srcRate,
			"from_channels", channels,
			"to_rate", n.TargetRate,
		)
	})

	if channels == 2 {
		pcm = StereoToMono(pcm)
	}
	return ResampleMono16(pcm, srcRate, n.TargetRate)
}
