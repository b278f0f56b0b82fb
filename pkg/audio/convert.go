package audio

import (
	"errors"
	"fmt"
)

// TargetSampleRate is the rate every transcription backend receives.
const TargetSampleRate = 16000

// ErrPartialFrame is returned for PCM whose length is not a whole number of
// frames. Streamed chunks must be frame-aligned or every later sample shifts.
var ErrPartialFrame = errors.New("audio: pcm ends in a partial frame")

// ToMono16k converts 16-bit little-endian PCM of the given format to
// 16 kHz mono. Mono and stereo input are supported.
func ToMono16k(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("audio: unsupported channel count %d", channels)
	}
	if frame := 2 * channels; len(pcm)%frame != 0 {
		return nil, fmt.Errorf("%w: %d bytes, %d-byte frames", ErrPartialFrame, len(pcm), frame)
	}
	if channels == 2 {
		pcm = StereoToMono(pcm)
	}
	return ResampleMono16(pcm, sampleRate, TargetSampleRate), nil
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// A trailing partial frame is dropped.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match or either is not positive, the input is
// returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	sample := func(i int) int16 { return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8 }

	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sample(idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sample(idx + 1)
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
