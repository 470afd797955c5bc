package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Float32Bytes writes the little-endian byte view of samples into dst, growing
// it when too small, and returns the filled slice. Passing the previous result
// back as dst reuses its storage.
func Float32Bytes(dst []byte, samples []float32) []byte {
	n := len(samples) * 4
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
	return dst
}

// BytesFloat32 decodes a little-endian float32 byte view.
func BytesFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("audio: pcm length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// Measure returns the RMS and absolute peak of samples.
func Measure(samples []float32) Level {
	if len(samples) == 0 {
		return Level{}
	}
	var sum, peak float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return Level{RMS: math.Sqrt(sum / float64(len(samples))), Peak: peak}
}

// ApplyGain writes src scaled by gain into dst and clamps to [-1, 1]. dst must
// be at least len(src) long; it may alias src. It returns how many samples
// were clipped.
func ApplyGain(dst, src []float32, gain float64) int {
	clipped := 0
	for i, s := range src {
		v := float64(s) * gain
		switch {
		case v > 1:
			v = 1
			clipped++
		case v < -1:
			v = -1
			clipped++
		}
		dst[i] = float32(v)
	}
	return clipped
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, samples is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
