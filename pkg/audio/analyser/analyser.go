// Package analyser computes a smoothed magnitude spectrum over the most recent
// captured samples for the level visualiser.
//
// The spectrum follows the usual browser analyser conventions: a Blackman
// window, exponential smoothing between frames, and decibel magnitudes mapped
// linearly onto 0–255 between [MinDecibels] and [MaxDecibels].
package analyser

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	MinDecibels = -100.0
	MaxDecibels = -30.0
)

// Analyser is safe for concurrent use.
type Analyser struct {
	size      int
	smoothing float64
	fft       *fourier.FFT
	window    []float64

	mu      sync.Mutex
	ring    []float32
	pos     int
	frame   []float64
	coeff   []complex128
	smooth  []float64
	dirty   bool
	spectra []uint8
}

// New returns an analyser over fftSize samples. fftSize must be a power of
// two between 32 and 32768; smoothing must lie in [0, 1].
func New(fftSize int, smoothing float64) (*Analyser, error) {
	if fftSize < 32 || fftSize > 32768 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("analyser: fft size %d must be a power of two in [32, 32768]", fftSize)
	}
	if smoothing < 0 || smoothing > 1 || math.IsNaN(smoothing) {
		return nil, fmt.Errorf("analyser: smoothing %v must be in [0, 1]", smoothing)
	}
	a := &Analyser{
		size:      fftSize,
		smoothing: smoothing,
		fft:       fourier.NewFFT(fftSize),
		window:    blackman(fftSize),
		ring:      make([]float32, fftSize),
		frame:     make([]float64, fftSize),
		coeff:     make([]complex128, fftSize/2+1),
		smooth:    make([]float64, fftSize/2),
		spectra:   make([]uint8, fftSize/2),
	}
	return a, nil
}

// Size returns the FFT size.
func (a *Analyser) Size() int { return a.size }

// BinCount returns the number of frequency bins, half the FFT size.
func (a *Analyser) BinCount() int { return a.size / 2 }

// Write appends samples to the analysis window, keeping the newest FFT-size
// samples.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(samples) >= a.size {
		copy(a.ring, samples[len(samples)-a.size:])
		a.pos = 0
	} else {
		for _, s := range samples {
			a.ring[a.pos] = s
			a.pos = (a.pos + 1) % a.size
		}
	}
	a.dirty = true
}

// Frequency returns the byte frequency data for the current window, appended
// to dst[:0]. Smoothing advances once per call after new samples arrive.
func (a *Analyser) Frequency(dst []uint8) []uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dirty {
		a.analyse()
		a.dirty = false
	}
	return append(dst[:0], a.spectra...)
}

// Bars folds the frequency data into n bars, each the mean of its bins
// scaled to [0, 1]. It appends to dst[:0].
func (a *Analyser) Bars(n int, dst []float64) []float64 {
	dst = dst[:0]
	if n <= 0 {
		return dst
	}
	data := a.Frequency(nil)
	per := max(len(data)/n, 1)
	for i := range n {
		lo := i * per
		if lo >= len(data) {
			dst = append(dst, 0)
			continue
		}
		hi := min(lo+per, len(data))
		var sum int
		for _, v := range data[lo:hi] {
			sum += int(v)
		}
		dst = append(dst, float64(sum)/float64(hi-lo)/255)
	}
	return dst
}

// analyse must be called with a.mu held.
func (a *Analyser) analyse() {
	for i := range a.size {
		a.frame[i] = float64(a.ring[(a.pos+i)%a.size]) * a.window[i]
	}
	a.coeff = a.fft.Coefficients(a.coeff, a.frame)

	scale := 1 / float64(a.size)
	for k := range a.smooth {
		mag := cmplxAbs(a.coeff[k]) * scale
		a.smooth[k] = a.smoothing*a.smooth[k] + (1-a.smoothing)*mag
		a.spectra[k] = toByte(a.smooth[k])
	}
}

func toByte(mag float64) uint8 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := 255 * (db - MinDecibels) / (MaxDecibels - MinDecibels)
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v)
	}
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func blackman(n int) []float64 {
	const a0, a1, a2 = 0.42, 0.5, 0.08
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}
