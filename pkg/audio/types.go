package audio

import "time"

// Block is a fixed-size run of mono float32 samples delivered by a
// [CaptureStream]. Blocks are the atomic unit of capture: each one is measured
// and fed to the decoder exactly once.
type Block struct {
	// Samples in [-1, 1]. The slice is owned by the stream and reused for the
	// next block; copy it to retain it past the callback.
	Samples []float32

	// SampleRate in Hz (e.g., 48000).
	SampleRate int

	// Seq counts blocks from stream start, beginning at 1.
	Seq uint64

	// Timestamp marks when the block was complete, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the wall-clock span the block covers.
func (b Block) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Level is a signal measurement over one buffer.
type Level struct {
	RMS  float64 `json:"rms"`
	Peak float64 `json:"peak"`
}
