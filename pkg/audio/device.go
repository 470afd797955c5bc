// Package audio defines the interfaces and types for local audio devices used
// by Klesis.
//
// The two primary abstractions are:
//
//   - [CaptureDevice] — opens a microphone and delivers fixed-size [Block]
//     values to a callback.
//   - [PlaybackDevice] — plays a finished sample buffer once and reports when
//     it has drained.
//
// Implementations live in adapter packages (audio/native for real hardware,
// audio/mock for tests). The interfaces are intentionally narrow to keep the
// transceiver decoupled from any sound-server details.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned when the platform refuses microphone access.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceNotFound is returned when a requested device id does not exist.
	ErrDeviceNotFound = errors.New("audio: device not found")

	// ErrDeviceSuspended is returned when playback cannot resume a suspended
	// output device.
	ErrDeviceSuspended = errors.New("audio: device suspended")

	// ErrClosed is returned by operations on a closed device or stream.
	ErrClosed = errors.New("audio: closed")
)

// CaptureConfig controls how a capture stream is opened.
//
// Echo cancellation, noise suppression and automatic gain control must stay
// off for acoustic data transfer: each of them distorts the tones the decoder
// relies on. They are fields rather than constants so device adapters can
// report what they were asked for.
type CaptureConfig struct {
	// SampleRate in Hz. The stream delivers mono samples at this rate.
	SampleRate int

	// BlockSize is the number of samples per delivered [Block].
	BlockSize int

	// DeviceID selects a specific input device. Empty selects the default.
	DeviceID string

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// BlockHandler receives each captured block on the stream's delivery
// goroutine. It runs synchronously; a slow handler back-pressures the stream
// and surplus device buffers are dropped rather than queued.
type BlockHandler func(Block)

// CaptureDevice opens capture streams.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// OpenCapture starts capturing with cfg and invokes onBlock once per
	// complete block until the stream is closed or ctx is cancelled.
	// Returns [ErrPermissionDenied] or [ErrDeviceNotFound] (possibly wrapped)
	// when the device cannot be opened.
	OpenCapture(ctx context.Context, cfg CaptureConfig, onBlock BlockHandler) (CaptureStream, error)
}

// CaptureStream is a running capture. Close stops delivery; after Close
// returns no further blocks are delivered. Close is idempotent.
type CaptureStream interface {
	Close() error

	// Dropped reports how many device buffers were discarded because the
	// handler could not keep up.
	Dropped() uint64
}

// PlaybackDevice plays finished sample buffers.
//
// Implementations must be safe for concurrent use.
type PlaybackDevice interface {
	// Resume wakes a suspended output device. It returns nil when the device
	// is already running and [ErrDeviceSuspended] when the platform refuses.
	Resume(ctx context.Context) error

	// Play starts playing mono samples at sampleRate and returns immediately.
	// The returned [Playback] completes when the last sample has been handed
	// to the hardware.
	Play(ctx context.Context, samples []float32, sampleRate int) (Playback, error)

	// Close releases the device.
	Close() error
}

// Playback is a single in-flight buffer playback.
type Playback interface {
	// Done is closed when playback has drained or failed.
	Done() <-chan struct{}

	// Err reports why playback ended early. It is only meaningful after Done
	// is closed and returns nil for a complete playback.
	Err() error
}

// Info describes an enumerable audio device.
type Info struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// Devices groups the available input and output devices.
type Devices struct {
	Capture  []Info `json:"capture"`
	Playback []Info `json:"playback"`
}

// Backend is a sound system providing both directions and device listing.
type Backend interface {
	CaptureDevice
	PlaybackDevice

	// Devices lists the available devices.
	Devices() (Devices, error)
}
