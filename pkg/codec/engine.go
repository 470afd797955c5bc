// Package codec defines the contract between Klesis and a text-over-sound
// codec engine.
//
// A codec engine turns a short text payload into a PCM sample buffer for a
// selected [Protocol] and recovers text from captured PCM. The modulation
// scheme itself is opaque to Klesis; only the call contract lives here.
//
// The two primary abstractions are:
//
//   - [Engine] — a factory that creates engine instances bound to one sample rate.
//   - [Instance] — a stateful encoder/decoder. Decoding keeps internal state
//     across blocks, so one instance serves one capture stream.
//
// Callers should not use an [Instance] directly. [Open] wraps it in a [Handle]
// that enforces payload limits, rejects use after dispose, and turns an empty
// engine result into [ErrEncode].
//
// Implementations of [Engine] live in sub-packages (codec/remote, codec/mock).
package codec

import "context"

// Config holds the parameters an engine instance is initialised with.
type Config struct {
	// SampleRate in Hz for both encode output and decode input. An instance is
	// bound to this rate for its lifetime; a rate change requires a new instance.
	SampleRate int

	// SoundMarkerThreshold tunes the start/end marker detector of the decoder.
	// Zero selects the engine default.
	SoundMarkerThreshold float64

	// DisabledRX lists protocols the decoder must ignore. Used to switch off
	// ultrasound reception on hardware whose high-frequency capture is unreliable.
	// Applied once by [Open]; never re-evaluated.
	DisabledRX []ProtocolID
}

// Instance is a single initialised codec engine.
//
// Implementations need not be safe for concurrent use; [Handle] serialises
// every call.
type Instance interface {
	// Encode returns the PCM samples (float32, mono, Config.SampleRate) that
	// carry text using protocol at volume (0–100). An empty result means the
	// engine could not encode the payload.
	Encode(text string, protocol ProtocolID, volume int) ([]float32, error)

	// Decode feeds one block of captured PCM to the decoder. pcm is the
	// little-endian byte view of float32 samples. It returns the decoded text
	// and true when a complete payload was recognised, and false otherwise.
	// Noise must never cause a failure.
	Decode(pcm []byte) (string, bool)

	// SetRX enables or disables reception of protocol.
	SetRX(protocol ProtocolID, enabled bool) error

	// Close releases engine-owned memory.
	Close() error
}

// Engine creates codec instances.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewInstance constructs an instance bound to cfg.SampleRate. Returns an
	// error if the underlying engine cannot be constructed.
	NewInstance(ctx context.Context, cfg Config) (Instance, error)
}
