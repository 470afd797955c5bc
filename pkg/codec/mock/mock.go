// Package mock provides test doubles for the codec package interfaces.
//
// [Instance] is a deterministic echo codec: Encode writes a short marker, the
// payload length, and the payload bytes into the sample buffer, and Decode
// recognises exactly that layout. Encoding then decoding through the same
// instance therefore round-trips any payload. Tests can also queue decode
// results to simulate messages arriving from the air.
//
// Example:
//
//	inst := &mock.Instance{}
//	inst.QueueDecode("hello")
//	eng := &mock.Engine{Instance: inst}
//	h, _ := codec.Open(ctx, eng, codec.Config{SampleRate: 48000})
package mock

import (
	"context"
	"math"
	"sync"

	"github.com/klesis/klesis/pkg/audio"
	"github.com/klesis/klesis/pkg/codec"
)

// marker opens every encoded buffer.
var marker = [4]float32{0.25, -0.25, 0.5, -0.5}

// FramesPerByte is how many samples the echo codec spends per payload byte.
// It scales with protocol speed so duration estimates differ between tiers.
func FramesPerByte(p codec.ProtocolID) int {
	switch p {
	case codec.AudibleFast, codec.UltrasoundFast:
		return 512
	case codec.AudibleFastest, codec.UltrasoundFastest:
		return 256
	default:
		return 1024
	}
}

// EncodeCall records a single invocation of Instance.Encode.
type EncodeCall struct {
	Text     string
	Protocol codec.ProtocolID
	Volume   int
}

// SetRXCall records a single invocation of Instance.SetRX.
type SetRXCall struct {
	Protocol codec.ProtocolID
	Enabled  bool
}

// Instance is a mock implementation of codec.Instance.
type Instance struct {
	mu sync.Mutex

	// EncodeErr, if non-nil, is returned by every Encode call.
	EncodeErr error

	// EncodeEmpty makes Encode return an empty buffer.
	EncodeEmpty bool

	// SetRXErr, if non-nil, is returned by every SetRX call.
	SetRXErr error

	// CloseErr is returned by Close.
	CloseErr error

	// --- Call records ---

	// EncodeCalls records every call to Encode in order.
	EncodeCalls []EncodeCall

	// DecodeCallCount is the number of times Decode was called.
	DecodeCallCount int

	// SetRXCalls records every call to SetRX in order.
	SetRXCalls []SetRXCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	queued []string
	rx     [codec.NumProtocols]bool
}

// QueueDecode schedules texts to be returned by successive Decode calls,
// one per call, ahead of echo decoding.
func (i *Instance) QueueDecode(texts ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.queued = append(i.queued, texts...)
}

// Encode records the call and returns the echo encoding of text.
func (i *Instance) Encode(text string, protocol codec.ProtocolID, volume int) ([]float32, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.EncodeCalls = append(i.EncodeCalls, EncodeCall{Text: text, Protocol: protocol, Volume: volume})
	if i.EncodeErr != nil {
		return nil, i.EncodeErr
	}
	if i.EncodeEmpty {
		return nil, nil
	}

	payload := []byte(text)
	n := len(marker) + 1 + len(payload)
	total := max(n, (len(payload)+1)*FramesPerByte(protocol))
	samples := make([]float32, total)
	copy(samples, marker[:])
	samples[len(marker)] = float32(len(payload))
	for j, b := range payload {
		samples[len(marker)+1+j] = float32(b) / 256
	}
	return samples, nil
}

// Decode records the call. Queued results are returned first; otherwise pcm
// is checked for the echo layout.
func (i *Instance) Decode(pcm []byte) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.DecodeCallCount++
	if len(i.queued) > 0 {
		text := i.queued[0]
		i.queued = i.queued[1:]
		return text, text != ""
	}
	return echoDecode(pcm)
}

// SetRX records the call and returns SetRXErr.
func (i *Instance) SetRX(protocol codec.ProtocolID, enabled bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.SetRXCalls = append(i.SetRXCalls, SetRXCall{Protocol: protocol, Enabled: enabled})
	if i.SetRXErr != nil {
		return i.SetRXErr
	}
	if protocol.Valid() {
		i.rx[protocol] = enabled
	}
	return nil
}

// RXEnabled reports the last SetRX state recorded for protocol.
func (i *Instance) RXEnabled(protocol codec.ProtocolID) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return protocol.Valid() && i.rx[protocol]
}

// Close records the call and returns CloseErr.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.CloseCallCount++
	return i.CloseErr
}

// EncodeCount returns len(EncodeCalls). Thread-safe.
func (i *Instance) EncodeCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.EncodeCalls)
}

// Decodes returns DecodeCallCount. Thread-safe.
func (i *Instance) Decodes() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.DecodeCallCount
}

// Ensure Instance implements codec.Instance at compile time.
var _ codec.Instance = (*Instance)(nil)

// Engine is a mock implementation of codec.Engine.
type Engine struct {
	mu sync.Mutex

	// Instance is returned by NewInstance. If nil, a fresh Instance is created.
	Instance codec.Instance

	// NewInstanceErr, if non-nil, is returned by NewInstance.
	NewInstanceErr error

	// NewInstanceCalls records the Config of every NewInstance call.
	NewInstanceCalls []codec.Config
}

// NewInstance records the call and returns Instance, NewInstanceErr.
func (e *Engine) NewInstance(_ context.Context, cfg codec.Config) (codec.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewInstanceCalls = append(e.NewInstanceCalls, cfg)
	if e.NewInstanceErr != nil {
		return nil, e.NewInstanceErr
	}
	if e.Instance == nil {
		e.Instance = &Instance{}
	}
	return e.Instance, nil
}

// Ensure Engine implements codec.Engine at compile time.
var _ codec.Engine = (*Engine)(nil)

func echoDecode(pcm []byte) (string, bool) {
	samples, err := audio.BytesFloat32(pcm)
	if err != nil || len(samples) < len(marker)+1 {
		return "", false
	}
	for k, m := range marker {
		if samples[k] != m {
			return "", false
		}
	}
	n := int(samples[len(marker)])
	if n <= 0 || n > codec.MaxPayloadBytes || len(marker)+1+n > len(samples) {
		return "", false
	}
	out := make([]byte, n)
	for j := range out {
		out[j] = byte(math.Round(float64(samples[len(marker)+1+j]) * 256))
	}
	return string(out), true
}
