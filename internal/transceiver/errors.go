package transceiver

import (
	"errors"
	"fmt"

	"github.com/klesis/klesis/pkg/audio"
	"github.com/klesis/klesis/pkg/codec"
)

// ErrAlreadyTransmitting is returned by [Transceiver.Transmit] while another
// transmission holds the output slot.
var ErrAlreadyTransmitting = errors.New("transceiver: already transmitting")

// Kind classifies a transceiver failure. Every kind is terminal for the
// operation that raised it; nothing is retried automatically.
type Kind int

const (
	KindUnknown Kind = iota
	KindPermissionDenied
	KindDeviceNotFound
	KindCaptureError
	KindEngineInit
	KindInvalidInput
	KindEncode
	KindAlreadyTransmitting
	KindPlayback
)

// String returns the taxonomy name used in logs, metrics and API responses.
func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindDeviceNotFound:
		return "DeviceNotFound"
	case KindCaptureError:
		return "CaptureError"
	case KindEngineInit:
		return "EngineInitError"
	case KindInvalidInput:
		return "InvalidInput"
	case KindEncode:
		return "EncodeError"
	case KindAlreadyTransmitting:
		return "AlreadyTransmitting"
	case KindPlayback:
		return "PlaybackError"
	default:
		return "Unknown"
	}
}

// Error is the failure outcome of a transceiver operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transceiver: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("transceiver: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err. Errors that did not come from this package are
// matched against the codec and audio sentinels.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrAlreadyTransmitting):
		return KindAlreadyTransmitting
	case errors.Is(err, audio.ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, audio.ErrDeviceNotFound):
		return KindDeviceNotFound
	case errors.Is(err, codec.ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, codec.ErrEncode):
		return KindEncode
	case errors.Is(err, codec.ErrEngineInit):
		return KindEngineInit
	case errors.Is(err, audio.ErrDeviceSuspended):
		return KindPlayback
	default:
		return KindUnknown
	}
}

// wrap attaches op to err and assigns a kind, falling back to def when the
// cause is not a known sentinel.
func wrap(op string, def Kind, err error) error {
	if err == nil {
		return nil
	}
	kind := classify(err)
	if kind == KindUnknown {
		kind = def
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
