package codec

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrInvalidInput is returned when a payload is rejected before it reaches
	// the engine.
	ErrInvalidInput = errors.New("codec: invalid input")

	// ErrEmptyPayload is returned for an empty text payload. It wraps
	// [ErrInvalidInput].
	ErrEmptyPayload = fmt.Errorf("%w: empty message", ErrInvalidInput)

	// ErrPayloadTooLarge is returned when the UTF-8 encoding of a payload
	// exceeds [MaxPayloadBytes]. It wraps [ErrInvalidInput].
	ErrPayloadTooLarge = fmt.Errorf("%w: message too long (max %d bytes)", ErrInvalidInput, MaxPayloadBytes)

	// ErrEncode is returned when the engine fails or yields no samples.
	ErrEncode = errors.New("codec: encode failed")

	// ErrEngineInit is returned when an engine instance cannot be constructed
	// or configured.
	ErrEngineInit = errors.New("codec: engine init failed")

	// ErrUseAfterDispose is returned by [Handle] methods called after
	// [Handle.Close].
	ErrUseAfterDispose = errors.New("codec: use after dispose")
)

// ValidatePayload checks text against the payload contract without touching
// an engine. It returns [ErrEmptyPayload], [ErrPayloadTooLarge], a wrapped
// [ErrInvalidInput] for malformed UTF-8, or nil.
func ValidatePayload(text string) error {
	if text == "" {
		return ErrEmptyPayload
	}
	if len(text) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message is not valid UTF-8", ErrInvalidInput)
	}
	return nil
}

// Remaining returns how many payload bytes are left after text. Negative
// values mean text is over the limit.
func Remaining(text string) int {
	return MaxPayloadBytes - len(text)
}
