package transceiver

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/klesis/klesis/pkg/codec"
)

// Selector holds the current protocol and transmit volume.
//
// Unknown protocol ids fall back to [codec.DefaultProtocol] instead of
// failing: they can only come from a stale UI control.
type Selector struct {
	logger *slog.Logger

	mu      sync.RWMutex
	current codec.Protocol
	volume  int
}

// NewSelector returns a Selector starting on id at the given volume. An
// invalid id selects the default protocol and a volume outside [1, 100]
// selects [codec.DefaultVolume].
func NewSelector(id codec.ProtocolID, volume int, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if volume < 1 || volume > 100 {
		volume = codec.DefaultVolume
	}
	s := &Selector{logger: logger, volume: volume}
	s.Select(id)
	return s
}

// Select makes id current and returns the protocol now in effect.
func (s *Selector) Select(id codec.ProtocolID) codec.Protocol {
	p, ok := codec.Lookup(id)
	if !ok {
		s.logger.Warn("unknown protocol, using default", "protocol", int(id), "default", codec.DefaultProtocol)
		p, _ = codec.Lookup(codec.DefaultProtocol)
	}
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	return p
}

// SetSilent selects ultrasound-normal when on and audible-normal when off.
// The speed tier of the previous selection is not preserved.
func (s *Selector) SetSilent(on bool) codec.Protocol {
	if on {
		return s.Select(codec.UltrasoundNormal)
	}
	return s.Select(codec.AudibleNormal)
}

// Silent reports whether the current protocol uses the ultrasound band.
func (s *Selector) Silent() bool {
	return !s.Current().Audible
}

// Current returns the selected protocol.
func (s *Selector) Current() codec.Protocol {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Volume returns the transmit volume in [1, 100].
func (s *Selector) Volume() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.volume
}

// SetVolume changes the transmit volume.
func (s *Selector) SetVolume(v int) error {
	if v < 1 || v > 100 {
		return fmt.Errorf("transceiver: volume %d out of range [1, 100]: %w", v, codec.ErrInvalidInput)
	}
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
	return nil
}
