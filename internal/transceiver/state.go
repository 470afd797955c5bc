package transceiver

import (
	"time"

	"github.com/klesis/klesis/pkg/audio"
)

// VisualState is the presentation state of the level visualiser. It is
// derived from the coordinator and never drives it.
type VisualState string

const (
	VisualIdle         VisualState = "idle"
	VisualListening    VisualState = "listening"
	VisualTransmitting VisualState = "transmitting"
	VisualDecoding     VisualState = "decoding"
)

const (
	// NumBars is the number of spectrum bars in a [Visual].
	NumBars = 48

	// DecodeFlash is how long the visualiser shows decoding after a message
	// is surfaced.
	DecodeFlash = 800 * time.Millisecond
)

// Visual is a snapshot for the visualiser.
type Visual struct {
	State VisualState `json:"state"`
	audio.Level
	Bars []float64 `json:"bars"`
}

// Visual returns the current visualiser snapshot.
func (t *Transceiver) Visual() Visual {
	v := Visual{
		State: t.visualState(),
		Level: t.capture.Reading(),
	}
	if an := t.capture.Analyser(); an != nil && v.State != VisualIdle {
		v.Bars = an.Bars(NumBars, make([]float64, 0, NumBars))
	} else {
		v.Bars = make([]float64, NumBars)
	}
	return v
}

func (t *Transceiver) visualState() VisualState {
	switch {
	case t.transmitting.Load():
		return VisualTransmitting
	case !t.capture.Running():
		return VisualIdle
	}
	if last := t.lastReceived.Load(); last != 0 && t.clock.Since(time.Unix(0, last)) < DecodeFlash {
		return VisualDecoding
	}
	return VisualListening
}
