package transceiver

import (
	"context"

	"github.com/klesis/klesis/pkg/codec"
)

// Callbacks adapts a transmission to event-style notification for UI layers.
// Exactly one of OnEnd and OnError fires per accepted transmission; OnEnd
// fires after capture has been unmuted.
type Callbacks struct {
	OnStart func()
	OnEnd   func(Report)
	OnError func(error)
}

// TransmitAsync claims the output slot and runs the transmission in a new
// goroutine, reporting through cb. An invalid, rejected or cancelled request
// returns the error directly and fires no callback.
func (t *Transceiver) TransmitAsync(ctx context.Context, text string, protocol codec.ProtocolID, cb Callbacks) error {
	if err := t.claim(ctx, text); err != nil {
		return err
	}
	go func() {
		report, err := t.complete(ctx, text, protocol, cb.OnStart)
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return
		}
		if cb.OnEnd != nil {
			cb.OnEnd(report)
		}
	}()
	return nil
}
