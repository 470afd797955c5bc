package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klesis/klesis/internal/transceiver"
	"github.com/klesis/klesis/pkg/codec"
)

// Transmitter is the part of the transceiver the chat service drives.
type Transmitter interface {
	EstimateDuration(ctx context.Context, text string, protocol codec.ProtocolID) (time.Duration, error)
	TransmitAsync(ctx context.Context, text string, protocol codec.ProtocolID, cb transceiver.Callbacks) error
}

var _ Transmitter = (*transceiver.Transceiver)(nil)

// Receipt is returned for an accepted send.
type Receipt struct {
	Message  Message
	Estimate time.Duration

	// Done receives exactly one value when the transmission has finished:
	// nil after capture is unmuted, or the failure.
	Done <-chan error
}

// Service ties the message log and event hub to a transmitter.
type Service struct {
	tx       Transmitter
	protocol func() codec.ProtocolID
	log      *Log
	hub      *Hub
	logger   *slog.Logger
}

// NewService returns a Service. protocol reports the protocol to send on at
// the moment of each send.
func NewService(tx Transmitter, protocol func() codec.ProtocolID, log *Log, hub *Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	return &Service{tx: tx, protocol: protocol, log: log, hub: hub, logger: logger}
}

// Hub returns the event hub.
func (s *Service) Hub() *Hub { return s.hub }

// Log returns the message log.
func (s *Service) Log() *Log { return s.log }

// Send validates text, estimates its duration (warming the encode cache),
// and starts the transmission. The message is recorded only once the
// transmission has been accepted.
func (s *Service) Send(ctx context.Context, text string) (Receipt, error) {
	if err := codec.ValidatePayload(text); err != nil {
		return Receipt{}, &transceiver.Error{Kind: transceiver.KindInvalidInput, Op: "send", Err: err}
	}
	protocol := s.protocol()

	estimate, err := s.tx.EstimateDuration(ctx, text, protocol)
	if err != nil {
		return Receipt{}, err
	}

	done := make(chan error, 1)
	err = s.tx.TransmitAsync(ctx, text, protocol, transceiver.Callbacks{
		OnStart: func() {
			s.hub.Publish(Event{Type: EventTransmitStart, Estimate: estimate.Seconds()})
		},
		OnEnd: func(transceiver.Report) {
			s.hub.Publish(Event{Type: EventTransmitEnd})
			done <- nil
		},
		OnError: func(err error) {
			s.publishError(EventTransmitError, err)
			done <- err
		},
	})
	if err != nil {
		return Receipt{}, err
	}

	m, err := s.log.Add(Message{Direction: Sent, Text: text, Protocol: &protocol})
	if err != nil {
		s.logger.Error("chat: record sent message", "err", err)
	}
	s.hub.Publish(Event{Type: EventMessageSent, Message: &m, Estimate: estimate.Seconds()})
	s.logger.Info("message sending",
		"protocol", protocol,
		"bytes", len(text),
		"estimate", fmt.Sprintf("~%.1fs", estimate.Seconds()))
	return Receipt{Message: m, Estimate: estimate, Done: done}, nil
}

// Receive records a decoded message. It is the transceiver's onMessage
// handler and runs on the capture goroutine.
func (s *Service) Receive(text string) {
	m, err := s.log.Add(Message{Direction: Received, Text: text})
	if err != nil {
		s.logger.Error("chat: record received message", "err", err)
	}
	s.hub.Publish(Event{Type: EventMessageReceived, Message: &m})
}

// CaptureFailed publishes a capture start failure.
func (s *Service) CaptureFailed(err error) {
	s.publishError(EventCaptureError, err)
}

func (s *Service) publishError(typ string, err error) {
	s.hub.Publish(Event{
		Type:  typ,
		Kind:  transceiver.KindOf(err).String(),
		Error: err.Error(),
	})
}

// Remaining reports how many payload bytes are left after text.
func Remaining(text string) int {
	return codec.Remaining(text)
}

// IsBusy reports whether err is a rejected concurrent send.
func IsBusy(err error) bool {
	return errors.Is(err, transceiver.ErrAlreadyTransmitting)
}
