package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/klesis/klesis/internal/chat"
	"github.com/klesis/klesis/internal/transceiver"
	"github.com/klesis/klesis/pkg/codec"
)

// maxBody bounds JSON request bodies. Payloads are at most 140 bytes.
const maxBody = 4 << 10

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	Visual       transceiver.Visual `json:"visual"`
	Protocol     codec.Protocol     `json:"protocol"`
	Silent       bool               `json:"silent"`
	Volume       int                `json:"volume"`
	Muted        bool               `json:"muted"`
	Listening    bool               `json:"listening"`
	Transmitting bool               `json:"transmitting"`
	Phase        string             `json:"phase"`
}

// ProtocolsResponse is the body of GET /api/protocols.
type ProtocolsResponse struct {
	Protocols []codec.Protocol `json:"protocols"`
	Current   codec.ProtocolID `json:"current"`
}

// ProtocolRequest is the body of PUT /api/protocol. Exactly one of ID and
// Silent should be set; Volume may accompany either.
type ProtocolRequest struct {
	ID     *codec.ProtocolID `json:"id,omitempty"`
	Silent *bool             `json:"silent,omitempty"`
	Volume *int              `json:"volume,omitempty"`
}

// SendRequest is the body of POST /api/messages.
type SendRequest struct {
	Text string `json:"text"`
}

// SendResponse is the body of an accepted POST /api/messages.
type SendResponse struct {
	Message  chat.Message `json:"message"`
	Seconds  float64      `json:"seconds"`
	Estimate string       `json:"estimate"`
}

// EstimateResponse is the body of GET /api/estimate.
type EstimateResponse struct {
	Seconds   float64 `json:"seconds"`
	Remaining int     `json:"remaining"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	sel := s.tx.Selector()
	capture := s.tx.Capture()
	writeJSON(w, http.StatusOK, StateResponse{
		Visual:       s.tx.Visual(),
		Protocol:     sel.Current(),
		Silent:       sel.Silent(),
		Volume:       sel.Volume(),
		Muted:        capture.Muted(),
		Listening:    capture.Running(),
		Transmitting: s.tx.Transmitting(),
		Phase:        s.tx.Phase().String(),
	})
}

func (s *Server) handleProtocols(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ProtocolsResponse{
		Protocols: codec.Protocols(),
		Current:   s.tx.Selector().Current().ID,
	})
}

func (s *Server) handleSetProtocol(w http.ResponseWriter, r *http.Request) {
	var req ProtocolRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Volume != nil {
		if err := s.tx.SetVolume(*req.Volume); err != nil {
			writeError(w, err)
			return
		}
	}
	sel := s.tx.Selector()
	switch {
	case req.ID != nil:
		sel.Select(*req.ID)
	case req.Silent != nil:
		sel.SetSilent(*req.Silent)
	}
	s.handleProtocols(w, r)
}

func (s *Server) handleMessages(w http.ResponseWriter, _ *http.Request) {
	msgs := s.chat.Log().Messages()
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// The transmission outlives the request.
	receipt, err := s.chat.Send(context.WithoutCancel(r.Context()), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	secs := receipt.Estimate.Seconds()
	writeJSON(w, http.StatusAccepted, SendResponse{
		Message:  receipt.Message,
		Seconds:  secs,
		Estimate: fmt.Sprintf("~%.1fs", secs),
	})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	text := q.Get("text")
	protocol := s.tx.Selector().Current().ID
	if p := q.Get("protocol"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || !codec.ProtocolID(n).Valid() {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid protocol " + strconv.Quote(p), Kind: transceiver.KindInvalidInput.String()})
			return
		}
		protocol = codec.ProtocolID(n)
	}
	d, err := s.tx.EstimateDuration(r.Context(), text, protocol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EstimateResponse{Seconds: d.Seconds(), Remaining: chat.Remaining(text)})
}

// statusFor maps an error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case chat.IsBusy(err):
		return http.StatusConflict
	case errors.Is(err, codec.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	switch transceiver.KindOf(err) {
	case transceiver.KindInvalidInput:
		return http.StatusBadRequest
	case transceiver.KindEngineInit, transceiver.KindPlayback,
		transceiver.KindCaptureError, transceiver.KindDeviceNotFound, transceiver.KindPermissionDenied:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{
		Error: err.Error(),
		Kind:  transceiver.KindOf(err).String(),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		status := http.StatusBadRequest
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, ErrorResponse{Error: "decode request: " + err.Error(), Kind: transceiver.KindInvalidInput.String()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
