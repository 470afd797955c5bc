package server_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/klesis/klesis/internal/chat"
	"github.com/klesis/klesis/internal/health"
	"github.com/klesis/klesis/internal/observe"
	"github.com/klesis/klesis/internal/server"
	"github.com/klesis/klesis/internal/transceiver"
	audiomock "github.com/klesis/klesis/pkg/audio/mock"
	"github.com/klesis/klesis/pkg/codec"
	codecmock "github.com/klesis/klesis/pkg/codec/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type fixture struct {
	tx   *transceiver.Transceiver
	svc  *chat.Service
	spk  *audiomock.Playback
	http *httptest.Server
}

func newFixture(t *testing.T, autoFinish bool) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	h, err := codec.Open(context.Background(), &codecmock.Engine{}, codec.Config{SampleRate: 48000})
	if err != nil {
		t.Fatalf("codec.Open: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	backend := audiomock.NewBackend()
	backend.AutoFinish = autoFinish

	tx, err := transceiver.New(h, backend.Capture, backend.Playback, transceiver.Config{},
		transceiver.WithMetrics(m), transceiver.WithLogger(logger))
	if err != nil {
		t.Fatalf("transceiver.New: %v", err)
	}

	log, err := chat.OpenLog("", chat.DefaultMaxMessages, logger)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	svc := chat.NewService(tx, func() codec.ProtocolID { return tx.Selector().Current().ID }, log, nil, logger)

	srv := server.New(tx, svc,
		server.WithMetrics(m),
		server.WithLogger(logger),
		server.WithHealth(health.New(
			health.Probe("codec", h.Ready),
			health.Probe("capture", tx.Capture().Running),
		)),
		server.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		})),
	)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &fixture{tx: tx, svc: svc, spk: backend.Playback, http: hs}
}

func (f *fixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func waitEvent(t *testing.T, ch <-chan chat.Event, typ string) chat.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event within 5s", typ)
		}
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	var st server.StateResponse
	if code := f.do(t, http.MethodGet, "/api/state", "", &st); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if st.Visual.State != transceiver.VisualIdle {
		t.Errorf("visual state = %q, want idle", st.Visual.State)
	}
	if len(st.Visual.Bars) != transceiver.NumBars {
		t.Errorf("bars = %d, want %d", len(st.Visual.Bars), transceiver.NumBars)
	}
	if st.Protocol.ID != codec.AudibleNormal || st.Volume != codec.DefaultVolume {
		t.Errorf("protocol = %d volume = %d", st.Protocol.ID, st.Volume)
	}
	if st.Transmitting || st.Listening || st.Phase != "idle" {
		t.Errorf("state = %+v", st)
	}
}

func TestProtocolSelection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	var ps server.ProtocolsResponse
	if code := f.do(t, http.MethodGet, "/api/protocols", "", &ps); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(ps.Protocols) != codec.NumProtocols {
		t.Fatalf("protocols = %d, want %d", len(ps.Protocols), codec.NumProtocols)
	}

	tests := []struct {
		name string
		body string
		want codec.ProtocolID
	}{
		{name: "by id", body: `{"id":2}`, want: codec.AudibleFastest},
		{name: "silent on", body: `{"silent":true}`, want: codec.UltrasoundNormal},
		{name: "silent off", body: `{"silent":false}`, want: codec.AudibleNormal},
		{name: "unknown id falls back", body: `{"id":9}`, want: codec.DefaultProtocol},
	}
	for _, tt := range tests {
		var got server.ProtocolsResponse
		if code := f.do(t, http.MethodPut, "/api/protocol", tt.body, &got); code != http.StatusOK {
			t.Fatalf("%s: status = %d", tt.name, code)
		}
		if got.Current != tt.want {
			t.Errorf("%s: current = %d, want %d", tt.name, got.Current, tt.want)
		}
	}

	var e server.ErrorResponse
	if code := f.do(t, http.MethodPut, "/api/protocol", `{"volume":0}`, &e); code != http.StatusBadRequest {
		t.Errorf("volume 0: status = %d, want 400", code)
	}
	if e.Kind != "InvalidInput" {
		t.Errorf("volume 0: kind = %q, want InvalidInput", e.Kind)
	}
	if code := f.do(t, http.MethodPut, "/api/protocol", `{"volume":40}`, nil); code != http.StatusOK {
		t.Errorf("volume 40: status = %d", code)
	}
	if v := f.tx.Selector().Volume(); v != 40 {
		t.Errorf("volume = %d, want 40", v)
	}
}

func TestSend_Accepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	events, cancel := f.svc.Hub().Subscribe()
	defer cancel()

	var resp server.SendResponse
	if code := f.do(t, http.MethodPost, "/api/messages", `{"text":"hello"}`, &resp); code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	if resp.Message.Text != "hello" || resp.Message.Direction != chat.Sent {
		t.Errorf("message = %+v", resp.Message)
	}
	if !strings.HasPrefix(resp.Estimate, "~") || resp.Seconds <= 0 {
		t.Errorf("estimate = %q (%v s)", resp.Estimate, resp.Seconds)
	}

	waitEvent(t, events, chat.EventTransmitEnd)

	var body struct {
		Messages []chat.Message `json:"messages"`
	}
	if code := f.do(t, http.MethodGet, "/api/messages", "", &body); code != http.StatusOK {
		t.Fatalf("messages status = %d", code)
	}
	if len(body.Messages) != 1 || body.Messages[0].Text != "hello" {
		t.Errorf("messages = %+v", body.Messages)
	}
	if f.tx.Transmitting() {
		t.Error("still transmitting after transmit.end")
	}
}

func TestSend_Rejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	tests := []struct {
		name string
		body string
		code int
		kind string
	}{
		{name: "empty", body: `{"text":""}`, code: http.StatusBadRequest, kind: "InvalidInput"},
		{name: "too long", body: `{"text":"` + strings.Repeat("x", 141) + `"}`, code: http.StatusRequestEntityTooLarge, kind: "InvalidInput"},
		{name: "bad json", body: `{"text":`, code: http.StatusBadRequest, kind: "InvalidInput"},
		{name: "unknown field", body: `{"msg":"hi"}`, code: http.StatusBadRequest, kind: "InvalidInput"},
	}
	for _, tt := range tests {
		var e server.ErrorResponse
		if code := f.do(t, http.MethodPost, "/api/messages", tt.body, &e); code != tt.code {
			t.Errorf("%s: status = %d, want %d", tt.name, code, tt.code)
		}
		if e.Kind != tt.kind {
			t.Errorf("%s: kind = %q, want %q", tt.name, e.Kind, tt.kind)
		}
	}
	if n := f.svc.Log().Len(); n != 0 {
		t.Errorf("log len = %d, want 0", n)
	}
}

func TestSend_BusyIsConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	events, cancel := f.svc.Hub().Subscribe()
	defer cancel()

	if code := f.do(t, http.MethodPost, "/api/messages", `{"text":"first"}`, nil); code != http.StatusAccepted {
		t.Fatalf("first: status = %d, want 202", code)
	}

	var e server.ErrorResponse
	if code := f.do(t, http.MethodPost, "/api/messages", `{"text":"second"}`, &e); code != http.StatusConflict {
		t.Fatalf("second: status = %d, want 409", code)
	}
	if e.Kind != "AlreadyTransmitting" {
		t.Errorf("kind = %q, want AlreadyTransmitting", e.Kind)
	}

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	h, err := f.spk.NextPlay(ctx)
	if err != nil {
		t.Fatalf("NextPlay: %v", err)
	}
	h.Finish(nil)
	waitEvent(t, events, chat.EventTransmitEnd)

	if n := f.svc.Log().Len(); n != 1 {
		t.Errorf("log len = %d, want 1 (rejected send must not be recorded)", n)
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	var est server.EstimateResponse
	if code := f.do(t, http.MethodGet, "/api/estimate?text=hi", "", &est); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if est.Seconds <= 0 || est.Remaining != codec.MaxPayloadBytes-2 {
		t.Errorf("estimate = %+v", est)
	}

	var slow, fast server.EstimateResponse
	f.do(t, http.MethodGet, "/api/estimate?text=hi&protocol=0", "", &slow)
	f.do(t, http.MethodGet, "/api/estimate?text=hi&protocol=2", "", &fast)
	if fast.Seconds >= slow.Seconds {
		t.Errorf("fastest (%v) should be shorter than normal (%v)", fast.Seconds, slow.Seconds)
	}

	if code := f.do(t, http.MethodGet, "/api/estimate?text=", "", nil); code != http.StatusBadRequest {
		t.Errorf("empty text: status = %d, want 400", code)
	}
	if code := f.do(t, http.MethodGet, "/api/estimate?text=hi&protocol=7", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad protocol: status = %d, want 400", code)
	}
}

func TestEvents_WebSocket(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	for f.svc.Hub().Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("server never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	f.svc.Receive("over the air")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var ev chat.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != chat.EventMessageReceived || ev.Message == nil || ev.Message.Text != "over the air" {
		t.Errorf("event = %+v", ev)
	}
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	if code := f.do(t, http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", code)
	}
	if code := f.do(t, http.MethodGet, "/readyz", "", nil); code != http.StatusServiceUnavailable {
		t.Errorf("readyz before capture = %d, want 503", code)
	}
	if err := f.tx.Start(context.Background(), f.svc.Receive); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.tx.Stop()
	if code := f.do(t, http.MethodGet, "/readyz", "", nil); code != http.StatusOK {
		t.Errorf("readyz after capture = %d, want 200", code)
	}

	resp, err := f.http.Client().Get(f.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d, want 200", resp.StatusCode)
	}
}
