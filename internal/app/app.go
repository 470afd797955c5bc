// Package app wires the Klesis subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the codec engine, builds
// the transceiver, message log and HTTP server; Run starts capture and serves
// until the context ends; Shutdown tears everything down in order.
//
// Providers (the codec engine and audio backend) come from main via the
// config registry, so tests can pass mocks directly.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/klesis/klesis/internal/chat"
	"github.com/klesis/klesis/internal/config"
	"github.com/klesis/klesis/internal/health"
	"github.com/klesis/klesis/internal/observe"
	"github.com/klesis/klesis/internal/server"
	"github.com/klesis/klesis/internal/transceiver"
	"github.com/klesis/klesis/pkg/audio"
	"github.com/klesis/klesis/pkg/codec"
)

// Providers holds the externally constructed dependencies.
type Providers struct {
	Codec codec.Engine
	Audio audio.Backend
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	logger         *slog.Logger
	level          *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler
	clock          clockwork.Clock

	codec  *codec.Handle
	tx     *transceiver.Transceiver
	log    *chat.Log
	chat   *chat.Service
	server *server.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the application logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevel sets the level variable adjusted on config reload.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithClock sets the clock used for the transceiver settle delays.
func WithClock(c clockwork.Clock) Option {
	return func(a *App) { a.clock = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New opens the codec engine and builds every subsystem. Nothing touches the
// microphone until [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Codec == nil || providers.Audio == nil {
		return nil, errors.New("app: codec engine and audio backend are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
		metrics:   observe.DefaultMetrics(),
		clock:     clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initCodec(ctx); err != nil {
		return nil, err
	}
	if err := a.initTransceiver(); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.initChat(); err != nil {
		a.closeAll()
		return nil, err
	}
	a.initServer()

	// The backend is released last.
	a.closers = append(a.closers, providers.Audio.Close)
	return a, nil
}

func (a *App) initCodec(ctx context.Context) error {
	ccfg := codec.Config{
		SampleRate:           a.cfg.Audio.SampleRate,
		SoundMarkerThreshold: a.cfg.Codec.SoundMarkerThreshold,
	}
	if !a.cfg.Codec.UltrasoundRXEnabled() {
		ccfg.DisabledRX = []codec.ProtocolID{codec.UltrasoundNormal, codec.UltrasoundFast, codec.UltrasoundFastest}
	}
	h, err := codec.Open(ctx, a.providers.Codec, ccfg, codec.WithLogger(a.logger.With("component", "codec")))
	if err != nil {
		return fmt.Errorf("app: open codec: %w", err)
	}
	a.codec = h
	a.closers = append(a.closers, h.Close)
	return nil
}

func (a *App) initTransceiver() error {
	ac := a.cfg.Audio
	tx, err := transceiver.New(a.codec, a.providers.Audio, a.providers.Audio, transceiver.Config{
		BlockSize:       ac.BlockSize,
		FFTSize:         ac.FFTSize,
		Smoothing:       ac.Smoothing,
		InputGain:       ac.InputGain,
		OutputGain:      ac.OutputGain,
		CaptureDeviceID: ac.CaptureDeviceID,
		Protocol:        codec.ProtocolID(a.cfg.Transceiver.Protocol),
		Volume:          a.cfg.Codec.Volume,
	},
		transceiver.WithClock(a.clock),
		transceiver.WithMetrics(a.metrics),
		transceiver.WithLogger(a.logger.With("component", "transceiver")),
	)
	if err != nil {
		return fmt.Errorf("app: init transceiver: %w", err)
	}
	a.tx = tx
	return nil
}

func (a *App) initChat() error {
	log, err := chat.OpenLog(a.cfg.History.Path, a.cfg.History.MaxMessages, a.logger.With("component", "history"))
	if err != nil {
		return fmt.Errorf("app: open history: %w", err)
	}
	a.log = log
	a.closers = append(a.closers, log.Close)

	a.chat = chat.NewService(a.tx, a.currentProtocol, log, chat.NewHub(a.logger), a.logger.With("component", "chat"))
	return nil
}

func (a *App) initServer() {
	hc := health.New(
		health.Probe("codec", a.codec.Ready),
		health.Probe("capture", a.tx.Capture().Running),
	)
	opts := []server.Option{
		server.WithHealth(hc),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.logger.With("component", "http")),
	}
	if a.metricsHandler != nil {
		opts = append(opts, server.WithMetricsHandler(a.metricsHandler))
	}
	a.server = server.New(a.tx, a.chat, opts...)
}

func (a *App) currentProtocol() codec.ProtocolID {
	return a.tx.Selector().Current().ID
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Transceiver returns the coordinator.
func (a *App) Transceiver() *transceiver.Transceiver { return a.tx }

// Chat returns the chat service.
func (a *App) Chat() *chat.Service { return a.chat }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts capture and, when server.listen_addr is set, the HTTP server.
// It blocks until ctx is cancelled or the server fails.
//
// A capture start failure does not stop the application: it is published as
// a capture.error event and logged, and sending keeps working.
func (a *App) Run(ctx context.Context) error {
	if err := a.tx.Start(ctx, a.chat.Receive); err != nil {
		a.logger.Error("capture failed to start", "kind", transceiver.KindOf(err).String(), "err", err)
		a.chat.CaptureFailed(err)
	} else {
		a.logger.Info("listening",
			"sample_rate", a.codec.SampleRate(),
			"protocol", a.tx.Selector().Current().Label)
	}

	g, ctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		g.Go(func() error {
			if err := a.server.ListenAndServe(ctx, addr); err != nil {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable part of a config change. It is the
// callback passed to [config.NewWatcher].
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(observe.ParseLevel(string(d.NewLogLevel)))
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ProtocolChanged {
		p := a.tx.Selector().Select(codec.ProtocolID(d.NewProtocol))
		a.logger.Info("protocol changed", "protocol", p.Label)
	}
	if d.VolumeChanged {
		if err := a.tx.SetVolume(d.NewVolume); err != nil {
			a.logger.Warn("volume change rejected", "volume", d.NewVolume, "err", err)
		} else {
			a.logger.Info("volume changed", "volume", d.NewVolume)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes require a restart to take effect", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops capture and releases every subsystem in order. If ctx
// expires first, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		if err := a.tx.Stop(); err != nil {
			a.logger.Warn("capture stop error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}
		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New managed to open before failing.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
