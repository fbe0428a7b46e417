// Package slap runs the screenshot bridge: one browser session, a capture
// loop publishing the latest frame into a single-slot store, and an HTTP
// server answering from that store.
//
// Usage:
//
//	cfg, _ := slap.LoadConfigFile("slap.yaml")
//	svc := slap.New(cfg, logger)
//	err := svc.Run(ctx) // blocks until ctx is cancelled
package slap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/slap/observability"
	"github.com/hazyhaar/slap/slap/internal/browser"
	"github.com/hazyhaar/slap/slap/internal/capture"
	"github.com/hazyhaar/slap/slap/internal/snapshot"
	"github.com/hazyhaar/slap/slap/internal/web"
)

// Session is a driver session: it takes screenshots until closed.
type Session interface {
	capture.Driver
	Close() error
}

// Opener acquires a Session. The default opens a go-rod browser session.
type Opener func(ctx context.Context) (Session, error)

// StartupError reports a failure to acquire the session or bind the
// listener. Anything already acquired has been released when Run returns it.
type StartupError struct {
	Stage string // "config", "browser" or "listen"
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("slap: startup: %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Option configures a Service.
type Option func(*Service)

// WithOpener replaces the browser session opener.
func WithOpener(open Opener) Option {
	return func(s *Service) { s.open = open }
}

// WithListener serves on ln instead of binding the configured address.
func WithListener(ln net.Listener) Option {
	return func(s *Service) { s.ln = ln }
}

// WithMetrics records capture and HTTP metrics into m and mounts /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service wires the session, the capture loop and the HTTP server.
type Service struct {
	cfg     *Config
	logger  *slog.Logger
	open    Opener
	ln      net.Listener
	metrics *observability.Metrics
	store   *snapshot.Store

	readyOnce sync.Once
	ready     chan struct{}
	addr      net.Addr
}

// New creates a Service. A nil cfg means DefaultConfig.
func New(cfg *Config, logger *slog.Logger, opts ...Option) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:    cfg,
		logger: logger,
		store:  snapshot.NewStore(),
		ready:  make(chan struct{}),
	}
	s.open = s.openBrowser
	for _, o := range opts {
		o(s)
	}
	return s
}

// Store returns the snapshot store the service publishes into.
func (s *Service) Store() *snapshot.Store { return s.store }

// Ready is closed once the HTTP listener is bound.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listener address. Valid after Ready is closed.
func (s *Service) Addr() net.Addr { return s.addr }

func (s *Service) openBrowser(ctx context.Context) (Session, error) {
	sess, err := browser.Open(ctx, s.browserConfig())
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) browserConfig() browser.Config {
	b := s.cfg.Browser
	level := browser.LevelHeadless
	if b.Stealth == "headful" {
		level = browser.LevelHeadful
	}
	return browser.Config{
		RemoteURL:        b.Remote,
		Bin:              b.Bin,
		NoSandbox:        b.NoSandbox,
		Stealth:          level,
		Evasions:         b.Evasions,
		XvfbDisplay:      b.XvfbDisplay,
		URL:              b.URL,
		NavigateTimeout:  b.NavigateTimeout,
		Viewport:         browser.Viewport{Width: b.Viewport.Width, Height: b.Viewport.Height},
		Format:           browser.Format(b.Format),
		Quality:          b.Quality,
		ResourceBlocking: b.ResourceBlocking,
		Logger:           s.logger,
	}
}

// Run acquires the session, serves HTTP and runs the capture loop until ctx
// is cancelled. Shutdown order: stop accepting HTTP connections and drain
// them, stop the loop and wait for it, release the session. Release errors
// are logged, not returned.
func (s *Service) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return &StartupError{Stage: "config", Err: err}
	}

	sess, err := s.open(ctx)
	if err != nil {
		return &StartupError{Stage: "browser", Err: err}
	}
	defer func() {
		if err := sess.Close(); err != nil {
			s.logger.Warn("slap: release session", "error", err)
			return
		}
		s.logger.Info("slap: session released")
	}()

	ln := s.ln
	if ln == nil {
		ln, err = net.Listen("tcp", s.cfg.Addr())
		if err != nil {
			return &StartupError{Stage: "listen", Err: err}
		}
	}
	if s.cfg.Listen.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.Listen.MaxConns)
	}
	s.addr = ln.Addr()
	s.readyOnce.Do(func() { close(s.ready) })

	h := web.New(s.store, web.Config{
		Title:      s.cfg.Page.Title,
		Refresh:    s.cfg.Page.Refresh,
		RetryAfter: s.cfg.Capture.Cadence,
		RateLimit:  s.cfg.Listen.RateLimit,
		RateBurst:  s.cfg.Listen.RateBurst,
		TrustProxy: s.cfg.Listen.TrustProxy,
		Metrics:    s.metrics,
		Logger:     s.logger,
	})
	srv := &http.Server{
		Handler:           h.Router(),
		ReadHeaderTimeout: s.cfg.Listen.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.Listen.WriteTimeout,
		IdleTimeout:       s.cfg.Listen.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	if s.cfg.Listen.MaxConns > 0 {
		// Idle keep-alive sockets would hold slots and block Accept.
		srv.SetKeepAlivesEnabled(false)
	}

	var rec capture.Recorder
	if s.metrics != nil {
		rec = s.metrics
	}
	loop := capture.New(sess, s.store, capture.Config{
		Cadence:     s.cfg.Capture.Cadence,
		ContentType: browser.Format(s.cfg.Browser.Format).ContentType(),
		Recorder:    rec,
		Logger:      s.logger,
	})

	// The loop outlives ctx until the HTTP server has drained.
	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLoop()

	g, gctx := errgroup.WithContext(ctx)
	h.StartGC(gctx.Done())

	g.Go(func() error {
		s.logger.Info("slap: listening", "addr", s.addr.String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("slap: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return loop.Run(loopCtx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.notify(daemon.SdNotifyStopping)
		s.logger.Info("slap: shutting down")

		shCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Listen.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			s.logger.Warn("slap: http shutdown, closing remaining connections", "error", err)
			srv.Close()
		}
		stopLoop()
		return nil
	})

	s.notify(daemon.SdNotifyReady)
	return g.Wait()
}

func (s *Service) notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		s.logger.Debug("slap: sd_notify", "state", state, "error", err)
	}
}
