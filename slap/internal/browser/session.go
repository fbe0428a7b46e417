// Package browser owns the remote browser session the screenshots come
// from: Chrome launched locally through Rod's launcher (optionally headful
// under Xvfb) or an existing instance reached over its DevTools URL.
//
// A Session is acquired with Open and released with Close. Open releases
// everything it had acquired when any later step fails, so callers only
// ever have to Close a Session they actually got back.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// StealthLevel controls how Chrome is run.
type StealthLevel int

const (
	LevelHeadless StealthLevel = 1 // Rod headless
	LevelHeadful  StealthLevel = 2 // Rod headful + Xvfb
)

// Format is the screenshot encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// ContentType returns the MIME type of images in this format.
func (f Format) ContentType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// ErrClosed is returned by Capture after Close.
var ErrClosed = errors.New("browser: session is closed")

// Viewport is the emulated window size screenshots are taken at.
type Viewport struct {
	Width  int
	Height int
}

// Config configures a Session.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Bin is the Chrome binary for local launches. Empty = Rod's lookup/download.
	Bin string

	// NoSandbox disables the Chrome sandbox (needed when running as root in containers).
	NoSandbox bool

	// Stealth sets headless or headful mode. Default: LevelHeadless.
	Stealth StealthLevel

	// Evasions opens the page through go-rod/stealth.
	Evasions bool

	// XvfbDisplay for headful mode. Default: ":99".
	XvfbDisplay string

	// URL is the page to load before the first capture. Default: http://example.org.
	URL string

	// NavigateTimeout bounds the initial navigation. Default: 30s.
	NavigateTimeout time.Duration

	Viewport Viewport

	// Format and Quality (jpeg only, 0-100) of captured images.
	Format  Format
	Quality int

	// ResourceBlocking lists resource types to block (fonts, media, stylesheets, images).
	ResourceBlocking []string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Stealth == 0 {
		c.Stealth = LevelHeadless
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.URL == "" {
		c.URL = "http://example.org"
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Viewport.Width <= 0 {
		c.Viewport.Width = 1280
	}
	if c.Viewport.Height <= 0 {
		c.Viewport.Height = 720
	}
	if c.Format == "" {
		c.Format = FormatPNG
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is one browser with one tab. Capture may be called from one
// goroutine while Close is called from another.
type Session struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
	router  *rod.HijackRouter
	lnch    *launcher.Launcher
	xvfb    *exec.Cmd
	closed  bool
}

// Open starts or connects to Chrome, opens a tab at cfg.URL and returns the
// ready session. On error nothing is left running.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	cfg.defaults()
	s := &Session{cfg: cfg}
	if err := s.acquire(ctx); err != nil {
		if cerr := s.release(); cerr != nil {
			cfg.Logger.Warn("browser: cleanup after failed open", "error", cerr)
		}
		return nil, err
	}
	return s, nil
}

func (s *Session) acquire(ctx context.Context) error {
	log := s.cfg.Logger

	if s.cfg.Stealth == LevelHeadful && s.cfg.RemoteURL == "" {
		if err := s.startXvfb(); err != nil {
			return fmt.Errorf("browser: xvfb: %w", err)
		}
	}

	var wsURL string
	if s.cfg.RemoteURL != "" {
		wsURL = s.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New()
		if s.cfg.Bin != "" {
			l = l.Bin(s.cfg.Bin)
		}
		if s.cfg.Stealth == LevelHeadful {
			l = l.Headless(false).Env(append(os.Environ(), "DISPLAY="+s.cfg.XvfbDisplay)...)
		} else {
			l = l.Headless(true)
		}
		if s.cfg.NoSandbox {
			l = l.NoSandbox(true)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Context(ctx).Launch()
		if err != nil {
			// Reap a half-started process; Cleanup would wait forever on one
			// that never ran.
			l.Kill()
			return fmt.Errorf("browser: launch: %w", err)
		}
		s.lnch = l
		wsURL = u
		log.Info("browser: launched local chrome", "url", wsURL, "stealth", s.cfg.Stealth)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("browser: connect: %w", err)
	}
	s.browser = b

	page, err := s.openPage(ctx)
	if err != nil {
		return err
	}
	s.page = page
	return nil
}

func (s *Session) openPage(ctx context.Context) (*rod.Page, error) {
	log := s.cfg.Logger

	var page *rod.Page
	var err error
	if s.cfg.Evasions {
		page, err = stealth.Page(s.browser)
	} else {
		page, err = s.browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.Viewport.Width,
		Height:            s.cfg.Viewport.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: set viewport: %w", err)
	}

	if len(s.cfg.ResourceBlocking) > 0 {
		s.router = applyResourceBlocking(page, s.cfg.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(s.cfg.URL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", s.cfg.URL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		log.Warn("browser: wait load timeout", "url", s.cfg.URL, "error", err)
	}

	log.Info("browser: page ready", "url", s.cfg.URL,
		"width", s.cfg.Viewport.Width, "height", s.cfg.Viewport.Height)
	return page, nil
}

// Capture returns the current viewport encoded as cfg.Format. Cancelling
// ctx abandons the underlying DevTools call.
func (s *Session) Capture(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	page, closed := s.page, s.closed
	s.mu.Unlock()
	if closed || page == nil {
		return nil, ErrClosed
	}

	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if s.cfg.Format == FormatJPEG {
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		if s.cfg.Quality > 0 {
			q := s.cfg.Quality
			req.Quality = &q
		}
	}

	data, err := page.Context(ctx).Screenshot(false, req)
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return data, nil
}

// Close releases the tab, the browser connection, the Chrome process and
// Xvfb. Safe to call more than once; later calls return nil.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.releaseLocked()
}

func (s *Session) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.releaseLocked()
}

func (s *Session) releaseLocked() error {
	var errs []error
	if s.router != nil {
		if err := s.router.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("browser: stop hijack router: %w", err))
		}
		s.router = nil
	}
	if s.page != nil {
		if err := s.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("browser: close tab: %w", err))
		}
		s.page = nil
	}
	browserClosed := false
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("browser: close: %w", err))
		} else {
			browserClosed = true
		}
		s.browser = nil
	}
	if s.lnch != nil {
		// Cleanup waits for the process to exit; make sure it does.
		if !browserClosed {
			s.lnch.Kill()
		}
		s.lnch.Cleanup()
		s.lnch = nil
	}
	s.stopXvfb()
	if len(errs) > 0 {
		s.cfg.Logger.Info("browser: released with errors", "count", len(errs))
	} else {
		s.cfg.Logger.Info("browser: released")
	}
	return errors.Join(errs...)
}
