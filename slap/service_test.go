package slap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/slap/observability"
	"github.com/hazyhaar/slap/slap/internal/browser"
)

// fakeSession returns a fixed frame and records lifecycle misuse.
type fakeSession struct {
	mu           sync.Mutex
	frame        []byte
	captures     int
	closes       int
	afterClose   bool
	closeErr     error
	captureDelay time.Duration
}

func (f *fakeSession) Capture(ctx context.Context) ([]byte, error) {
	if f.captureDelay > 0 {
		select {
		case <-time.After(f.captureDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		f.afterClose = true
		return nil, browser.ErrClosed
	}
	f.captures++
	return f.frame, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return f.closeErr
}

func (f *fakeSession) stats() (captures, closes int, afterClose bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures, f.closes, f.afterClose
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Listen.Address = "127.0.0.1"
	cfg.Listen.ShutdownTimeout = 2 * time.Second
	cfg.Capture.Cadence = 10 * time.Millisecond
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func opener(sess Session) Opener {
	return func(context.Context) (Session, error) { return sess, nil }
}

func startService(t *testing.T, svc *Service) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	select {
	case <-svc.Ready():
	case err := <-done:
		stop()
		t.Fatalf("Run returned before ready: %v", err)
	case <-time.After(5 * time.Second):
		stop()
		t.Fatal("service not ready")
	}
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
}

func waitStatus(t *testing.T, url string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == want {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("GET %s: never returned %d (last err %v)", url, want, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WHAT: end to end, the service captures, serves, then shuts down in order.
// WHY: the session must only be released after the loop has stopped.
func TestService_RunAndShutdown(t *testing.T) {
	sess := &fakeSession{frame: []byte("png-frame")}
	m := observability.NewMetrics()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := New(testConfig(), quietLogger(), WithOpener(opener(sess)), WithListener(ln), WithMetrics(m))

	stop := startService(t, svc)
	base := "http://" + svc.Addr().String()

	waitStatus(t, base+"/", http.StatusOK)
	waitStatus(t, base+"/readyz", http.StatusOK)
	waitStatus(t, base+"/metrics", http.StatusOK)

	if err := stop(); err != nil {
		t.Fatalf("Run: got %v, want nil", err)
	}

	captures, closes, afterClose := sess.stats()
	if captures == 0 {
		t.Error("no captures")
	}
	if closes != 1 {
		t.Errorf("Close calls: got %d, want 1", closes)
	}
	if afterClose {
		t.Error("capture ran after the session was released")
	}
	if _, err := http.Get(base + "/"); err == nil {
		t.Error("server still accepting after shutdown")
	}
}

// WHAT: a failure to acquire the session is a StartupError.
func TestService_BrowserStartupError(t *testing.T) {
	boom := errors.New("chrome not found")
	svc := New(testConfig(), quietLogger(), WithOpener(func(context.Context) (Session, error) {
		return nil, boom
	}))

	err := svc.Run(context.Background())
	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("Run: got %v, want *StartupError", err)
	}
	if se.Stage != "browser" || !errors.Is(err, boom) {
		t.Errorf("StartupError: got stage %q err %v", se.Stage, se.Err)
	}
}

// WHAT: a bind failure releases the already acquired session.
// WHY: startup failures must not leak the browser.
func TestService_ListenStartupErrorReleasesSession(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	cfg := testConfig()
	cfg.Listen.Port = busy.Addr().(*net.TCPAddr).Port
	sess := &fakeSession{frame: []byte("x")}
	svc := New(cfg, quietLogger(), WithOpener(opener(sess)))

	err = svc.Run(context.Background())
	var se *StartupError
	if !errors.As(err, &se) || se.Stage != "listen" {
		t.Fatalf("Run: got %v, want listen StartupError", err)
	}
	if _, closes, _ := sess.stats(); closes != 1 {
		t.Errorf("Close calls: got %d, want 1", closes)
	}
}

// WHAT: an invalid configuration fails before any session is opened.
func TestService_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Capture.Cadence = 0
	opened := false
	svc := New(cfg, quietLogger(), WithOpener(func(context.Context) (Session, error) {
		opened = true
		return &fakeSession{}, nil
	}))

	err := svc.Run(context.Background())
	var se *StartupError
	if !errors.As(err, &se) || se.Stage != "config" {
		t.Fatalf("Run: got %v, want config StartupError", err)
	}
	if opened {
		t.Error("session opened despite invalid config")
	}
}

// WHAT: release errors during shutdown are logged, not returned.
func TestService_ReleaseErrorIsNotFatal(t *testing.T) {
	sess := &fakeSession{frame: []byte("x"), closeErr: errors.New("browser already gone")}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := New(testConfig(), quietLogger(), WithOpener(opener(sess)), WithListener(ln))

	stop := startService(t, svc)
	if err := stop(); err != nil {
		t.Fatalf("Run: got %v, want nil", err)
	}
}

// WHAT: a 503 is served while the first capture is still in flight.
// WHY: the HTTP surface never waits on the driver.
func TestService_NotReadyWhileCapturing(t *testing.T) {
	sess := &fakeSession{frame: []byte("x"), captureDelay: time.Hour}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := New(testConfig(), quietLogger(), WithOpener(opener(sess)), WithListener(ln))

	stop := startService(t, svc)
	defer stop()

	start := time.Now()
	resp, err := http.Get("http://" + svc.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", resp.StatusCode)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("GET took %v while a capture was stalled", d)
	}
}

func TestBrowserConfigMapping(t *testing.T) {
	cfg := testConfig()
	cfg.Browser.Stealth = "headful"
	cfg.Browser.Format = "jpeg"
	cfg.Browser.Viewport.Width = 800
	svc := New(cfg, quietLogger())

	bc := svc.browserConfig()
	if bc.Stealth != browser.LevelHeadful {
		t.Errorf("Stealth: got %d", bc.Stealth)
	}
	if bc.Format.ContentType() != "image/jpeg" {
		t.Errorf("Format: got %q", bc.Format)
	}
	if bc.Viewport.Width != 800 || bc.URL != cfg.Browser.URL {
		t.Errorf("mapping lost fields: %+v", bc)
	}
}

// WHAT: connections that never send a request do not delay other clients.
// WHY: the listener is uncapped by default, so idle sockets hold no slot.
func TestService_IdleConnectionsDoNotStallRequests(t *testing.T) {
	sess := &fakeSession{frame: []byte("x")}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := New(testConfig(), quietLogger(), WithOpener(opener(sess)), WithListener(ln))
	stop := startService(t, svc)
	defer stop()

	for i := 0; i < 4; i++ {
		c, err := net.Dial("tcp", svc.Addr().String())
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer c.Close()
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + svc.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET with idle connections open: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

// WHAT: with a connection cap, a finished client does not keep its slot.
// WHY: keep-alives are off under a cap, so one idle client cannot lock out
// the next one.
func TestService_ConnectionCapReleasesSlots(t *testing.T) {
	cfg := testConfig()
	cfg.Listen.MaxConns = 1
	sess := &fakeSession{frame: []byte("x")}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := New(cfg, quietLogger(), WithOpener(opener(sess)), WithListener(ln))
	stop := startService(t, svc)
	defer stop()

	url := "http://" + svc.Addr().String() + "/healthz"
	for i := 0; i < 3; i++ {
		// A fresh transport per client, as separate browsers would be.
		client := &http.Client{Timeout: 2 * time.Second, Transport: &http.Transport{}}
		resp, err := client.Get(url)
		if err != nil {
			t.Fatalf("client %d: %v", i, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("client %d: status %d", i, resp.StatusCode)
		}
	}
}

// WHAT: connections still open when the shutdown timeout expires are closed.
// WHY: a stuck client must not outlive the service.
func TestService_ShutdownTimeoutClosesConnections(t *testing.T) {
	cfg := testConfig()
	cfg.Listen.ShutdownTimeout = 100 * time.Millisecond
	cfg.Listen.ReadHeaderTimeout = time.Minute
	sess := &fakeSession{frame: []byte("x")}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := New(cfg, quietLogger(), WithOpener(opener(sess)), WithListener(ln))
	stop := startService(t, svc)

	c, err := net.Dial("tcp", svc.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	// A partial request keeps the connection active during shutdown.
	if _, err := c.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := stop(); err != nil {
		t.Fatalf("Run: got %v, want nil", err)
	}

	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = c.Read(make([]byte, 1))
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection still open after shutdown")
	}
	if err == nil {
		t.Fatal("read succeeded on a connection that should be closed")
	}
}
