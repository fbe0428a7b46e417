package browser

import (
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// startXvfb launches a virtual display sized to the capture viewport.
func (s *Session) startXvfb() error {
	if s.xvfb != nil {
		return nil
	}

	display := s.cfg.XvfbDisplay
	screen := strconv.Itoa(s.cfg.Viewport.Width) + "x" + strconv.Itoa(s.cfg.Viewport.Height) + "x24"
	cmd := exec.Command("Xvfb", display, "-screen", "0", screen, "-ac")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	s.xvfb = cmd

	// Xvfb has no readiness signal.
	time.Sleep(500 * time.Millisecond)

	s.cfg.Logger.Info("browser: xvfb started", "display", display, "screen", screen, "pid", cmd.Process.Pid)
	return nil
}

// stopXvfb kills the Xvfb process if running.
func (s *Session) stopXvfb() {
	if s.xvfb == nil {
		return
	}
	if s.xvfb.Process != nil {
		s.xvfb.Process.Kill()
		s.xvfb.Wait()
	}
	s.cfg.Logger.Info("browser: xvfb stopped")
	s.xvfb = nil
}
