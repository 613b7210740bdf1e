package manager

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/loykin/procm/internal/metrics"
)

// terminate stops the tree of one launch and closes its log clients.
//
// SIGTERM goes to the whole tree and races the exit against KillTimeout. If the
// timeout wins, SIGKILL follows and the exit is awaited for ForceKillWait. An
// error is returned only when the tree is still not reaped after that. Once the
// tree is gone, output left in the pipes is captured before the clients close.
func (m *Manager) terminate(t target) error {
	<-t.handle.Started()

	var killErr error
	exited := true
	if t.handle.StartErr() == nil {
		exited, killErr = m.killTree(t)
	}

	if exited {
		// the pipes may still hold output written right before the exit
		m.awaitDrain(t.id, t.stdout, t.stderr)
	}
	if err := errors.Join(t.stdout.Close(), t.stderr.Close()); err != nil {
		m.events.Record(fmt.Sprintf("Error closing log clients: %v", err), t.id)
	}

	if exited {
		select {
		case <-t.done:
		case <-m.done:
		}
	}
	return killErr
}

func (m *Manager) killTree(t target) (bool, error) {
	h := t.handle
	select {
	case <-h.Exited():
		return true, nil
	default:
	}

	start := time.Now()
	m.events.Record("Sending SIGTERM to process tree", t.id)
	termErr := h.Signal(syscall.SIGTERM)
	if termErr != nil {
		m.events.Record(fmt.Sprintf("Error sending SIGTERM: %v", termErr), t.id)
	} else {
		timer := time.NewTimer(m.cfg.KillTimeout)
		select {
		case <-h.Exited():
			timer.Stop()
			metrics.IncTermination("graceful")
			metrics.ObserveTerminateDuration(time.Since(start).Seconds())
			m.events.Record("Process tree exited after SIGTERM", t.id)
			return true, nil
		case <-timer.C:
		}
		m.events.Record(fmt.Sprintf("Process did not exit within %s, sending SIGKILL", m.cfg.KillTimeout), t.id)
	}

	killErr := h.Signal(syscall.SIGKILL)
	if killErr != nil {
		m.events.Record(fmt.Sprintf("Error sending SIGKILL: %v", killErr), t.id)
	}
	select {
	case <-h.Exited():
		metrics.IncTermination("forced")
		metrics.ObserveTerminateDuration(time.Since(start).Seconds())
		return true, nil
	case <-time.After(m.cfg.ForceKillWait):
	}

	metrics.IncTermination("failed")
	if killErr != nil {
		return false, fmt.Errorf("force kill %s: %w", t.id, errors.Join(termErr, killErr))
	}
	return false, fmt.Errorf("process %s did not exit %s after SIGKILL", t.id, m.cfg.ForceKillWait)
}
