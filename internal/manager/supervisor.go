package manager

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/loykin/procm/internal/capture"
	"github.com/loykin/procm/internal/history"
	"github.com/loykin/procm/internal/process"
)

const historyTimeout = 5 * time.Second

// supervise starts one launch and turns its OS notifications into registry
// events. The exit event is posted only after both output streams drained (or
// drainTimeout elapsed) so a record seen as exited has all of its output queued.
func (m *Manager) supervise(id string, gen uint64, h *process.Handle, stdout, stderr *capture.Client) {
	defer m.recoverSupervise(id, gen)
	if err := h.Start(); err != nil {
		m.events.Record(fmt.Sprintf("Failed to start process: %v", err), id)
		m.post(id, process.Event{Type: process.EventError, Generation: gen, Err: err})
		return
	}
	pid := h.PID()
	m.events.Record(fmt.Sprintf("Process spawned with PID %d", pid), id)
	m.post(id, process.Event{Type: process.EventSpawned, Generation: gen, PID: pid})

	<-h.Exited()
	m.awaitDrain(id, stdout, stderr)

	st := h.ExitStatus()
	if st.Err != nil {
		m.events.Record(fmt.Sprintf("Process error: %v", st.Err), id)
		m.post(id, process.Event{Type: process.EventError, Generation: gen, Err: st.Err, At: st.At})
		return
	}
	switch {
	case st.Code != nil:
		m.events.Record(fmt.Sprintf("Process exited with code %d", *st.Code), id)
	default:
		m.events.Record("Process exited by signal "+st.Signal, id)
	}
	m.post(id, process.Event{Type: process.EventExited, Generation: gen, ExitCode: st.Code, Signal: st.Signal, At: st.At})
}

// recoverSupervise marks the launch failed so nobody waits for an exit event
// that will never come, then reports the panic.
func (m *Manager) recoverSupervise(id string, gen uint64) {
	r := recover()
	if r == nil {
		return
	}
	m.log.Error("panic supervising process", "id", id, "panic", r, "stack", string(debug.Stack()))
	m.post(id, process.Event{Type: process.EventError, Generation: gen, Err: fmt.Errorf("supervisor fault: %v", r)})
	m.fault(r)
}

// fault routes a recovered panic to Config.OnPanic.
func (m *Manager) fault(r any) {
	if m.cfg.OnPanic != nil {
		m.cfg.OnPanic(r)
		return
	}
	m.events.Record(fmt.Sprintf("Panic: %v, shutting down", r), m.cfg.ServerID)
	_ = m.ShutdownAll()
	panic(r)
}

func (m *Manager) awaitDrain(id string, clients ...*capture.Client) {
	timer := time.NewTimer(m.cfg.DrainTimeout)
	defer timer.Stop()
	for _, c := range clients {
		select {
		case <-c.Drained():
		case <-timer.C:
			// a descendant still holds the pipe open
			m.events.Record(fmt.Sprintf("%s still open %s after exit, not waiting for it", c.Kind(), m.cfg.DrainTimeout), id)
			return
		}
	}
}

// post applies ev through the registry loop and exports the transition.
func (m *Manager) post(id string, ev process.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	rep, err := m.send(ctrlMsg{typ: ctrlEvent, id: id, ev: ev})
	if err != nil {
		m.log.Warn("dropping process event", "id", id, "event", ev.Type.String(), "error", err)
		return
	}
	if !rep.changed {
		return
	}
	var typ history.EventType
	switch ev.Type {
	case process.EventSpawned:
		typ = history.EventSpawned
	case process.EventExited:
		typ = history.EventExited
	default:
		typ = history.EventError
	}
	m.sendHistory(typ, rep.info)
}

func (m *Manager) recordHistory(typ history.EventType, id string) {
	if len(m.cfg.History) == 0 {
		return
	}
	info, ok, err := m.Get(id)
	if err != nil || !ok {
		return
	}
	m.sendHistory(typ, info)
}

func (m *Manager) sendHistory(typ history.EventType, info process.Info) {
	if len(m.cfg.History) == 0 {
		return
	}
	evt := history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		ServerID:   m.cfg.ServerID,
		Record: history.Record{
			ID:       info.ID,
			Name:     info.Name,
			Command:  process.Spec{Script: info.Script, Args: info.Args}.Command(),
			Cwd:      info.Cwd,
			PID:      info.PID,
			Status:   info.Status.String(),
			ExitCode: info.ExitCode,
			Signal:   info.Signal,
			Error:    info.Error,
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	for _, s := range m.cfg.History {
		if err := s.Send(ctx, evt); err != nil {
			m.events.Record(fmt.Sprintf("Failed to export %s event: %v", typ, err), info.ID)
		}
	}
}
