package manager

import (
	"errors"
	"fmt"

	"github.com/loykin/procm/internal/capture"
	"github.com/loykin/procm/internal/metrics"
	"github.com/loykin/procm/internal/process"
)

// ctrlType enumerates the messages handled by the registry loop.
type ctrlType int

const (
	ctrlAllocate ctrlType = iota
	ctrlRelease
	ctrlRegister
	ctrlEvent
	ctrlLookup
	ctrlReplace
	ctrlRemove
	ctrlList
	ctrlBeginShutdown
)

// ctrlMsg is a request to the registry loop. Every mutation of the registry,
// whether it comes from a caller or from an OS notification, is one ctrlMsg.
type ctrlMsg struct {
	typ   ctrlType
	id    string
	gen   uint64
	rec   *process.Record
	ev    process.Event
	reply chan ctrlReply
}

type ctrlReply struct {
	id      string
	gen     uint64
	ok      bool
	err     error
	info    process.Info
	infos   []process.Info
	target  target
	ids     []string
	changed bool
}

// target is what a terminating caller needs from a record, copied out of the loop.
type target struct {
	id     string
	gen    uint64
	spec   process.Spec
	handle *process.Handle
	stdout *capture.Client
	stderr *capture.Client
	done   <-chan struct{}
}

var errIDTaken = errors.New("process id already registered")

// registry is owned by the run goroutine; nothing else touches it.
type registry struct {
	records  map[string]*process.Record
	order    []string
	reserved map[string]struct{}
	closing  bool
	newID    func() string
}

func newRegistry(newID func() string) *registry {
	return &registry{
		records:  make(map[string]*process.Record),
		reserved: make(map[string]struct{}),
		newID:    newID,
	}
}

func (r *registry) handle(msg ctrlMsg) ctrlReply {
	switch msg.typ {
	case ctrlAllocate:
		return r.allocate()
	case ctrlRelease:
		delete(r.reserved, msg.id)
		return ctrlReply{ok: true}
	case ctrlRegister:
		return r.register(msg.rec)
	case ctrlEvent:
		return r.apply(msg.id, msg.ev)
	case ctrlLookup:
		rec, ok := r.records[msg.id]
		if !ok {
			return ctrlReply{}
		}
		return ctrlReply{ok: true, target: targetOf(rec), info: rec.Info()}
	case ctrlReplace:
		return r.replace(msg.id, msg.gen, msg.rec)
	case ctrlRemove:
		return r.remove(msg.id)
	case ctrlList:
		infos := make([]process.Info, 0, len(r.order))
		for _, id := range r.order {
			infos = append(infos, r.records[id].Info())
		}
		return ctrlReply{ok: true, infos: infos}
	case ctrlBeginShutdown:
		r.closing = true
		return ctrlReply{ok: true, ids: append([]string(nil), r.order...)}
	}
	return ctrlReply{err: fmt.Errorf("unknown control message %d", msg.typ)}
}

func (r *registry) allocate() ctrlReply {
	if r.closing {
		return ctrlReply{err: ErrShuttingDown}
	}
	for i := 0; i < 16; i++ {
		id := r.newID()
		if _, ok := r.records[id]; ok {
			continue
		}
		if _, ok := r.reserved[id]; ok {
			continue
		}
		r.reserved[id] = struct{}{}
		return ctrlReply{ok: true, id: id}
	}
	return ctrlReply{err: errors.New("could not allocate a unique process id")}
}

func (r *registry) register(rec *process.Record) ctrlReply {
	delete(r.reserved, rec.ID)
	if r.closing {
		return ctrlReply{err: ErrShuttingDown}
	}
	if _, ok := r.records[rec.ID]; ok {
		return ctrlReply{err: errIDTaken}
	}
	r.records[rec.ID] = rec
	r.order = append(r.order, rec.ID)
	metrics.SetRegistered(len(r.records))
	return ctrlReply{ok: true, gen: rec.Generation, info: rec.Info()}
}

func (r *registry) apply(id string, ev process.Event) ctrlReply {
	rec, ok := r.records[id]
	if !ok {
		return ctrlReply{}
	}
	from := rec.Status
	if !rec.Apply(ev) {
		return ctrlReply{ok: true}
	}
	metrics.RecordStateTransition(from.String(), rec.Status.String())
	return ctrlReply{ok: true, changed: true, info: rec.Info()}
}

// replace swaps in a new launch under the same id, keeping its listing position.
// gen must match the launch the caller terminated.
func (r *registry) replace(id string, gen uint64, rec *process.Record) ctrlReply {
	old, ok := r.records[id]
	if !ok {
		return ctrlReply{err: ErrNotFound}
	}
	if r.closing {
		return ctrlReply{err: ErrShuttingDown}
	}
	if old.Generation != gen {
		return ctrlReply{err: fmt.Errorf("process %s was relaunched concurrently", id)}
	}
	rec.Generation = old.Generation + 1
	r.records[id] = rec
	return ctrlReply{ok: true, gen: rec.Generation, info: rec.Info()}
}

func (r *registry) remove(id string) ctrlReply {
	rec, ok := r.records[id]
	if !ok {
		return ctrlReply{}
	}
	delete(r.records, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	metrics.SetRegistered(len(r.records))
	return ctrlReply{ok: true, info: rec.Info()}
}

func targetOf(rec *process.Record) target {
	return target{
		id:     rec.ID,
		gen:    rec.Generation,
		spec:   rec.Spec.Clone(),
		handle: rec.Handle,
		stdout: rec.Stdout,
		stderr: rec.Stderr,
		done:   rec.Done(),
	}
}
