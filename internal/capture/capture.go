package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/loykin/procm/internal/logger"
	"github.com/loykin/procm/internal/logstore"
	"github.com/loykin/procm/internal/metrics"
)

// ErrClosed is returned when an operation needs a client that has already been closed.
var ErrClosed = errors.New("capture client closed")

const (
	defaultQueueSize = 256
	readBufferSize   = 32 * 1024
)

// op is one unit of work for the writer goroutine. A barrier op carries no
// message; the writer closes done when it reaches it.
type op struct {
	ts   time.Time
	msg  string
	done chan struct{}
}

// Client attaches one output stream of a process to a log store.
//
// Chunks are stamped when read and persisted by a single writer goroutine in
// the order they were read. Different clients never share a writer.
type Client struct {
	id    string
	kind  logstore.Kind
	src   io.ReadCloser
	store logstore.Store
	sink    logger.Sink
	now     func() time.Time
	onPanic func(any)

	mu     sync.RWMutex // guards closed and sends on ops
	closed bool
	ops    chan op

	drained   chan struct{} // reader finished and every chunk it read is enqueued
	written   chan struct{} // writer exited
	closeOnce sync.Once
	closeErr  error
}

// Option customizes a Client.
type Option func(*Client)

// WithSink routes persistence failures to s.
func WithSink(s logger.Sink) Option { return func(c *Client) { c.sink = s } }

// WithClock overrides the arrival clock.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// WithPanicHandler hands a panic raised by the reader or the writer to fn, which
// runs on its own goroutine. The client keeps answering Top and Close. Without a
// handler the panic is re-raised.
func WithPanicHandler(fn func(any)) Option { return func(c *Client) { c.onPanic = fn } }

// WithQueueSize sets the capacity of the pending-write queue. A full queue makes
// the reader wait, which applies back-pressure to the process through its pipe.
func WithQueueSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.ops = make(chan op, n)
		}
	}
}

// New starts capturing src into store. id is used only as diagnostic context.
func New(id string, kind logstore.Kind, src io.ReadCloser, store logstore.Store, opts ...Option) *Client {
	c := &Client{
		id:      id,
		kind:    kind,
		src:     src,
		store:   store,
		sink:    logger.Discard,
		now:     time.Now,
		ops:     make(chan op, defaultQueueSize),
		drained: make(chan struct{}),
		written: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.write()
	go c.read()
	return c
}

// Kind reports which stream the client captures.
func (c *Client) Kind() logstore.Kind { return c.kind }

// Drained is closed once the stream reached EOF (or was detached) and every
// chunk read from it has been handed to the writer.
func (c *Client) Drained() <-chan struct{} { return c.drained }

func (c *Client) read() {
	defer c.recoverFault()
	defer close(c.drained)
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.src.Read(buf)
		if n > 0 {
			ts := c.now()
			msg := strings.TrimRightFunc(string(buf[:n]), unicode.IsSpace)
			if qerr := c.enqueue(context.Background(), op{ts: ts, msg: msg}); qerr != nil {
				// detached: later chunks are dropped
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) enqueue(ctx context.Context, o op) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.ops <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) recoverFault() {
	if r := recover(); r != nil {
		c.fault(r)
	}
}

func (c *Client) fault(r any) {
	if c.onPanic == nil {
		panic(r)
	}
	c.sink.Record(fmt.Sprintf("Panic capturing %s: %v", c.kind, r), c.id)
	go c.onPanic(r)
}

func (c *Client) write() {
	defer close(c.written)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		c.fault(r)
		// keep releasing barriers and the reader until Close
		for o := range c.ops {
			if o.done != nil {
				close(o.done)
			}
		}
	}()
	for o := range c.ops {
		if o.done != nil {
			close(o.done)
			continue
		}
		if err := c.store.Append(context.Background(), o.ts, o.msg); err != nil {
			metrics.IncPersistFailure(string(c.kind))
			c.sink.Record(fmt.Sprintf("Error writing %s log: %v", c.kind, err), c.id)
			continue
		}
		metrics.IncLine(string(c.kind))
	}
}

// Top waits until every chunk enqueued before the call has been persisted and
// then returns the newest count entries, newest first. Writes that arrive while
// Top waits are not waited for. A non-positive count returns an empty slice.
func (c *Client) Top(ctx context.Context, count int) ([]logstore.Entry, error) {
	if count <= 0 {
		return []logstore.Entry{}, nil
	}
	barrier := make(chan struct{})
	err := c.enqueue(ctx, op{done: barrier})
	switch {
	case err == nil:
		select {
		case <-barrier:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case errors.Is(err, ErrClosed):
		// Close drained the queue before closing the store; read what is there.
	default:
		return nil, err
	}
	return c.store.Tail(ctx, count)
}

// Close detaches from the stream, lets queued writes finish, then closes the
// store. Calling Close again is a no-op returning the first result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.ops)
		c.mu.Unlock()

		// unblocks a pending Read on the pipe
		srcErr := c.src.Close()
		if errors.Is(srcErr, io.ErrClosedPipe) || errors.Is(srcErr, os.ErrClosed) {
			srcErr = nil
		}
		<-c.written
		c.closeErr = errors.Join(srcErr, c.store.Close())
	})
	return c.closeErr
}
