// Package hostctx implements the per-invocation Host Context (spec.md §4.1):
// the body handle table, the async-timer table, and the bookkeeping that
// lets a single WebAssembly invocation own all of its host-side resources
// and release them atomically when the invocation ends.
//
// A Context is never shared across invocations. The dispatcher constructs
// one per request, and discarding it (letting it become unreachable) is
// sufficient to release every handle it issued.
package hostctx

import (
	"io"
	"sort"
	"sync"
	"time"
)

// DataStream is a lazy, pull-based byte source — the async counterpart to a
// finite in-memory body. Fetch responses without a Content-Length and
// guest-written streams are both modeled as a DataStream once they stop
// being purely finite.
type DataStream interface {
	// Next returns the next chunk of data. eof is true when the stream is
	// exhausted; chunk may be non-empty even when eof is true.
	Next() (chunk []byte, eof bool, err error)
}

// readerStream adapts an io.Reader into a DataStream, chunked at chunkSize.
type readerStream struct {
	r         io.Reader
	chunkSize int
}

// NewReaderStream wraps r as a DataStream, reading up to chunkSize bytes per
// Next call (defaulting to abi.DefaultReadSize-sized chunks).
func NewReaderStream(r io.Reader, chunkSize int) DataStream {
	if chunkSize <= 0 {
		chunkSize = 128 * 1024
	}
	return &readerStream{r: r, chunkSize: chunkSize}
}

func (s *readerStream) Next() ([]byte, bool, error) {
	buf := make([]byte, s.chunkSize)
	n, err := s.r.Read(buf)
	if err == io.EOF {
		return buf[:n], true, nil
	}
	if err != nil {
		return buf[:n], false, err
	}
	return buf[:n], false, nil
}

// oneShotStream yields a single fixed chunk then reports EOF; used when a
// finite body is converted to a stream in place on first partial read.
type oneShotStream struct {
	data   []byte
	served bool
}

func (s *oneShotStream) Next() ([]byte, bool, error) {
	if s.served {
		return nil, true, nil
	}
	s.served = true
	return s.data, true, nil
}

// writableChannel is the bounded in-process channel backing a guest-writable
// body (spec.md §4.1: "capacity 3 frames in the reference design").
type writableChannel struct {
	ch           chan []byte
	finished     bool
	receiverGone bool
}

const writableChannelCapacity = 3

func newWritableChannel() *writableChannel {
	return &writableChannel{ch: make(chan []byte, writableChannelCapacity)}
}

// Context is the per-invocation Host Context (spec.md §4.1).
type Context struct {
	mu      sync.Mutex
	nextID  uint32
	start   time.Time
	closed  bool

	finite    map[uint32][]byte
	stream    map[uint32]DataStream
	remainder map[uint32][]byte
	writable  map[uint32]*writableChannel
	writeDone map[uint32]bool // closed-for-write sentinel
	isStream  map[uint32]bool // handle currently in "stream" state (vs finite/unbound)

	timers     map[uint32]int64 // handle -> absolute deadline (ns)
	timerOrder []uint32         // sorted by deadline ascending
}

// New creates a fresh Host Context for a single invocation.
func New() *Context {
	return &Context{
		start:     time.Now(),
		finite:    make(map[uint32][]byte),
		stream:    make(map[uint32]DataStream),
		remainder: make(map[uint32][]byte),
		writable:  make(map[uint32]*writableChannel),
		writeDone: make(map[uint32]bool),
		isStream:  make(map[uint32]bool),
		timers:    make(map[uint32]int64),
	}
}

// ElapsedNanos reports nanoseconds since the Host Context was created, for
// elapsed-time reporting and timer math.
func (c *Context) ElapsedNanos() int64 {
	return time.Since(c.start).Nanoseconds()
}

// Close releases every handle the Context owns. It is idempotent.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, w := range c.writable {
		if !w.finished {
			close(w.ch)
			w.finished = true
		}
	}
	c.finite = nil
	c.stream = nil
	c.remainder = nil
	c.writable = nil
	c.writeDone = nil
	c.isStream = nil
	c.timers = nil
	c.timerOrder = nil
}

func (c *Context) allocate() uint32 {
	c.nextID++
	return c.nextID
}

// NewEmptyBody returns a fresh handle not yet bound to any source; the
// first subsequent Write binds it as a finite body.
func (c *Context) NewEmptyBody() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocate()
}

// SetBody registers a finite byte source. If handle is 0 a new handle is
// allocated; otherwise the given handle is reused (and any prior binding on
// it is replaced — used by the dispatcher to seed the inbound request
// body before the guest ever sees the handle).
func (c *Context) SetBody(handle uint32, data []byte) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handle == 0 {
		handle = c.allocate()
	}
	c.finite[handle] = data
	delete(c.stream, handle)
	delete(c.remainder, handle)
	c.isStream[handle] = false
	return handle
}

// TakeBody removes and returns the finite body bound to handle, leaving no
// other state for that handle. Used to hand a guest's response body back to
// the dispatcher without copying it.
func (c *Context) TakeBody(handle uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.finite[handle]
	if ok {
		delete(c.finite, handle)
	}
	return data, ok
}

// BindStream binds a lazy DataStream to an already-allocated handle (used
// to attach a streamed fetch response body to a handle reserved up front).
func (c *Context) BindStream(handle uint32, stream DataStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream[handle] = stream
	c.isStream[handle] = true
}

// NewWritableStream creates a bounded in-process channel; guest writes
// become frames and downstream readers consume them in FIFO order.
func (c *Context) NewWritableStream() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.allocate()
	c.writable[h] = newWritableChannel()
	return h
}

// ReaderFor exposes the writable channel bound to handle as an io.Reader,
// for a downstream consumer (e.g. the dispatcher streaming a guest-written
// response body out over HTTP).
func (c *Context) ReaderFor(handle uint32) (io.Reader, bool) {
	c.mu.Lock()
	w, ok := c.writable[handle]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return &channelReader{w: w}, true
}

type channelReader struct {
	w   *writableChannel
	buf []byte
}

func (r *channelReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		frame, ok := <-r.w.ch
		if !ok {
			return 0, io.EOF
		}
		r.buf = frame
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// CancelReader marks the writable channel's receiver as gone; subsequent
// writes fail with write-failed("channel closed").
func (c *Context) CancelReader(handle uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.writable[handle]; ok {
		w.receiverGone = true
	}
}

// sortedInsert inserts h into c.timerOrder keeping it sorted by deadline.
func (c *Context) sortedInsert(h uint32) {
	deadline := c.timers[h]
	i := sort.Search(len(c.timerOrder), func(i int) bool {
		return c.timers[c.timerOrder[i]] >= deadline
	})
	c.timerOrder = append(c.timerOrder, 0)
	copy(c.timerOrder[i+1:], c.timerOrder[i:])
	c.timerOrder[i] = h
}

// NewTimer records an absolute deadline ns nanoseconds from now.
func (c *Context) NewTimer(ns int64) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.allocate()
	c.timers[h] = c.ElapsedNanos() + ns
	c.sortedInsert(h)
	return h
}

// IsReady reports whether the timer bound to handle has reached its deadline.
func (c *Context) IsReady(handle uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := c.timers[handle]
	if !ok {
		return false
	}
	return c.ElapsedNanos() >= deadline
}

// SelectReady returns the earliest-deadline ready timer, removing it, or
// false if none is ready. The pending list stays sorted so this is O(1).
func (c *Context) SelectReady() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timerOrder) == 0 {
		return 0, false
	}
	h := c.timerOrder[0]
	if c.ElapsedNanos() < c.timers[h] {
		return 0, false
	}
	c.timerOrder = c.timerOrder[1:]
	delete(c.timers, h)
	return h, true
}

// CancelTimer removes a pending timer, ready or not.
func (c *Context) CancelTimer(handle uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.timers[handle]; !ok {
		return
	}
	delete(c.timers, handle)
	for i, h := range c.timerOrder {
		if h == handle {
			c.timerOrder = append(c.timerOrder[:i], c.timerOrder[i+1:]...)
			break
		}
	}
}
