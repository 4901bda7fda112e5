package hostctx

import (
	"github.com/edgerun/platform/internal/abi"
)

// Read implements the body.read semantics of spec.md §4.2:
//
//  1. If the buffered remainder has >= requested size, return that prefix,
//     retain the suffix, eof=false.
//  2. Else, if the handle is a finite body, convert it to a data-stream in
//     place.
//  3. Pull chunks from the stream, appending to the buffered remainder,
//     until it satisfies the request or the stream ends.
//  4. size=0 defaults to abi.DefaultReadSize.
func (c *Context) Read(handle uint32, size int) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked(handle, size, false)
}

// ReadAll is Read with an effectively unbounded size; it additionally
// closes the writable sender for handle so further writes fail with
// write-closed (spec.md §4.2 rule 5).
func (c *Context) ReadAll(handle uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, _, err := c.readLocked(handle, -1, true)
	if err != nil {
		return nil, err
	}
	c.writeDone[handle] = true
	if w, ok := c.writable[handle]; ok && !w.finished {
		close(w.ch)
		w.finished = true
	}
	return data, nil
}

func (c *Context) readLocked(handle uint32, size int, unbounded bool) ([]byte, bool, error) {
	if size == 0 {
		size = abi.DefaultReadSize
	}

	if rem, ok := c.remainder[handle]; ok {
		if unbounded {
			return c.drainStreamLocked(handle, rem, unbounded, size)
		}
		if len(rem) >= size {
			prefix, suffix := rem[:size], rem[size:]
			c.remainder[handle] = suffix
			return prefix, false, nil
		}
		return c.drainStreamLocked(handle, rem, unbounded, size)
	}

	if data, ok := c.finite[handle]; ok {
		// Convert finite -> stream in place (rule 2).
		delete(c.finite, handle)
		c.stream[handle] = &oneShotStream{data: data}
		c.isStream[handle] = true
		return c.drainStreamLocked(handle, nil, unbounded, size)
	}

	if _, ok := c.stream[handle]; ok {
		return c.drainStreamLocked(handle, nil, unbounded, size)
	}

	if c.writeDone[handle] {
		return nil, true, nil
	}

	return nil, false, &abi.BodyError{Kind: abi.BodyErrorInvalidHandle}
}

// drainStreamLocked pulls chunks from the stream bound to handle, appending
// to acc, until acc satisfies size (or unbounded is true and the stream
// ends) or the stream reports eof.
func (c *Context) drainStreamLocked(handle uint32, acc []byte, unbounded bool, size int) ([]byte, bool, error) {
	st, ok := c.stream[handle]
	if !ok {
		// No stream left (fully drained already): whatever is in acc is final.
		delete(c.remainder, handle)
		eof := true
		return acc, eof, nil
	}

	for unbounded || len(acc) < size {
		chunk, eof, err := st.Next()
		if err != nil {
			return acc, false, &abi.BodyError{Kind: abi.BodyErrorReadFailed, Detail: err.Error()}
		}
		acc = append(acc, chunk...)
		if eof {
			delete(c.stream, handle)
			if !unbounded && len(acc) > size {
				c.remainder[handle] = acc[size:]
				return acc[:size], false, nil
			}
			delete(c.remainder, handle)
			return acc, true, nil
		}
		if !unbounded && len(acc) >= size {
			break
		}
	}

	prefix, suffix := acc[:min(size, len(acc))], acc[min(size, len(acc)):]
	if unbounded {
		prefix, suffix = acc, nil
	}
	if len(suffix) > 0 {
		c.remainder[handle] = suffix
	} else {
		delete(c.remainder, handle)
	}
	return prefix, false, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Write implements the body.write semantics of spec.md §4.2.
func (c *Context) Write(handle uint32, data []byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeDone[handle] {
		return 0, &abi.BodyError{Kind: abi.BodyErrorWriteClosed}
	}

	if w, ok := c.writable[handle]; ok {
		if w.finished {
			return 0, &abi.BodyError{Kind: abi.BodyErrorWriteClosed}
		}
		if w.receiverGone {
			return 0, &abi.BodyError{Kind: abi.BodyErrorWriteFailed, Detail: "channel closed"}
		}
		select {
		case w.ch <- data:
			return uint64(len(data)), nil
		default:
			return 0, &abi.BodyError{Kind: abi.BodyErrorWriteFailed, Detail: "channel full"}
		}
	}

	if _, ok := c.finite[handle]; ok {
		return 0, &abi.BodyError{Kind: abi.BodyErrorReadOnly}
	}

	c.finite[handle] = data
	return uint64(len(data)), nil
}

// Finish explicitly closes the writable sender for handle (no more writes
// accepted), without performing a read.
func (c *Context) Finish(handle uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDone[handle] = true
	if w, ok := c.writable[handle]; ok && !w.finished {
		close(w.ch)
		w.finished = true
	}
}
