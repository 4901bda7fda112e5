package dispatcher

// Hand-assembled WebAssembly binaries used to drive Handler.ServeHTTP against
// a real guest instantiation instead of only the empty 8-byte stub the rest
// of this package's tests (and internal/pool's) use for caching-only
// coverage. No guest-language compiler is available in this environment, so
// these fixtures are built byte-by-byte from the WebAssembly core binary
// format (https://webassembly.github.io/spec/core/binary/) using the same
// land:http/body import surface and allocate/handle-request export
// convention internal/hostabi.WriteJSON/ReadJSON rely on. See DESIGN.md's
// "Guest fixtures for dispatcher end-to-end tests" entry.

// uleb128 encodes v as an unsigned LEB128 byte sequence.
func uleb128(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			break
		}
	}
	return out
}

// sleb128 encodes v as a signed LEB128 byte sequence.
func sleb128(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func wasmName(s string) []byte {
	return append(uleb128(uint32(len(s))), []byte(s)...)
}

func wasmSection(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb128(uint32(len(content)))...)
	return append(out, content...)
}

func wasmVec(items ...[]byte) []byte {
	out := uleb128(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

const valI32 = 0x7f

func funcType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, uleb128(uint32(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb128(uint32(len(results)))...)
	return append(out, results...)
}

func importFunc(module, name string, typeidx uint32) []byte {
	out := wasmName(module)
	out = append(out, wasmName(name)...)
	out = append(out, 0x00)
	return append(out, uleb128(typeidx)...)
}

func memType(min uint32) []byte {
	return append([]byte{0x00}, uleb128(min)...)
}

func exportEntry(name string, kind byte, idx uint32) []byte {
	out := wasmName(name)
	out = append(out, kind)
	return append(out, uleb128(idx)...)
}

func funcBody(instrs []byte) []byte {
	// No additional locals beyond the function's params: a single 0x00
	// local-declaration count, then the instruction stream.
	body := append([]byte{0x00}, instrs...)
	out := uleb128(uint32(len(body)))
	return append(out, body...)
}

func dataSegment(offset uint32, data []byte) []byte {
	out := []byte{0x00, 0x41}
	out = append(out, sleb128(int64(offset))...)
	out = append(out, 0x0B)
	out = append(out, uleb128(uint32(len(data)))...)
	return append(out, data...)
}

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// buildPongGuest assembles a guest with one import (land:http/body.write)
// and two exports (allocate, handle-request) plus memory. handle-request
// ignores its (ptr, len) request argument entirely: it calls body.write with
// a hardcoded handle=1 over a "pong" data segment, then returns a pointer/
// length pair for a second data segment holding the literal JSON response
// `{"Status":200,"Headers":null,"Body":1}` — exercising the dispatcher's
// real invoke() path (instantiate, WriteJSON, Call, ReadJSON) end to end for
// spec.md §8 scenario 1 (the smoke "pong" request).
func buildPongGuest() []byte {
	const pong = "pong"
	const respJSON = `{"Status":200,"Headers":null,"Body":1}`
	const pongOffset = 8
	const respOffset = 64

	types := wasmSection(0x01, wasmVec(
		funcType([]byte{valI32, valI32, valI32}, []byte{valI32, valI32}), // 0: body.write
		funcType([]byte{valI32}, []byte{valI32}),                        // 1: allocate
		funcType([]byte{valI32, valI32}, []byte{valI32, valI32}),        // 2: handle-request
	))

	imports := wasmSection(0x02, wasmVec(
		importFunc("land:http/body", "write", 0),
	))

	funcs := wasmSection(0x03, wasmVec(uleb128(1), uleb128(2)))

	mem := wasmSection(0x05, wasmVec(memType(1)))

	exports := wasmSection(0x07, wasmVec(
		exportEntry("memory", 0x02, 0),
		exportEntry("allocate", 0x00, 1),
		exportEntry("handle-request", 0x00, 2),
	))

	allocateInstrs := append([]byte{0x41}, sleb128(4096)...)
	allocateInstrs = append(allocateInstrs, 0x0B)

	var handleInstrs []byte
	handleInstrs = append(handleInstrs, 0x41)
	handleInstrs = append(handleInstrs, sleb128(1)...) // handle
	handleInstrs = append(handleInstrs, 0x41)
	handleInstrs = append(handleInstrs, sleb128(pongOffset)...) // ptr
	handleInstrs = append(handleInstrs, 0x41)
	handleInstrs = append(handleInstrs, sleb128(int64(len(pong)))...) // len
	handleInstrs = append(handleInstrs, 0x10)
	handleInstrs = append(handleInstrs, uleb128(0)...) // call land:http/body.write
	handleInstrs = append(handleInstrs, 0x1A, 0x1A)    // drop both results
	handleInstrs = append(handleInstrs, 0x41)
	handleInstrs = append(handleInstrs, sleb128(respOffset)...)
	handleInstrs = append(handleInstrs, 0x41)
	handleInstrs = append(handleInstrs, sleb128(int64(len(respJSON)))...)
	handleInstrs = append(handleInstrs, 0x0B)

	code := wasmSection(0x0A, wasmVec(
		funcBody(allocateInstrs),
		funcBody(handleInstrs),
	))

	data := wasmSection(0x0B, wasmVec(
		dataSegment(pongOffset, []byte(pong)),
		dataSegment(respOffset, []byte(respJSON)),
	))

	out := append([]byte{}, wasmHeader...)
	out = append(out, types...)
	out = append(out, imports...)
	out = append(out, funcs...)
	out = append(out, mem...)
	out = append(out, exports...)
	out = append(out, code...)
	out = append(out, data...)
	return out
}

// buildLoopGuest assembles a guest whose handle-request never returns: a
// structured loop with an unconditional backward branch. It needs no host
// imports. Used for spec.md §8 scenario 4 (guest timeout): wazero's
// RuntimeConfig.WithCloseOnContextDone (set on the Runtime) polls
// ctx.Done() at backward branches, so a deadline-bound context interrupts
// this guest instead of hanging the dispatcher forever.
func buildLoopGuest() []byte {
	types := wasmSection(0x01, wasmVec(
		funcType([]byte{valI32}, []byte{valI32}),                 // 0: allocate
		funcType([]byte{valI32, valI32}, []byte{valI32, valI32}), // 1: handle-request
	))

	funcs := wasmSection(0x03, wasmVec(uleb128(0), uleb128(1)))

	mem := wasmSection(0x05, wasmVec(memType(1)))

	exports := wasmSection(0x07, wasmVec(
		exportEntry("memory", 0x02, 0),
		exportEntry("allocate", 0x00, 0),
		exportEntry("handle-request", 0x00, 1),
	))

	allocateInstrs := append([]byte{0x41}, sleb128(4096)...)
	allocateInstrs = append(allocateInstrs, 0x0B)

	// loop (blocktype empty) / br 0 / end loop / end function.
	loopInstrs := []byte{0x03, 0x40, 0x0C, 0x00, 0x0B, 0x0B}

	code := wasmSection(0x0A, wasmVec(
		funcBody(allocateInstrs),
		funcBody(loopInstrs),
	))

	out := append([]byte{}, wasmHeader...)
	out = append(out, types...)
	out = append(out, funcs...)
	out = append(out, mem...)
	out = append(out, exports...)
	out = append(out, code...)
	return out
}
