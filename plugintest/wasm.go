package plugintest

import "bytes"

// Hand-assembled core wasm fixtures. Each module keeps the same fixed type
// table so function bodies can be written against stable type indices:
//
//	0: (i32, i32) -> i64   event hooks
//	1: () -> ()            lifecycle hooks
//	2: (i32, i32) -> ()    emit_action / log imports
//	3: (i32) -> ()         spend
//
// Data carried by a fixture lives at dataOffset with the conventional
// little-endian length prefix in front of it, so hooks can hand the host a
// valid packed pointer without running any allocation code.

const dataOffset = 4096

var typeTable = [][]byte{
	{0x60, 0x02, 0x7F, 0x7F, 0x01, 0x7E},
	{0x60, 0x00, 0x00},
	{0x60, 0x02, 0x7F, 0x7F, 0x00},
	{0x60, 0x01, 0x7F, 0x00},
}

// LoopModule returns a module whose hooks spin forever. Only the
// instruction budget can stop it.
func LoopModule() []byte {
	m := newModule()
	m.defineFunc(0, []byte{
		0x03, 0x40, // loop (void)
		0x0C, 0x00, // br 0
		0x0B,       // end loop
		0x42, 0x00, // i64.const 0
		0x0B, // end
	})
	m.exportFunc("on_tick", 0)
	m.exportFunc("on_event", 0)
	return m.encode()
}

// FixedModule returns a module whose hooks always answer with the given
// reply buffer, served straight from a data segment.
func FixedModule(reply []byte) []byte {
	m := newModule()
	m.data(dataOffset, reply)
	packed := int64(dataOffset+4)<<32 | int64(len(reply))
	body := &bytes.Buffer{}
	body.WriteByte(0x42) // i64.const
	body.Write(sleb64(packed))
	body.WriteByte(0x0B) // end
	m.defineFunc(0, body.Bytes())
	m.exportFunc("on_tick", 0)
	m.exportFunc("on_event", 0)
	return m.encode()
}

// TrapModule returns a module whose hooks execute unreachable immediately.
func TrapModule() []byte {
	m := newModule()
	m.defineFunc(0, []byte{0x00, 0x0B}) // unreachable; end
	m.exportFunc("on_tick", 0)
	m.exportFunc("on_event", 0)
	return m.encode()
}

// EmitterModule returns a module that calls env.emit_action once with the
// given serialized action and then returns an empty reply.
func EmitterModule(action []byte) []byte {
	m := newModule()
	m.importFunc("env", "emit_action", 2)
	m.data(dataOffset, action)
	body := &bytes.Buffer{}
	body.WriteByte(0x41) // i32.const ptr
	body.Write(sleb64(dataOffset + 4))
	body.WriteByte(0x41) // i32.const len
	body.Write(sleb64(int64(len(action))))
	body.Write([]byte{0x10, 0x00}) // call 0
	body.Write([]byte{0x42, 0x00}) // i64.const 0
	body.WriteByte(0x0B)
	m.defineFunc(0, body.Bytes())
	m.exportFunc("on_tick", 1)
	m.exportFunc("on_event", 1)
	return m.encode()
}

// QueryModule returns a module that sends the given request to env.query,
// drops the reply, and returns an empty result.
func QueryModule(req []byte) []byte {
	m := newModule()
	m.importFunc("env", "query", 0)
	m.data(dataOffset, req)
	body := &bytes.Buffer{}
	body.WriteByte(0x41)
	body.Write(sleb64(dataOffset + 4))
	body.WriteByte(0x41)
	body.Write(sleb64(int64(len(req))))
	body.Write([]byte{0x10, 0x00}) // call 0
	body.WriteByte(0x1A)           // drop
	body.Write([]byte{0x42, 0x00}) // i64.const 0
	body.WriteByte(0x0B)
	m.defineFunc(0, body.Bytes())
	m.exportFunc("on_tick", 1)
	m.exportFunc("on_event", 1)
	return m.encode()
}

// ImportingModule returns a module that imports the named host function
// (with the emit_action shape) without ever calling it. Pair it with a
// manifest that does not declare the matching capability to exercise
// link-time rejection.
func ImportingModule(module, name string) []byte {
	m := newModule()
	m.importFunc(module, name, 2)
	m.defineFunc(0, []byte{0x42, 0x00, 0x0B})
	m.exportFunc("on_tick", 1)
	m.exportFunc("on_event", 1)
	return m.encode()
}

// SpendImportModule returns a module that tries to import the reserved
// accounting hook directly.
func SpendImportModule() []byte {
	m := newModule()
	m.importFunc("env", "spend", 3)
	m.defineFunc(0, []byte{0x42, 0x00, 0x0B})
	m.exportFunc("on_tick", 1)
	return m.encode()
}

// modBuilder accumulates sections for one fixture.
type modBuilder struct {
	imports  [][]byte
	funcs    []uint32
	exports  [][]byte
	bodies   [][]byte
	segments [][]byte
}

func newModule() *modBuilder {
	return &modBuilder{}
}

func (m *modBuilder) importFunc(module, name string, typeIdx uint32) {
	e := &bytes.Buffer{}
	e.Write(wasmName(module))
	e.Write(wasmName(name))
	e.WriteByte(0x00)
	e.Write(uleb(typeIdx))
	m.imports = append(m.imports, e.Bytes())
}

func (m *modBuilder) defineFunc(typeIdx uint32, expr []byte) {
	m.funcs = append(m.funcs, typeIdx)
	body := &bytes.Buffer{}
	body.WriteByte(0x00) // no locals
	body.Write(expr)
	m.bodies = append(m.bodies, body.Bytes())
}

func (m *modBuilder) exportFunc(name string, funcIdx uint32) {
	e := &bytes.Buffer{}
	e.Write(wasmName(name))
	e.WriteByte(0x00)
	e.Write(uleb(funcIdx))
	m.exports = append(m.exports, e.Bytes())
}

// data places a length-prefixed payload at the given offset via an active
// data segment.
func (m *modBuilder) data(offset uint32, payload []byte) {
	seg := &bytes.Buffer{}
	seg.WriteByte(0x00) // active, memory 0
	seg.WriteByte(0x41) // i32.const offset
	seg.Write(sleb64(int64(offset)))
	seg.WriteByte(0x0B)
	prefixed := make([]byte, 4+len(payload))
	prefixed[0] = byte(len(payload))
	prefixed[1] = byte(len(payload) >> 8)
	prefixed[2] = byte(len(payload) >> 16)
	prefixed[3] = byte(len(payload) >> 24)
	copy(prefixed[4:], payload)
	seg.Write(uleb(uint32(len(prefixed))))
	seg.Write(prefixed)
	m.segments = append(m.segments, seg.Bytes())
}

func (m *modBuilder) encode() []byte {
	out := &bytes.Buffer{}
	out.Write([]byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00})

	types := &bytes.Buffer{}
	types.Write(uleb(uint32(len(typeTable))))
	for _, t := range typeTable {
		types.Write(t)
	}
	writeSection(out, 1, types.Bytes())

	if len(m.imports) > 0 {
		writeSection(out, 2, vec(m.imports))
	}

	funcs := &bytes.Buffer{}
	funcs.Write(uleb(uint32(len(m.funcs))))
	for _, t := range m.funcs {
		funcs.Write(uleb(t))
	}
	writeSection(out, 3, funcs.Bytes())

	// One memory of one page, exported as "memory".
	writeSection(out, 5, []byte{0x01, 0x00, 0x01})

	mem := &bytes.Buffer{}
	mem.Write(wasmName("memory"))
	mem.Write([]byte{0x02, 0x00})
	writeSection(out, 7, vec(append([][]byte{mem.Bytes()}, m.exports...)))

	bodies := &bytes.Buffer{}
	bodies.Write(uleb(uint32(len(m.bodies))))
	for _, b := range m.bodies {
		bodies.Write(uleb(uint32(len(b))))
		bodies.Write(b)
	}
	writeSection(out, 10, bodies.Bytes())

	if len(m.segments) > 0 {
		writeSection(out, 11, vec(m.segments))
	}

	return out.Bytes()
}

func vec(items [][]byte) []byte {
	out := &bytes.Buffer{}
	out.Write(uleb(uint32(len(items))))
	for _, it := range items {
		out.Write(it)
	}
	return out.Bytes()
}

func writeSection(out *bytes.Buffer, id byte, payload []byte) {
	out.WriteByte(id)
	out.Write(uleb(uint32(len(payload))))
	out.Write(payload)
}

func wasmName(s string) []byte {
	out := &bytes.Buffer{}
	out.Write(uleb(uint32(len(s))))
	out.WriteString(s)
	return out.Bytes()
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb64(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
