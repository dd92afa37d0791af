package meter

import (
	"bytes"
	"fmt"

	errs "github.com/veldra/plugin-host/errors"
	"github.com/veldra/plugin-host/meter/internal/bin"
)

// Section ids in the core wasm binary format.
const (
	secCustom    = 0
	secType      = 1
	secImport    = 2
	secFunction  = 3
	secTable     = 4
	secMemory    = 5
	secGlobal    = 6
	secExport    = 7
	secStart     = 8
	secElement   = 9
	secCode      = 10
	secData      = 11
	secDataCount = 12
)

var header = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

// Options name the import the rewriter injects. The zero value uses the
// host ABI defaults.
type Options struct {
	HostModule string
	SpendName  string
}

func (o Options) withDefaults() Options {
	if o.HostModule == "" {
		o.HostModule = "env"
	}
	if o.SpendName == "" {
		o.SpendName = "spend"
	}
	return o
}

// Instrument rewrites a core wasm module so that every executed instruction
// is accounted against a host-owned budget. It appends a function import
// `<host>.<spend> : (i32) -> ()` and injects a spend call at the head of
// every straight-line instruction segment. Because the new import shifts
// every defined function index by one, call immediates, ref.func, exports,
// the start function, and element segments are remapped accordingly.
//
// Modules that already import the spend hook are rejected: the hook is
// reserved to the rewriter so a guest can never forge its own accounting.
func Instrument(module []byte, opts Options) ([]byte, error) {
	opts = opts.withDefaults()

	if len(module) < len(header) || !bytes.Equal(module[:4], header[:4]) {
		return nil, errs.InvalidModule("not a wasm binary", nil)
	}
	if !bytes.Equal(module[4:8], header[4:8]) {
		return nil, errs.InvalidModule("unsupported wasm binary version", nil)
	}

	known := make(map[byte][]byte)
	var customs [][]byte

	r := bin.NewReader(module[8:])
	for r.Remaining() > 0 {
		id, err := r.Byte()
		if err != nil {
			return nil, errs.InvalidModule("truncated section header", err)
		}
		size, err := r.U32()
		if err != nil {
			return nil, errs.InvalidModule("truncated section size", err)
		}
		payload, err := r.Bytes(int(size))
		if err != nil {
			return nil, errs.InvalidModule(fmt.Sprintf("section %d exceeds module size", id), err)
		}
		if id == secCustom {
			customs = append(customs, payload)
			continue
		}
		if id > secDataCount {
			return nil, errs.InvalidModule(fmt.Sprintf("unknown section id %d", id), nil)
		}
		if _, dup := known[id]; dup {
			return nil, errs.InvalidModule(fmt.Sprintf("duplicate section id %d", id), nil)
		}
		known[id] = payload
	}

	typeSec, spendType, err := rewriteTypes(known[secType])
	if err != nil {
		return nil, err
	}

	importSec, importedFuncs, err := rewriteImports(known[secImport], opts, spendType)
	if err != nil {
		return nil, err
	}

	// Imported functions keep their indices; the appended spend import
	// takes the next one and every defined function shifts up by one.
	spendIdx := importedFuncs
	remap := func(idx uint32) uint32 {
		if idx >= importedFuncs {
			return idx + 1
		}
		return idx
	}

	out := map[byte][]byte{
		secType:   typeSec,
		secImport: importSec,
	}
	for _, id := range []byte{secFunction, secTable, secMemory, secDataCount, secData} {
		if p, ok := known[id]; ok {
			out[id] = p
		}
	}

	if p, ok := known[secGlobal]; ok {
		if out[secGlobal], err = rewriteGlobals(p, remap); err != nil {
			return nil, err
		}
	}
	if p, ok := known[secExport]; ok {
		if out[secExport], err = rewriteExports(p, remap); err != nil {
			return nil, err
		}
	}
	if p, ok := known[secStart]; ok {
		sr := bin.NewReader(p)
		idx, err := sr.U32()
		if err != nil {
			return nil, errs.InvalidModule("malformed start section", err)
		}
		sw := bin.NewWriter()
		sw.U32(remap(idx))
		out[secStart] = sw.Bytes()
	}
	if p, ok := known[secElement]; ok {
		if out[secElement], err = rewriteElements(p, remap); err != nil {
			return nil, err
		}
	}
	if p, ok := known[secCode]; ok {
		if out[secCode], err = rewriteCode(p, remap, spendIdx); err != nil {
			return nil, err
		}
	}

	w := bin.NewWriter()
	w.Raw(header)
	for _, id := range []byte{
		secType, secImport, secFunction, secTable, secMemory, secGlobal,
		secExport, secStart, secElement, secDataCount, secCode, secData,
	} {
		if p, ok := out[id]; ok {
			w.Section(id, p)
		}
	}
	for _, p := range customs {
		w.Section(secCustom, p)
	}
	return w.Bytes(), nil
}

// rewriteTypes ensures a (i32) -> () function type exists and returns its
// index along with the (possibly extended) section payload.
func rewriteTypes(payload []byte) ([]byte, uint32, error) {
	spendSig := []byte{0x60, 0x01, 0x7F, 0x00}

	if payload == nil {
		w := bin.NewWriter()
		w.U32(1)
		w.Raw(spendSig)
		return w.Bytes(), 0, nil
	}

	r := bin.NewReader(payload)
	count, err := r.U32()
	if err != nil {
		return nil, 0, errs.InvalidModule("malformed type section", err)
	}
	for i := uint32(0); i < count; i++ {
		mark := r.Pos()
		if err := skipFuncType(r); err != nil {
			return nil, 0, err
		}
		if bytes.Equal(r.Since(mark), spendSig) {
			return payload, i, nil
		}
	}

	w := bin.NewWriter()
	w.U32(count + 1)
	w.Raw(payload[posAfterCount(payload):])
	w.Raw(spendSig)
	return w.Bytes(), count, nil
}

// posAfterCount returns the byte length of the leading vector count.
func posAfterCount(payload []byte) int {
	r := bin.NewReader(payload)
	_, _ = r.U32()
	return r.Pos()
}

func skipFuncType(r *bin.Reader) error {
	form, err := r.Byte()
	if err != nil {
		return errs.InvalidModule("truncated type section", err)
	}
	if form != 0x60 {
		return errs.InvalidModule("non-function type in type section", errByte(form))
	}
	for range 2 { // params then results
		n, err := r.U32()
		if err != nil {
			return errs.InvalidModule("truncated type section", err)
		}
		if err := r.Skip(int(n)); err != nil {
			return errs.InvalidModule("truncated type section", err)
		}
	}
	return nil
}

// rewriteImports appends the spend import and returns the count of function
// imports the module had before injection.
func rewriteImports(payload []byte, opts Options, spendType uint32) ([]byte, uint32, error) {
	w := bin.NewWriter()
	var entries []byte
	var count, funcs uint32

	if payload != nil {
		r := bin.NewReader(payload)
		var err error
		if count, err = r.U32(); err != nil {
			return nil, 0, errs.InvalidModule("malformed import section", err)
		}
		mark := r.Pos()
		for i := uint32(0); i < count; i++ {
			module, err := r.Name()
			if err != nil {
				return nil, 0, errs.InvalidModule("truncated import entry", err)
			}
			name, err := r.Name()
			if err != nil {
				return nil, 0, errs.InvalidModule("truncated import entry", err)
			}
			if module == opts.HostModule && name == opts.SpendName {
				return nil, 0, errs.InvalidModule(
					fmt.Sprintf("module imports reserved accounting hook %s.%s", module, name), nil)
			}
			kind, err := r.Byte()
			if err != nil {
				return nil, 0, errs.InvalidModule("truncated import entry", err)
			}
			switch kind {
			case 0x00: // function
				funcs++
				if _, err := r.U32(); err != nil {
					return nil, 0, errs.InvalidModule("truncated import entry", err)
				}
			case 0x01: // table: reftype + limits
				if _, err := r.Byte(); err != nil {
					return nil, 0, errs.InvalidModule("truncated import entry", err)
				}
				if err := skipLimits(r); err != nil {
					return nil, 0, err
				}
			case 0x02: // memory: limits
				if err := skipLimits(r); err != nil {
					return nil, 0, err
				}
			case 0x03: // global: valtype + mutability
				if err := r.Skip(2); err != nil {
					return nil, 0, errs.InvalidModule("truncated import entry", err)
				}
			default:
				return nil, 0, errs.InvalidModule("unknown import kind", errByte(kind))
			}
		}
		entries = r.Since(mark)
	}

	w.U32(count + 1)
	w.Raw(entries)
	w.Name(opts.HostModule)
	w.Name(opts.SpendName)
	w.Byte(0x00)
	w.U32(spendType)
	return w.Bytes(), funcs, nil
}

func skipLimits(r *bin.Reader) error {
	flags, err := r.Byte()
	if err != nil {
		return errs.InvalidModule("truncated limits", err)
	}
	if _, err := r.U32(); err != nil {
		return errs.InvalidModule("truncated limits", err)
	}
	if flags&0x01 != 0 {
		if _, err := r.U32(); err != nil {
			return errs.InvalidModule("truncated limits", err)
		}
	}
	return nil
}

func rewriteGlobals(payload []byte, remap func(uint32) uint32) ([]byte, error) {
	r := bin.NewReader(payload)
	w := bin.NewWriter()
	count, err := r.U32()
	if err != nil {
		return nil, errs.InvalidModule("malformed global section", err)
	}
	w.U32(count)
	for i := uint32(0); i < count; i++ {
		gt, err := r.Bytes(2) // valtype + mutability
		if err != nil {
			return nil, errs.InvalidModule("truncated global entry", err)
		}
		w.Raw(gt)
		// Init expressions may hold ref.func and need remapping.
		instrs, err := parseExpr(r, remap)
		if err != nil {
			return nil, err
		}
		writeExpr(w, instrs, 0, false)
	}
	return w.Bytes(), nil
}

func rewriteExports(payload []byte, remap func(uint32) uint32) ([]byte, error) {
	r := bin.NewReader(payload)
	w := bin.NewWriter()
	count, err := r.U32()
	if err != nil {
		return nil, errs.InvalidModule("malformed export section", err)
	}
	w.U32(count)
	for i := uint32(0); i < count; i++ {
		name, err := r.Name()
		if err != nil {
			return nil, errs.InvalidModule("truncated export entry", err)
		}
		kind, err := r.Byte()
		if err != nil {
			return nil, errs.InvalidModule("truncated export entry", err)
		}
		idx, err := r.U32()
		if err != nil {
			return nil, errs.InvalidModule("truncated export entry", err)
		}
		if kind == 0x00 {
			idx = remap(idx)
		}
		w.Name(name)
		w.Byte(kind)
		w.U32(idx)
	}
	return w.Bytes(), nil
}

func rewriteElements(payload []byte, remap func(uint32) uint32) ([]byte, error) {
	r := bin.NewReader(payload)
	w := bin.NewWriter()
	count, err := r.U32()
	if err != nil {
		return nil, errs.InvalidModule("malformed element section", err)
	}
	w.U32(count)

	copyExpr := func() error {
		instrs, err := parseExpr(r, remap)
		if err != nil {
			return err
		}
		writeExpr(w, instrs, 0, false)
		return nil
	}
	copyFuncVec := func() error {
		n, err := r.U32()
		if err != nil {
			return errs.InvalidModule("truncated element segment", err)
		}
		w.U32(n)
		for i := uint32(0); i < n; i++ {
			idx, err := r.U32()
			if err != nil {
				return errs.InvalidModule("truncated element segment", err)
			}
			w.U32(remap(idx))
		}
		return nil
	}
	copyExprVec := func() error {
		n, err := r.U32()
		if err != nil {
			return errs.InvalidModule("truncated element segment", err)
		}
		w.U32(n)
		for i := uint32(0); i < n; i++ {
			if err := copyExpr(); err != nil {
				return err
			}
		}
		return nil
	}
	copyByte := func() error {
		b, err := r.Byte()
		if err != nil {
			return errs.InvalidModule("truncated element segment", err)
		}
		w.Byte(b)
		return nil
	}
	copyU32 := func() error {
		v, err := r.U32()
		if err != nil {
			return errs.InvalidModule("truncated element segment", err)
		}
		w.U32(v)
		return nil
	}

	for i := uint32(0); i < count; i++ {
		flags, err := r.U32()
		if err != nil {
			return nil, errs.InvalidModule("truncated element segment", err)
		}
		w.U32(flags)

		var steps []func() error
		switch flags {
		case 0:
			steps = []func() error{copyExpr, copyFuncVec}
		case 1:
			steps = []func() error{copyByte, copyFuncVec}
		case 2:
			steps = []func() error{copyU32, copyExpr, copyByte, copyFuncVec}
		case 3:
			steps = []func() error{copyByte, copyFuncVec}
		case 4:
			steps = []func() error{copyExpr, copyExprVec}
		case 5:
			steps = []func() error{copyByte, copyExprVec}
		case 6:
			steps = []func() error{copyU32, copyExpr, copyByte, copyExprVec}
		case 7:
			steps = []func() error{copyByte, copyExprVec}
		default:
			return nil, errs.InvalidModule(fmt.Sprintf("unknown element segment flags %d", flags), nil)
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return nil, err
			}
		}
	}
	return w.Bytes(), nil
}

func rewriteCode(payload []byte, remap func(uint32) uint32, spendIdx uint32) ([]byte, error) {
	r := bin.NewReader(payload)
	w := bin.NewWriter()
	count, err := r.U32()
	if err != nil {
		return nil, errs.InvalidModule("malformed code section", err)
	}
	w.U32(count)

	for i := uint32(0); i < count; i++ {
		size, err := r.U32()
		if err != nil {
			return nil, errs.InvalidModule("truncated function body", err)
		}
		body, err := r.Bytes(int(size))
		if err != nil {
			return nil, errs.InvalidModule("truncated function body", err)
		}

		br := bin.NewReader(body)
		mark := br.Pos()
		locals, err := br.U32()
		if err != nil {
			return nil, errs.InvalidModule("malformed local declarations", err)
		}
		for l := uint32(0); l < locals; l++ {
			if _, err := br.U32(); err != nil {
				return nil, errs.InvalidModule("malformed local declarations", err)
			}
			if _, err := br.Byte(); err != nil {
				return nil, errs.InvalidModule("malformed local declarations", err)
			}
		}
		localDecls := br.Since(mark)

		instrs, err := parseExpr(br, remap)
		if err != nil {
			return nil, err
		}
		if br.Remaining() != 0 {
			return nil, errs.InvalidModule("trailing bytes after function body", nil)
		}

		bw := bin.NewWriter()
		bw.Raw(localDecls)
		writeExpr(bw, instrs, spendIdx, true)

		w.U32(uint32(bw.Len()))
		w.Raw(bw.Bytes())
	}
	return w.Bytes(), nil
}
