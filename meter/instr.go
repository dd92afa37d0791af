package meter

import (
	errs "github.com/veldra/plugin-host/errors"
	"github.com/veldra/plugin-host/meter/internal/bin"
)

// Core opcodes the rewriter interprets. Everything else is classified only
// by immediate shape so its bytes can be copied through untouched.
const (
	opUnreachable  = 0x00
	opNop          = 0x01
	opBlock        = 0x02
	opLoop         = 0x03
	opIf           = 0x04
	opElse         = 0x05
	opEnd          = 0x0B
	opBr           = 0x0C
	opBrIf         = 0x0D
	opBrTable      = 0x0E
	opReturn       = 0x0F
	opCall         = 0x10
	opCallIndirect = 0x11

	opDrop    = 0x1A
	opSelect  = 0x1B
	opSelectT = 0x1C

	opLocalGet  = 0x20
	opGlobalGet = 0x23
	opTableGet  = 0x25
	opTableSet  = 0x26

	opMemLoadFirst  = 0x28
	opMemStoreLast  = 0x3E
	opMemorySize    = 0x3F
	opMemoryGrow    = 0x40
	opI32Const      = 0x41
	opI64Const      = 0x42
	opF32Const      = 0x43
	opF64Const      = 0x44
	opNumericFirst  = 0x45
	opNumericLast   = 0xC4
	opRefNull       = 0xD0
	opRefIsNull     = 0xD1
	opRefFunc       = 0xD2
	prefixMisc      = 0xFC
	prefixSIMD      = 0xFD
	prefixThreads   = 0xFE
)

// isBoundary reports whether op ends a straight-line instruction segment.
// Injecting an accounting call at the head of every segment guarantees a
// loop iteration can never execute without spending.
func isBoundary(op byte) bool {
	switch op {
	case opUnreachable, opBlock, opLoop, opIf, opElse, opEnd,
		opBr, opBrIf, opBrTable, opReturn, opCall, opCallIndirect:
		return true
	}
	return false
}

// instr is one decoded instruction with its final (possibly re-encoded)
// byte representation.
type instr struct {
	raw      []byte
	op       byte
	boundary bool
}

// parseExpr decodes instructions up to and including the end opcode that
// closes the expression, remapping function indices in call and ref.func
// immediates. It is used for function bodies and for the constant
// expressions in global and element sections.
func parseExpr(r *bin.Reader, remap func(uint32) uint32) ([]instr, error) {
	var out []instr
	depth := 0
	for {
		in, err := parseInstr(r, remap)
		if err != nil {
			return nil, err
		}
		out = append(out, in)

		switch in.op {
		case opBlock, opLoop, opIf:
			depth++
		case opEnd:
			if depth == 0 {
				return out, nil
			}
			depth--
		}
	}
}

func parseInstr(r *bin.Reader, remap func(uint32) uint32) (instr, error) {
	mark := r.Pos()
	op, err := r.Byte()
	if err != nil {
		return instr{}, err
	}

	switch {
	case op == opCall || op == opRefFunc:
		idx, err := r.U32()
		if err != nil {
			return instr{}, err
		}
		w := bin.NewWriter()
		w.Byte(op)
		w.U32(remap(idx))
		return instr{raw: w.Bytes(), op: op, boundary: isBoundary(op)}, nil

	case op == opBlock || op == opLoop || op == opIf:
		// Block type: empty (0x40), a valtype, or a positive s33 type
		// index. All decode as one signed LEB value.
		if _, err := r.S64(); err != nil {
			return instr{}, err
		}

	case op == opBr || op == opBrIf ||
		(op >= opLocalGet && op <= opTableSet) ||
		op == opMemorySize || op == opMemoryGrow:
		if _, err := r.U32(); err != nil {
			return instr{}, err
		}

	case op == opBrTable:
		n, err := r.U32()
		if err != nil {
			return instr{}, err
		}
		for i := uint32(0); i <= n; i++ {
			if _, err := r.U32(); err != nil {
				return instr{}, err
			}
		}

	case op == opCallIndirect:
		if _, err := r.U32(); err != nil { // type index
			return instr{}, err
		}
		if _, err := r.U32(); err != nil { // table index
			return instr{}, err
		}

	case op >= opMemLoadFirst && op <= opMemStoreLast:
		if _, err := r.U32(); err != nil { // align
			return instr{}, err
		}
		if _, err := r.U32(); err != nil { // offset
			return instr{}, err
		}

	case op == opI32Const || op == opI64Const:
		if _, err := r.S64(); err != nil {
			return instr{}, err
		}

	case op == opF32Const:
		if err := r.Skip(4); err != nil {
			return instr{}, err
		}

	case op == opF64Const:
		if err := r.Skip(8); err != nil {
			return instr{}, err
		}

	case op == opSelectT:
		n, err := r.U32()
		if err != nil {
			return instr{}, err
		}
		if err := r.Skip(int(n)); err != nil {
			return instr{}, err
		}

	case op == opRefNull:
		if _, err := r.Byte(); err != nil {
			return instr{}, err
		}

	case op == prefixMisc:
		if err := parseMiscImm(r); err != nil {
			return instr{}, err
		}

	case op == prefixSIMD || op == prefixThreads:
		return instr{}, errs.InvalidModule("SIMD and threads opcodes are not supported in sandboxed modules", nil)

	case op == opUnreachable || op == opNop || op == opElse || op == opEnd ||
		op == opReturn || op == opDrop || op == opSelect || op == opRefIsNull ||
		(op >= opNumericFirst && op <= opNumericLast):
		// no immediates

	default:
		return instr{}, errs.InvalidModule("unknown opcode", errByte(op))
	}

	return instr{raw: r.Since(mark), op: op, boundary: isBoundary(op)}, nil
}

// parseMiscImm consumes immediates of the 0xFC-prefixed instructions
// (saturating truncation plus bulk memory and table operations).
func parseMiscImm(r *bin.Reader) error {
	sub, err := r.U32()
	if err != nil {
		return err
	}
	switch sub {
	case 0, 1, 2, 3, 4, 5, 6, 7: // trunc_sat
		return nil
	case 8: // memory.init dataidx, mem
		if _, err := r.U32(); err != nil {
			return err
		}
		_, err := r.Byte()
		return err
	case 9, 13, 15, 16, 17: // data.drop, elem.drop, table.grow/size/fill
		_, err := r.U32()
		return err
	case 10: // memory.copy mem, mem
		if _, err := r.Byte(); err != nil {
			return err
		}
		_, err := r.Byte()
		return err
	case 11: // memory.fill mem
		_, err := r.Byte()
		return err
	case 12, 14: // table.init, table.copy
		if _, err := r.U32(); err != nil {
			return err
		}
		_, err := r.U32()
		return err
	default:
		return errs.InvalidModule("unknown 0xFC opcode", errByte(byte(sub)))
	}
}

// rewriteExpr re-emits a parsed expression. When spending is enabled it
// prepends `i32.const <n>; call spend` to every segment, where n counts the
// segment's instructions including its closing boundary instruction, so
// every instruction is accounted exactly once and the accounting points are
// a pure function of the input module.
func writeExpr(w *bin.Writer, instrs []instr, spendIdx uint32, inject bool) {
	if !inject {
		for _, in := range instrs {
			w.Raw(in.raw)
		}
		return
	}

	for i := 0; i < len(instrs); {
		j := i
		for j < len(instrs)-1 && !instrs[j].boundary {
			j++
		}
		w.Byte(opI32Const)
		w.S32(int32(j - i + 1))
		w.Byte(opCall)
		w.U32(spendIdx)
		for ; i <= j; i++ {
			w.Raw(instrs[i].raw)
		}
	}
}

type errByte byte

func (e errByte) Error() string {
	const hex = "0123456789abcdef"
	return "0x" + string([]byte{hex[e>>4], hex[e&0xf]})
}
