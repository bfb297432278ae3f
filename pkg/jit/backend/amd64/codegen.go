package amd64

import (
	"fmt"

	"github.com/fortiblox/bpfjit/pkg/jit/ir"
	"github.com/fortiblox/bpfjit/pkg/jit/object"
)

// regMap assigns eBPF registers to machine registers. r1-r5 sit in the
// SysV argument registers and r6-r10 in callee-saved registers, so helper
// calls need no argument shuffling and survive calls without spills.
// r9-r11 are scratch.
var regMap = [ir.NumRegs]reg{
	ir.R0:  rax,
	ir.R1:  rdi,
	ir.R2:  rsi,
	ir.R3:  rdx,
	ir.R4:  rcx,
	ir.R5:  r8,
	ir.R6:  rbx,
	ir.R7:  r13,
	ir.R8:  r14,
	ir.R9:  r15,
	ir.R10: rbp,
}

var calleeSaved = []reg{rbx, r13, r14, r15}

// helperSaved are preserved around LDDW helper calls. Six pushes keep the
// stack 16-byte aligned.
var helperSaved = []reg{rax, rdi, rsi, rdx, rcx, r8}

var condCodes = map[ir.Cond]byte{
	ir.CondEq:  ccE,
	ir.CondNe:  ccNE,
	ir.CondGt:  ccA,
	ir.CondGe:  ccAE,
	ir.CondLt:  ccB,
	ir.CondLe:  ccBE,
	ir.CondSet: ccNE,
	ir.CondSGt: ccG,
	ir.CondSGe: ccGE,
	ir.CondSLt: ccL,
	ir.CondSLe: ccLE,
}

type aluEnc struct {
	op  byte
	ext byte
}

var aluEncs = map[ir.Op]aluEnc{
	ir.OpAdd: {opAdd, extAdd},
	ir.OpSub: {opSub, extSub},
	ir.OpOr:  {opOr, extOr},
	ir.OpAnd: {opAnd, extAnd},
	ir.OpXor: {opXor, extXor},
}

var atomicEncs = map[ir.AtomicOp]byte{
	ir.AtomicAdd: opAdd,
	ir.AtomicOr:  opOr,
	ir.AtomicAnd: opAnd,
	ir.AtomicXor: opXor,
}

func fitsInt32(v int64) bool {
	return v == int64(int32(v))
}

type codegen struct {
	a      *assembler
	funcs  map[string]label
	blocks map[int]label
}

// generate emits every function of m into one text section.
func generate(m *ir.Module) (*object.Object, error) {
	g := &codegen{a: newAssembler(), funcs: make(map[string]label)}
	for _, f := range m.Functions {
		g.funcs[f.Name] = g.a.newLabel()
	}

	var syms []object.Symbol
	for _, f := range m.Functions {
		g.a.align(16)
		start := g.a.pos()
		g.a.bind(g.funcs[f.Name])
		if err := g.function(f); err != nil {
			return nil, fmt.Errorf("@%s: %w", f.Name, err)
		}
		syms = append(syms, object.Symbol{
			Name:     f.Name,
			Offset:   uint64(start),
			Size:     uint64(g.a.pos() - start),
			Exported: f.Exported,
		})
	}
	if err := g.a.resolve(); err != nil {
		return nil, err
	}
	return &object.Object{
		Text:    g.a.buf,
		Symbols: syms,
		Relocs:  g.a.relocs,
	}, nil
}

func frameSize(f *ir.Function) int32 {
	return int32((f.StackSize + 15) &^ 15)
}

func (g *codegen) prologue(f *ir.Function) {
	a := g.a
	a.push(rbp)
	a.movRR(true, rbp, rsp)
	if size := frameSize(f); size > 0 {
		a.aluRI(true, extSub, rsp, size)
	}
	for _, r := range calleeSaved {
		a.push(r)
	}
}

func (g *codegen) epilogue() {
	a := g.a
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		a.pop(calleeSaved[i])
	}
	a.leave()
	a.ret()
}

func (g *codegen) function(f *ir.Function) error {
	g.blocks = make(map[int]label, len(f.Blocks))
	for _, b := range f.Blocks {
		g.blocks[b.ID] = g.a.newLabel()
	}
	g.prologue(f)
	for i, b := range f.Blocks {
		g.a.bind(g.blocks[b.ID])
		for j := range b.Insts {
			if err := g.inst(&b.Insts[j]); err != nil {
				return fmt.Errorf("b%d: %s: %w", b.ID, b.Insts[j].String(), err)
			}
		}
		next := -1
		if i+1 < len(f.Blocks) {
			next = f.Blocks[i+1].ID
		}
		g.term(b.Term, next)
	}
	return nil
}

func (g *codegen) term(t ir.Term, next int) {
	a := g.a
	switch t.Kind {
	case ir.TermReturn:
		g.epilogue()
	case ir.TermJump:
		if t.Then != next {
			a.jmp(g.blocks[t.Then])
		}
	case ir.TermBranch:
		w := t.Width == ir.W64
		x := regMap[t.A]
		if t.Cond == ir.CondSet {
			switch {
			case !t.B.IsImm:
				a.testRR(w, x, regMap[t.B.Reg])
			case !w || fitsInt32(t.B.Imm):
				a.testRI(w, x, int32(t.B.Imm))
			default:
				a.movabs(r11, uint64(t.B.Imm))
				a.testRR(w, x, r11)
			}
		} else {
			switch {
			case !t.B.IsImm:
				a.aluRR(w, opCmp, x, regMap[t.B.Reg])
			case !w || fitsInt32(t.B.Imm):
				a.aluRI(w, extCmp, x, int32(t.B.Imm))
			default:
				a.movabs(r11, uint64(t.B.Imm))
				a.aluRR(w, opCmp, x, r11)
			}
		}
		a.jcc(condCodes[t.Cond], g.blocks[t.Then])
		if t.Else != next {
			a.jmp(g.blocks[t.Else])
		}
	}
}

// source returns the register holding the source operand, materializing
// wide immediates in r11. isReg is false for an immediate that fits the
// 32-bit encoding.
func (g *codegen) source(in *ir.Inst) (r reg, imm int32, isReg bool) {
	if !in.Src.IsImm {
		return regMap[in.Src.Reg], 0, true
	}
	if in.Width == ir.W32 || fitsInt32(in.Src.Imm) {
		return 0, int32(in.Src.Imm), false
	}
	g.a.movabs(r11, uint64(in.Src.Imm))
	return r11, 0, true
}

func (g *codegen) inst(in *ir.Inst) error {
	a := g.a
	w := in.Width == ir.W64
	dst := regMap[in.Dst]

	switch in.Op {
	case ir.OpMov:
		switch {
		case !in.Src.IsImm:
			a.movRR(w, dst, regMap[in.Src.Reg])
		case w:
			a.movImm(dst, uint64(in.Src.Imm))
		default:
			a.movImm32(dst, uint32(in.Src.Imm))
		}

	case ir.OpAdd, ir.OpSub, ir.OpOr, ir.OpAnd, ir.OpXor:
		enc := aluEncs[in.Op]
		if src, imm, isReg := g.source(in); isReg {
			a.aluRR(w, enc.op, dst, src)
		} else {
			a.aluRI(w, enc.ext, dst, imm)
		}

	case ir.OpMul:
		if src, imm, isReg := g.source(in); isReg {
			a.imulRR(w, dst, src)
		} else {
			a.imulRI(w, dst, imm)
		}

	case ir.OpLsh, ir.OpRsh, ir.OpArsh:
		g.shift(in, w, dst)

	case ir.OpDiv, ir.OpSDiv, ir.OpMod, ir.OpSMod:
		g.divmod(in, w, dst)

	case ir.OpNeg:
		a.neg(w, dst)

	case ir.OpMovSX:
		if in.Src.IsImm {
			v, _ := ir.Eval(in, 0, uint64(in.Src.Imm))
			a.movImm(dst, v)
			break
		}
		src := regMap[in.Src.Reg]
		switch {
		case in.Ext == 32:
			a.rr(true, false, []byte{0x63}, dst, src)
		case in.Ext == 16:
			a.rr(w, false, []byte{0x0F, 0xBF}, dst, src)
		default:
			a.rr(w, !w && isByteLow(src), []byte{0x0F, 0xBE}, dst, src)
		}

	case ir.OpBswap:
		switch in.Ext {
		case 16:
			a.emitByte(0x66)
			a.shiftRI(false, 1, dst, 8) // ror r16, 8
			a.rr(false, false, []byte{0x0F, 0xB7}, dst, dst)
		case 32:
			a.rex(false, 0, dst, false)
			a.emitBytes(0x0F, 0xC8|byte(dst&7))
		default:
			a.rex(true, 0, dst, false)
			a.emitBytes(0x0F, 0xC8|byte(dst&7))
		}

	case ir.OpZext:
		switch in.Ext {
		case 16:
			a.rr(false, false, []byte{0x0F, 0xB7}, dst, dst)
		case 32:
			a.movRR(false, dst, dst)
		}

	case ir.OpLoadImm64:
		a.movImm(dst, uint64(in.Src.Imm))

	case ir.OpLoad:
		a.load(dst, regMap[in.Src.Reg], int32(in.Off), in.Size, in.Signed)

	case ir.OpStore:
		base := regMap[in.Dst]
		switch {
		case !in.Src.IsImm:
			a.store(base, int32(in.Off), regMap[in.Src.Reg], in.Size)
		case in.Size < 8 || fitsInt32(in.Src.Imm):
			a.storeImm(base, int32(in.Off), int32(in.Src.Imm), in.Size)
		default:
			a.movabs(r11, uint64(in.Src.Imm))
			a.store(base, int32(in.Off), r11, in.Size)
		}

	case ir.OpAtomic:
		g.atomic(in)

	case ir.OpCall:
		a.movabsSym(rax, in.Sym)
		a.callReg(rax)

	case ir.OpCallLocal:
		l, ok := g.funcs[in.Sym]
		if !ok {
			return fmt.Errorf("unknown local function @%s", in.Sym)
		}
		a.callLabel(l)

	case ir.OpHelper:
		for _, r := range helperSaved {
			a.push(r)
		}
		if in.Src.IsImm {
			a.movImm32(rdi, uint32(in.Src.Imm))
		} else {
			a.movRR(true, rdi, regMap[in.Src.Reg])
		}
		a.movabsSym(rax, in.Sym)
		a.callReg(rax)
		a.movRR(true, r11, rax)
		for i := len(helperSaved) - 1; i >= 0; i-- {
			a.pop(helperSaved[i])
		}
		a.movRR(true, dst, r11)

	default:
		return fmt.Errorf("unsupported op %s", in.Op)
	}
	return nil
}

// shift emits a shift. Register counts go through cl, with rcx saved in
// r10 and the value shifted in r11 so any register combination works.
func (g *codegen) shift(in *ir.Inst, w bool, dst reg) {
	a := g.a
	ext := map[ir.Op]byte{ir.OpLsh: extShl, ir.OpRsh: extShr, ir.OpArsh: extSar}[in.Op]
	if in.Src.IsImm {
		mask := int64(63)
		if !w {
			mask = 31
		}
		a.shiftRI(w, ext, dst, byte(in.Src.Imm&mask))
		return
	}
	src := regMap[in.Src.Reg]
	a.movRR(true, r11, dst)
	a.movRR(true, r10, rcx)
	a.movRR(true, rcx, src)
	a.shiftRCL(w, ext, r11)
	a.movRR(true, rcx, r10)
	a.movRR(true, dst, r11)
}

// divmod emits division or remainder with the eBPF results for a zero
// divisor (quotient 0, remainder unchanged) and for MIN / -1.
func (g *codegen) divmod(in *ir.Inst, w bool, dst reg) {
	a := g.a
	signed := in.Op == ir.OpSDiv || in.Op == ir.OpSMod
	isDiv := in.Op == ir.OpDiv || in.Op == ir.OpSDiv

	switch {
	case !in.Src.IsImm:
		a.movRR(w, r11, regMap[in.Src.Reg])
	case w:
		a.movImm(r11, uint64(in.Src.Imm))
	default:
		a.movImm32(r11, uint32(in.Src.Imm))
	}

	zero := a.newLabel()
	done := a.newLabel()
	a.testRR(w, r11, r11)
	a.jcc(ccE, zero)

	if signed {
		normal := a.newLabel()
		a.aluRI(w, extCmp, r11, -1)
		a.jcc(ccNE, normal)
		if isDiv {
			a.neg(w, dst)
		} else {
			a.zero(dst)
		}
		a.jmp(done)
		a.bind(normal)
	}

	a.push(rax)
	a.push(rdx)
	a.movRR(w, rax, dst)
	switch {
	case signed && w:
		a.emitBytes(0x48, 0x99) // cqo
	case signed:
		a.emitByte(0x99) // cdq
	default:
		a.zero(rdx)
	}
	ext := reg(6) // div
	if signed {
		ext = 7 // idiv
	}
	a.rr(w, false, []byte{0xF7}, ext, r11)
	if isDiv {
		a.movRR(true, r11, rax)
	} else {
		a.movRR(true, r11, rdx)
	}
	a.pop(rdx)
	a.pop(rax)
	a.movRR(true, dst, r11)
	a.jmp(done)

	a.bind(zero)
	if isDiv {
		a.zero(dst)
	} else if !w {
		a.movRR(false, dst, dst)
	}
	a.bind(done)
}

func (g *codegen) atomic(in *ir.Inst) {
	a := g.a
	w := in.Size == 8
	base := regMap[in.Dst]
	disp := int32(in.Off)
	src := regMap[in.Src.Reg]

	switch {
	case in.Atomic == ir.AtomicCmpXchg:
		a.emitByte(0xF0)
		a.rm(w, false, []byte{0x0F, 0xB1}, src, base, disp)
		if !w {
			a.movRR(false, rax, rax)
		}

	case in.Atomic == ir.AtomicXchg:
		a.movRR(true, r11, src)
		a.rm(w, false, []byte{0x87}, r11, base, disp)
		a.movRR(w, src, r11)

	case !in.Fetch:
		a.emitByte(0xF0)
		a.rm(w, false, []byte{atomicEncs[in.Atomic]}, src, base, disp)

	case in.Atomic == ir.AtomicAdd:
		a.movRR(true, r11, src)
		a.emitByte(0xF0)
		a.rm(w, false, []byte{0x0F, 0xC1}, r11, base, disp)
		a.movRR(w, src, r11)

	default:
		// cmpxchg loop: r10 = address, r9 = operand, rax = old value.
		loop := a.newLabel()
		a.lea(r10, base, disp)
		a.movRR(true, r9, src)
		a.push(rax)
		a.bind(loop)
		a.rm(w, false, []byte{0x8B}, rax, r10, 0)
		a.movRR(true, r11, rax)
		a.aluRR(w, atomicEncs[in.Atomic], r11, r9)
		a.emitByte(0xF0)
		a.rm(w, false, []byte{0x0F, 0xB1}, r11, r10, 0)
		a.jcc(ccNE, loop)
		a.movRR(true, r9, rax)
		a.pop(rax)
		a.movRR(w, src, r9)
	}
}
