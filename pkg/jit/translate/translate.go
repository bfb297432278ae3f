// Package translate lowers an eBPF instruction stream into an IR module.
//
// The module exports one function, bpf_main, starting at pc 0. Every
// bpf-to-bpf call target starts an internal function that runs up to the
// next call target. External helpers and LDDW resolvers are referenced only
// by symbol name; the linker supplies their addresses.
package translate

import (
	"fmt"
	"sort"

	"github.com/fortiblox/bpfjit/pkg/ebpf"
	"github.com/fortiblox/bpfjit/pkg/jit/ir"
	"github.com/fortiblox/bpfjit/pkg/jit/symbols"
)

// ModuleName is the name given to translated modules.
const ModuleName = "bpf-jit"

// TranslationError reports an instruction that cannot be lowered. PC is -1
// for module-level failures.
type TranslationError struct {
	PC   int
	Diag string
}

func (e *TranslationError) Error() string {
	if e.PC < 0 {
		return "translation failed: " + e.Diag
	}
	return fmt.Sprintf("translation failed at pc %d: %s", e.PC, e.Diag)
}

func errAt(pc int, format string, args ...interface{}) error {
	return &TranslationError{PC: pc, Diag: fmt.Sprintf(format, args...)}
}

var conds = map[uint8]ir.Cond{
	ebpf.JmpJeq:  ir.CondEq,
	ebpf.JmpJne:  ir.CondNe,
	ebpf.JmpJgt:  ir.CondGt,
	ebpf.JmpJge:  ir.CondGe,
	ebpf.JmpJlt:  ir.CondLt,
	ebpf.JmpJle:  ir.CondLe,
	ebpf.JmpJset: ir.CondSet,
	ebpf.JmpJsgt: ir.CondSGt,
	ebpf.JmpJsge: ir.CondSGe,
	ebpf.JmpJslt: ir.CondSLt,
	ebpf.JmpJsle: ir.CondSLe,
}

var aluOps = map[uint8]ir.Op{
	ebpf.AluAdd:  ir.OpAdd,
	ebpf.AluSub:  ir.OpSub,
	ebpf.AluMul:  ir.OpMul,
	ebpf.AluDiv:  ir.OpDiv,
	ebpf.AluMod:  ir.OpMod,
	ebpf.AluOr:   ir.OpOr,
	ebpf.AluAnd:  ir.OpAnd,
	ebpf.AluXor:  ir.OpXor,
	ebpf.AluLsh:  ir.OpLsh,
	ebpf.AluRsh:  ir.OpRsh,
	ebpf.AluArsh: ir.OpArsh,
	ebpf.AluMov:  ir.OpMov,
}

var atomicOps = map[int32]ir.AtomicOp{
	ebpf.AtomicAdd:     ir.AtomicAdd,
	ebpf.AtomicOr:      ir.AtomicOr,
	ebpf.AtomicAnd:     ir.AtomicAnd,
	ebpf.AtomicXor:     ir.AtomicXor,
	ebpf.AtomicXchg:    ir.AtomicXchg,
	ebpf.AtomicCmpXchg: ir.AtomicCmpXchg,
}

type translator struct {
	insns     []ebpf.Instruction
	extNames  map[int]string
	lddwNames map[string]bool
	module    *ir.Module

	wide    map[int]bool // second slot of an LDDW
	entries []int
	names   map[int]string
}

// Translate lowers insns into a verified IR module. extNames maps helper
// indices to the names of bound helpers; lddwNames holds the bound LDDW
// helper names. Any failure is a *TranslationError.
func Translate(insns []ebpf.Instruction, extNames map[int]string, lddwNames map[string]bool) (*ir.Module, error) {
	if len(insns) == 0 {
		return nil, errAt(-1, "empty program")
	}
	t := &translator{
		insns:     insns,
		extNames:  extNames,
		lddwNames: lddwNames,
		module:    ir.NewModule(ModuleName),
		wide:      make(map[int]bool),
		names:     make(map[int]string),
	}
	if err := t.scan(); err != nil {
		return nil, err
	}
	for i, start := range t.entries {
		end := len(insns)
		if i+1 < len(t.entries) {
			end = t.entries[i+1]
		}
		fn, err := t.function(start, end)
		if err != nil {
			return nil, err
		}
		t.module.AddFunction(fn)
	}
	if err := ir.Verify(t.module); err != nil {
		return nil, &TranslationError{PC: -1, Diag: err.Error()}
	}
	return t.module, nil
}

// scan marks LDDW second slots and collects function entries.
func (t *translator) scan() error {
	entrySet := map[int]bool{0: true}
	for pc := 0; pc < len(t.insns); pc++ {
		ins := t.insns[pc]
		if ins.Op() == ebpf.OpLddw {
			if pc+1 >= len(t.insns) {
				return errAt(pc, "truncated lddw")
			}
			t.wide[pc+1] = true
			pc++
			continue
		}
		if ins.Op() == ebpf.OpCall && ins.Src() == ebpf.PseudoCall {
			target := pc + int(ins.Imm()) + 1
			if target < 0 || target >= len(t.insns) || t.wide[target] {
				return errAt(pc, "local call target %d out of range", target)
			}
			entrySet[target] = true
		}
	}
	for pc := range entrySet {
		if t.wide[pc] {
			return errAt(pc, "local call into the middle of lddw")
		}
		t.entries = append(t.entries, pc)
	}
	sort.Ints(t.entries)
	for _, pc := range t.entries {
		if pc == 0 {
			t.names[pc] = symbols.EntryName
		} else {
			t.names[pc] = fmt.Sprintf("bpf_func_%d", pc)
		}
	}
	return nil
}

// jumpTarget returns the target of a jump instruction and whether ins is
// a jump at all.
func jumpTarget(pc int, ins ebpf.Instruction) (int, bool) {
	class := ins.Class()
	if class != ebpf.ClassJmp && class != ebpf.ClassJmp32 {
		return 0, false
	}
	switch ins.Op() & 0xf0 {
	case ebpf.JmpCall, ebpf.JmpExit:
		return 0, false
	case ebpf.JmpJa:
		if class == ebpf.ClassJmp32 {
			return pc + int(ins.Imm()) + 1, true
		}
	}
	return pc + int(ins.Off()) + 1, true
}

func (t *translator) function(start, end int) (*ir.Function, error) {
	fn := ir.NewFunction(t.names[start], start == 0, ebpf.StackSize)

	leaders := map[int]bool{start: true}
	for pc := start; pc < end; pc++ {
		if t.wide[pc] {
			continue
		}
		ins := t.insns[pc]
		if target, ok := jumpTarget(pc, ins); ok {
			if target < start || target >= end {
				return nil, errAt(pc, "jump target %d outside function [%d, %d)", target, start, end)
			}
			if t.wide[target] {
				return nil, errAt(pc, "jump into the middle of lddw at %d", target)
			}
			leaders[target] = true
			if pc+1 < end {
				leaders[pc+1] = true
			}
		} else if ins.Op() == ebpf.OpExit && pc+1 < end {
			leaders[pc+1] = true
		}
	}

	pcs := make([]int, 0, len(leaders))
	for pc := range leaders {
		pcs = append(pcs, pc)
	}
	sort.Ints(pcs)
	blocks := make(map[int]*ir.Block, len(pcs))
	for _, pc := range pcs {
		blocks[pc] = fn.NewBlock(pc)
	}

	cur := blocks[start]
	terminated := false
	for pc := start; pc < end; pc++ {
		if pc != start && leaders[pc] {
			if !terminated {
				cur.Jump(blocks[pc].ID)
			}
			cur = blocks[pc]
			terminated = false
		}
		ins := t.insns[pc]
		if ins.Dst() > 10 || ins.Src() > 10 {
			return nil, errAt(pc, "register out of range")
		}
		switch ins.Class() {
		case ebpf.ClassAlu, ebpf.ClassAlu64:
			if err := t.alu(cur, pc, ins); err != nil {
				return nil, err
			}
		case ebpf.ClassLd:
			if err := t.lddw(cur, pc, ins); err != nil {
				return nil, err
			}
			pc++
		case ebpf.ClassLdx:
			if err := t.load(cur, pc, ins); err != nil {
				return nil, err
			}
		case ebpf.ClassSt, ebpf.ClassStx:
			if err := t.store(cur, pc, ins); err != nil {
				return nil, err
			}
		case ebpf.ClassJmp, ebpf.ClassJmp32:
			done, err := t.jump(cur, pc, ins, blocks)
			if err != nil {
				return nil, err
			}
			terminated = done
		}
	}
	if !terminated {
		return nil, errAt(end-1, "control falls off the end of @%s", fn.Name)
	}
	return fn, nil
}

func checkDst(pc int, dst uint8) error {
	if dst == uint8(ir.FramePointer) {
		return errAt(pc, "write to read-only r10")
	}
	return nil
}

func (t *translator) alu(b *ir.Block, pc int, ins ebpf.Instruction) error {
	if err := checkDst(pc, ins.Dst()); err != nil {
		return err
	}
	op := ins.Op()
	aluOp := op & 0xf0
	w := ir.W64
	if ins.Class() == ebpf.ClassAlu {
		w = ir.W32
	}
	dst := ir.Reg(ins.Dst())
	src := ir.Imm(int64(ins.Imm()))
	if op&ebpf.SrcX != 0 {
		src = ir.R(ir.Reg(ins.Src()))
	}

	switch aluOp {
	case ebpf.AluNeg:
		b.Append(ir.Inst{Op: ir.OpNeg, Width: w, Dst: dst})
		return nil
	case ebpf.AluEnd:
		width := uint8(ins.Imm())
		if ins.Imm() != 16 && ins.Imm() != 32 && ins.Imm() != 64 {
			return errAt(pc, "bad byte swap width %d", ins.Imm())
		}
		irOp := ir.OpBswap
		if ins.Class() == ebpf.ClassAlu && op&ebpf.EndToBE == 0 {
			irOp = ir.OpZext
		}
		b.Append(ir.Inst{Op: irOp, Dst: dst, Ext: width})
		return nil
	}

	irOp, ok := aluOps[aluOp]
	if !ok {
		return errAt(pc, "unknown alu opcode 0x%02x", op)
	}
	in := ir.Inst{Op: irOp, Width: w, Dst: dst, Src: src}
	switch off := ins.Off(); {
	case off == 0:
	case off == 1 && (aluOp == ebpf.AluDiv || aluOp == ebpf.AluMod):
		in.Op = ir.OpSDiv
		if aluOp == ebpf.AluMod {
			in.Op = ir.OpSMod
		}
	case aluOp == ebpf.AluMov && op&ebpf.SrcX != 0 && (off == 8 || off == 16 || (off == 32 && w == ir.W64)):
		in.Op = ir.OpMovSX
		in.Ext = uint8(off)
	default:
		return errAt(pc, "bad offset %d for alu opcode 0x%02x", off, op)
	}
	b.Append(in)
	return nil
}

func (t *translator) helper(pc int, name string) (string, error) {
	if !t.lddwNames[name] {
		return "", errAt(pc, "lddw needs unbound helper %s", name)
	}
	t.module.DeclareExtern(name)
	return name, nil
}

func (t *translator) lddw(b *ir.Block, pc int, ins ebpf.Instruction) error {
	if ins.Op() != ebpf.OpLddw {
		return errAt(pc, "unsupported load opcode 0x%02x", ins.Op())
	}
	if err := checkDst(pc, ins.Dst()); err != nil {
		return err
	}
	next := t.insns[pc+1]
	if next.Op() != 0 {
		return errAt(pc+1, "malformed lddw second slot")
	}
	dst := ir.Reg(ins.Dst())
	arg := ir.Imm(int64(ins.Uimm()))

	call := func(name string, v ir.Value) error {
		sym, err := t.helper(pc, name)
		if err != nil {
			return err
		}
		b.Append(ir.Inst{Op: ir.OpHelper, Dst: dst, Src: v, Sym: sym})
		return nil
	}

	switch ins.Src() {
	case 0:
		v := uint64(ins.Uimm()) | uint64(next.Uimm())<<32
		b.Append(ir.Inst{Op: ir.OpLoadImm64, Dst: dst, Src: ir.Imm(int64(v))})
		return nil
	case ebpf.PseudoMapFD:
		return call(symbols.LddwMapByFD, arg)
	case ebpf.PseudoMapIdx:
		return call(symbols.LddwMapByIdx, arg)
	case ebpf.PseudoVarAddr:
		return call(symbols.LddwVarAddr, arg)
	case ebpf.PseudoCodeAddr:
		return call(symbols.LddwCodeAddr, arg)
	case ebpf.PseudoMapValue, ebpf.PseudoMapIdxValue:
		lookup := symbols.LddwMapByFD
		if ins.Src() == ebpf.PseudoMapIdxValue {
			lookup = symbols.LddwMapByIdx
		}
		if err := call(lookup, arg); err != nil {
			return err
		}
		if err := call(symbols.LddwMapVal, ir.R(dst)); err != nil {
			return err
		}
		if next.Imm() != 0 {
			b.Append(ir.Inst{Op: ir.OpAdd, Dst: dst, Src: ir.Imm(int64(next.Imm()))})
		}
		return nil
	}
	return errAt(pc, "unknown lddw source %d", ins.Src())
}

func (t *translator) load(b *ir.Block, pc int, ins ebpf.Instruction) error {
	if err := checkDst(pc, ins.Dst()); err != nil {
		return err
	}
	mode := ins.Op() & 0xe0
	size := uint8(ebpf.MemSize(ins.Op()))
	if mode != ebpf.ModeMem && !(mode == ebpf.ModeMemSX && size < 8) {
		return errAt(pc, "unsupported load opcode 0x%02x", ins.Op())
	}
	b.Append(ir.Inst{
		Op:     ir.OpLoad,
		Dst:    ir.Reg(ins.Dst()),
		Src:    ir.R(ir.Reg(ins.Src())),
		Off:    ins.Off(),
		Size:   size,
		Signed: mode == ebpf.ModeMemSX,
	})
	return nil
}

func (t *translator) store(b *ir.Block, pc int, ins ebpf.Instruction) error {
	mode := ins.Op() & 0xe0
	size := uint8(ebpf.MemSize(ins.Op()))
	in := ir.Inst{Op: ir.OpStore, Dst: ir.Reg(ins.Dst()), Off: ins.Off(), Size: size}

	switch {
	case ins.Class() == ebpf.ClassSt && mode == ebpf.ModeMem:
		in.Src = ir.Imm(int64(ins.Imm()))
	case ins.Class() == ebpf.ClassStx && mode == ebpf.ModeMem:
		in.Src = ir.R(ir.Reg(ins.Src()))
	case ins.Class() == ebpf.ClassStx && mode == ebpf.ModeAtomic:
		if size != 4 && size != 8 {
			return errAt(pc, "atomic access must be 32 or 64 bit")
		}
		op, ok := atomicOps[ins.Imm()&^ebpf.AtomicFetch]
		if ins.Imm() == ebpf.AtomicXchg || ins.Imm() == ebpf.AtomicCmpXchg {
			op, ok = atomicOps[ins.Imm()]
		}
		if !ok {
			return errAt(pc, "unknown atomic operation 0x%02x", ins.Imm())
		}
		in.Op = ir.OpAtomic
		in.Atomic = op
		in.Fetch = ins.Imm()&ebpf.AtomicFetch != 0 && op <= ir.AtomicXor
		in.Src = ir.R(ir.Reg(ins.Src()))
		if (in.Fetch || op == ir.AtomicXchg) && ins.Src() == uint8(ir.FramePointer) {
			return errAt(pc, "write to read-only r10")
		}
	default:
		return errAt(pc, "unsupported store opcode 0x%02x", ins.Op())
	}
	b.Append(in)
	return nil
}

// jump lowers a jump-class instruction and reports whether it terminated
// the current block.
func (t *translator) jump(b *ir.Block, pc int, ins ebpf.Instruction, blocks map[int]*ir.Block) (bool, error) {
	op := ins.Op()
	is32 := ins.Class() == ebpf.ClassJmp32
	switch op & 0xf0 {
	case ebpf.JmpExit:
		if is32 {
			return false, errAt(pc, "unsupported opcode 0x%02x", op)
		}
		b.Return()
		return true, nil
	case ebpf.JmpCall:
		if is32 {
			return false, errAt(pc, "unsupported opcode 0x%02x", op)
		}
		switch ins.Src() {
		case ebpf.CallHelper:
			name, ok := t.extNames[int(ins.Imm())]
			if !ok {
				return false, errAt(pc, "call to unbound helper %d", ins.Imm())
			}
			t.module.DeclareExtern(name)
			b.Append(ir.Inst{Op: ir.OpCall, Sym: name})
		case ebpf.PseudoCall:
			b.Append(ir.Inst{Op: ir.OpCallLocal, Sym: t.names[pc+int(ins.Imm())+1]})
		default:
			return false, errAt(pc, "unknown call kind %d", ins.Src())
		}
		return false, nil
	case ebpf.JmpJa:
		target, _ := jumpTarget(pc, ins)
		b.Jump(blocks[target].ID)
		return true, nil
	}

	cond, ok := conds[op&0xf0]
	if !ok {
		return false, errAt(pc, "unknown jump opcode 0x%02x", op)
	}
	next, ok := blocks[pc+1]
	if !ok {
		return false, errAt(pc, "conditional jump at end of function")
	}
	target, _ := jumpTarget(pc, ins)
	w := ir.W64
	if is32 {
		w = ir.W32
	}
	v := ir.Imm(int64(ins.Imm()))
	if op&ebpf.SrcX != 0 {
		v = ir.R(ir.Reg(ins.Src()))
	}
	b.Branch(cond, w, ir.Reg(ins.Dst()), v, blocks[target].ID, next.ID)
	return true, nil
}
