package ebpf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Stack constants.
const (
	StackSize    = 512 // bytes per frame, R10 points at the top
	MaxCallDepth = 8   // bpf-to-bpf call frames
)

// Interpreter errors.
var (
	ErrStepLimit          = errors.New("step limit exceeded")
	ErrInvalidInstruction = errors.New("invalid instruction")
	ErrCallDepthExceeded  = errors.New("call depth exceeded")
	ErrUnknownHelper      = errors.New("unknown helper")
	ErrMissingLddwHelper  = errors.New("missing lddw helper")
)

// HelperFunc is a Go implementation of an external helper. Arguments are
// r1-r5, the result goes to r0.
type HelperFunc func(r1, r2, r3, r4, r5 uint64) uint64

// LddwFuncs resolves LDDW pseudo instructions in the interpreter.
type LddwFuncs struct {
	MapByFD  func(fd uint32) uint64
	MapByIdx func(idx uint32) uint64
	MapVal   func(m uint64) uint64
	CodeAddr func(off uint32) uint64
	VarAddr  func(idx uint32) uint64
}

// InterpreterOpts configures the interpreter.
type InterpreterOpts struct {
	// Helpers maps helper index to implementation.
	Helpers map[int32]HelperFunc

	// Lddw resolves pseudo LDDW instructions.
	Lddw LddwFuncs

	// MaxSteps bounds the number of executed instructions (0 = unlimited).
	MaxSteps uint64
}

// frame is a saved caller context for a bpf-to-bpf call.
type frame struct {
	nvRegs  [4]uint64 // r6-r9
	retAddr int
}

// callStack keeps saved frames plus the memory backing every frame.
type callStack struct {
	mem    []byte
	frames []frame
}

func newCallStack() *callStack {
	return &callStack{
		mem:    make([]byte, StackSize*MaxCallDepth),
		frames: make([]frame, 0, MaxCallDepth),
	}
}

// top returns the frame pointer for the given depth.
func (s *callStack) top(depth int) uint64 {
	return uint64(uintptr(unsafe.Pointer(&s.mem[0]))) + uint64((depth+1)*StackSize)
}

func (s *callStack) push(regs *[11]uint64, retAddr int) error {
	if len(s.frames)+1 >= MaxCallDepth {
		return ErrCallDepthExceeded
	}
	f := frame{retAddr: retAddr}
	copy(f.nvRegs[:], regs[6:10])
	s.frames = append(s.frames, f)
	regs[10] = s.top(len(s.frames))
	return nil
}

func (s *callStack) pop(regs *[11]uint64) (int, bool) {
	if len(s.frames) == 0 {
		return 0, false
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	copy(regs[6:10], f.nvRegs[:])
	regs[10] = s.top(len(s.frames))
	return f.retAddr, true
}

// Interpreter executes eBPF programs over host memory. Pointers handed to
// the program (the context argument, the stack, map values) are real
// process addresses.
type Interpreter struct {
	text  []Instruction
	opts  InterpreterOpts
	stack *callStack
	steps uint64
}

// NewInterpreter creates an interpreter for the given instructions.
func NewInterpreter(insns []Instruction, opts InterpreterOpts) *Interpreter {
	return &Interpreter{
		text:  insns,
		opts:  opts,
		stack: newCallStack(),
	}
}

// Steps returns the number of instructions executed by the last Run.
func (ip *Interpreter) Steps() uint64 {
	return ip.steps
}

// Run executes the program with r1 = ctx and returns r0.
func (ip *Interpreter) Run(ctx unsafe.Pointer) (r0 uint64, err error) {
	var r [11]uint64
	r[1] = uint64(uintptr(ctx))
	r[10] = ip.stack.top(0)
	ip.stack.frames = ip.stack.frames[:0]
	ip.steps = 0

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("vm panic: %v", rec)
		}
	}()

	pc := 0
	for {
		if pc < 0 || pc >= len(ip.text) {
			return 0, fmt.Errorf("%w: program counter out of bounds: %d", ErrInvalidInstruction, pc)
		}
		ip.steps++
		if ip.opts.MaxSteps > 0 && ip.steps > ip.opts.MaxSteps {
			return 0, ErrStepLimit
		}

		ins := ip.text[pc]
		op := ins.Op()
		dst := ins.Dst()
		src := ins.Src()
		off := ins.Off()
		imm := ins.Imm()

		if dst > 10 || src > 10 {
			return 0, fmt.Errorf("%w: invalid register index dst=%d src=%d", ErrInvalidInstruction, dst, src)
		}

		if c := ins.Class(); (c == ClassAlu || c == ClassAlu64) && op&0xf0 > AluEnd {
			return 0, fmt.Errorf("%w: opcode 0x%02x at pc %d", ErrInvalidInstruction, op, pc)
		}

		switch ins.Class() {
		case ClassAlu64:
			operand := uint64(int64(imm))
			if op&SrcX != 0 {
				operand = r[src]
			}
			if op&0xf0 == AluEnd {
				r[dst] = byteSwap(r[dst], imm, true)
				break
			}
			r[dst] = alu64(op&0xf0, r[dst], operand, off)

		case ClassAlu:
			if op&0xf0 == AluEnd {
				r[dst] = byteSwap(r[dst], imm, op&EndToBE != 0)
				break
			}
			operand := uint32(imm)
			if op&SrcX != 0 {
				operand = uint32(r[src])
			}
			r[dst] = uint64(alu32(op&0xf0, uint32(r[dst]), operand, off))

		case ClassLd:
			if op != OpLddw {
				return 0, fmt.Errorf("%w: opcode 0x%02x at pc %d", ErrInvalidInstruction, op, pc)
			}
			if pc+1 >= len(ip.text) {
				return 0, fmt.Errorf("%w: incomplete lddw at pc %d", ErrInvalidInstruction, pc)
			}
			next := ip.text[pc+1]
			v, err := ip.lddw(src, ins, next)
			if err != nil {
				return 0, err
			}
			r[dst] = v
			pc++

		case ClassLdx:
			addr := r[src] + uint64(int64(off))
			size := MemSize(op)
			if op&0xe0 == ModeMemSX {
				r[dst] = loadSigned(addr, size)
			} else {
				r[dst] = load(addr, size)
			}

		case ClassSt:
			store(r[dst]+uint64(int64(off)), MemSize(op), uint64(int64(imm)))

		case ClassStx:
			addr := r[dst] + uint64(int64(off))
			if op&0xe0 == ModeAtomic {
				if err := atomicOp(&r, addr, MemSize(op), imm, src); err != nil {
					return 0, fmt.Errorf("%w at pc %d", err, pc)
				}
				break
			}
			store(addr, MemSize(op), r[src])

		case ClassJmp, ClassJmp32:
			jmpOp := op & 0xf0
			is32 := ins.Class() == ClassJmp32
			switch jmpOp {
			case JmpJa:
				if is32 {
					pc += int(imm)
				} else {
					pc += int(off)
				}
			case JmpExit:
				ret, ok := ip.stack.pop(&r)
				if !ok {
					return r[0], nil
				}
				pc = ret
				continue
			case JmpCall:
				switch src {
				case PseudoCall:
					if err := ip.stack.push(&r, pc+1); err != nil {
						return 0, err
					}
					pc = pc + int(imm) + 1
					continue
				case CallHelper:
					h, ok := ip.opts.Helpers[imm]
					if !ok {
						return 0, fmt.Errorf("%w: %d at pc %d", ErrUnknownHelper, imm, pc)
					}
					r[0] = h(r[1], r[2], r[3], r[4], r[5])
				default:
					return 0, fmt.Errorf("%w: call kind %d at pc %d", ErrInvalidInstruction, src, pc)
				}
			default:
				b := uint64(int64(imm))
				if op&SrcX != 0 {
					b = r[src]
				}
				taken, ok := condition(jmpOp, r[dst], b, is32)
				if !ok {
					return 0, fmt.Errorf("%w: opcode 0x%02x at pc %d", ErrInvalidInstruction, op, pc)
				}
				if taken {
					pc += int(off)
				}
			}

		default:
			return 0, fmt.Errorf("%w: opcode 0x%02x at pc %d", ErrInvalidInstruction, op, pc)
		}

		pc++
	}
}

func (ip *Interpreter) lddw(kind uint8, ins, next Instruction) (uint64, error) {
	l := ip.opts.Lddw
	imm := ins.Uimm()
	missing := func(name string) error {
		return fmt.Errorf("%w: %s", ErrMissingLddwHelper, name)
	}
	switch kind {
	case 0:
		return uint64(imm) | uint64(next.Uimm())<<32, nil
	case PseudoMapFD:
		if l.MapByFD == nil {
			return 0, missing("map_by_fd")
		}
		return l.MapByFD(imm), nil
	case PseudoMapIdx:
		if l.MapByIdx == nil {
			return 0, missing("map_by_idx")
		}
		return l.MapByIdx(imm), nil
	case PseudoMapValue, PseudoMapIdxValue:
		if l.MapVal == nil {
			return 0, missing("map_val")
		}
		var m uint64
		if kind == PseudoMapValue {
			if l.MapByFD == nil {
				return 0, missing("map_by_fd")
			}
			m = l.MapByFD(imm)
		} else {
			if l.MapByIdx == nil {
				return 0, missing("map_by_idx")
			}
			m = l.MapByIdx(imm)
		}
		return l.MapVal(m) + uint64(int64(next.Imm())), nil
	case PseudoVarAddr:
		if l.VarAddr == nil {
			return 0, missing("var_addr")
		}
		return l.VarAddr(imm), nil
	case PseudoCodeAddr:
		if l.CodeAddr == nil {
			return 0, missing("code_addr")
		}
		return l.CodeAddr(imm), nil
	default:
		return 0, fmt.Errorf("%w: lddw source %d", ErrInvalidInstruction, kind)
	}
}

// alu64 applies a 64-bit ALU operation. off selects signed division and
// sign-extending moves.
func alu64(aluOp uint8, a, b uint64, off int16) uint64 {
	switch aluOp {
	case AluAdd:
		return a + b
	case AluSub:
		return a - b
	case AluMul:
		return a * b
	case AluDiv:
		if b == 0 {
			return 0
		}
		if off == 1 {
			if int64(b) == -1 {
				return -a
			}
			return uint64(int64(a) / int64(b))
		}
		return a / b
	case AluMod:
		if b == 0 {
			return a
		}
		if off == 1 {
			if int64(b) == -1 {
				return 0
			}
			return uint64(int64(a) % int64(b))
		}
		return a % b
	case AluOr:
		return a | b
	case AluAnd:
		return a & b
	case AluXor:
		return a ^ b
	case AluLsh:
		return a << (b & 63)
	case AluRsh:
		return a >> (b & 63)
	case AluArsh:
		return uint64(int64(a) >> (b & 63))
	case AluNeg:
		return -a
	case AluMov:
		switch off {
		case 8:
			return uint64(int64(int8(b)))
		case 16:
			return uint64(int64(int16(b)))
		case 32:
			return uint64(int64(int32(b)))
		}
		return b
	}
	panic(fmt.Sprintf("alu64: unknown op 0x%02x", aluOp))
}

// alu32 applies a 32-bit ALU operation.
func alu32(aluOp uint8, a, b uint32, off int16) uint32 {
	switch aluOp {
	case AluAdd:
		return a + b
	case AluSub:
		return a - b
	case AluMul:
		return a * b
	case AluDiv:
		if b == 0 {
			return 0
		}
		if off == 1 {
			if int32(b) == -1 {
				return -a
			}
			return uint32(int32(a) / int32(b))
		}
		return a / b
	case AluMod:
		if b == 0 {
			return a
		}
		if off == 1 {
			if int32(b) == -1 {
				return 0
			}
			return uint32(int32(a) % int32(b))
		}
		return a % b
	case AluOr:
		return a | b
	case AluAnd:
		return a & b
	case AluXor:
		return a ^ b
	case AluLsh:
		return a << (b & 31)
	case AluRsh:
		return a >> (b & 31)
	case AluArsh:
		return uint32(int32(a) >> (b & 31))
	case AluNeg:
		return -a
	case AluMov:
		switch off {
		case 8:
			return uint32(int32(int8(b)))
		case 16:
			return uint32(int32(int16(b)))
		}
		return b
	}
	panic(fmt.Sprintf("alu32: unknown op 0x%02x", aluOp))
}

// byteSwap implements AluEnd. toBE swaps on this little-endian host,
// otherwise the value is truncated to width bits.
func byteSwap(v uint64, width int32, toBE bool) uint64 {
	switch width {
	case 16:
		if toBE {
			return uint64(bits.ReverseBytes16(uint16(v)))
		}
		return uint64(uint16(v))
	case 32:
		if toBE {
			return uint64(bits.ReverseBytes32(uint32(v)))
		}
		return uint64(uint32(v))
	default:
		if toBE {
			return bits.ReverseBytes64(v)
		}
		return v
	}
}

// condition evaluates a conditional jump.
func condition(jmpOp uint8, a, b uint64, is32 bool) (bool, bool) {
	if is32 {
		a, b = uint64(uint32(a)), uint64(uint32(b))
		sa, sb := int64(int32(a)), int64(int32(b))
		return compare(jmpOp, a, b, sa, sb)
	}
	return compare(jmpOp, a, b, int64(a), int64(b))
}

func compare(jmpOp uint8, a, b uint64, sa, sb int64) (bool, bool) {
	switch jmpOp {
	case JmpJeq:
		return a == b, true
	case JmpJne:
		return a != b, true
	case JmpJgt:
		return a > b, true
	case JmpJge:
		return a >= b, true
	case JmpJlt:
		return a < b, true
	case JmpJle:
		return a <= b, true
	case JmpJset:
		return a&b != 0, true
	case JmpJsgt:
		return sa > sb, true
	case JmpJsge:
		return sa >= sb, true
	case JmpJslt:
		return sa < sb, true
	case JmpJsle:
		return sa <= sb, true
	}
	return false, false
}

func hostBytes(addr uint64, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}

func load(addr uint64, size int) uint64 {
	b := hostBytes(addr, size)
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func loadSigned(addr uint64, size int) uint64 {
	v := load(addr, size)
	switch size {
	case 1:
		return uint64(int64(int8(v)))
	case 2:
		return uint64(int64(int16(v)))
	case 4:
		return uint64(int64(int32(v)))
	default:
		return v
	}
}

func store(addr uint64, size int, v uint64) {
	b := hostBytes(addr, size)
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

func atomicOp(r *[11]uint64, addr uint64, size int, op int32, src uint8) error {
	if op != AtomicXchg && op != AtomicCmpXchg {
		if err := validAtomic(op); err != nil {
			return err
		}
	}
	p := unsafe.Pointer(uintptr(addr))
	if size == 4 {
		p32 := (*uint32)(p)
		val := uint32(r[src])
		switch op {
		case AtomicCmpXchg:
			old := atomic.LoadUint32(p32)
			if old == uint32(r[0]) {
				atomic.StoreUint32(p32, val)
			}
			r[0] = uint64(old)
			return nil
		case AtomicXchg:
			r[src] = uint64(atomic.SwapUint32(p32, val))
			return nil
		}
		old := atomic.LoadUint32(p32)
		atomic.StoreUint32(p32, uint32(alu64(uint8(op&^AtomicFetch), uint64(old), uint64(val), 0)))
		if op&AtomicFetch != 0 {
			r[src] = uint64(old)
		}
		return nil
	}
	p64 := (*uint64)(p)
	val := r[src]
	switch op {
	case AtomicCmpXchg:
		old := atomic.LoadUint64(p64)
		if old == r[0] {
			atomic.StoreUint64(p64, val)
		}
		r[0] = old
		return nil
	case AtomicXchg:
		r[src] = atomic.SwapUint64(p64, val)
		return nil
	}
	old := atomic.LoadUint64(p64)
	atomic.StoreUint64(p64, alu64(uint8(op&^AtomicFetch), old, val, 0))
	if op&AtomicFetch != 0 {
		r[src] = old
	}
	return nil
}

func validAtomic(op int32) error {
	switch op &^ AtomicFetch {
	case AtomicAdd, AtomicOr, AtomicAnd, AtomicXor:
		return nil
	}
	return fmt.Errorf("%w: atomic op 0x%02x", ErrInvalidInstruction, op)
}
