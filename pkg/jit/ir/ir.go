// Package ir defines the register-level intermediate representation the
// translator produces and the code generators consume.
//
// The IR keeps the eBPF register file (r0-r10) as its only storage. A
// Module holds functions; a Function is a list of basic blocks, the first
// of which is the entry; every Block ends in exactly one terminator.
package ir

import (
	"sort"
)

// Reg is an eBPF register number.
type Reg uint8

// Registers.
const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	NumRegs = 11
)

// FramePointer is the read-only stack frame register.
const FramePointer = R10

// Width is the operand width of an ALU operation or comparison.
type Width uint8

const (
	W64 Width = iota
	W32
)

// Op is an instruction operation.
type Op uint8

const (
	OpMov       Op = iota // Dst = Src
	OpAdd                 // Dst += Src
	OpSub                 // Dst -= Src
	OpMul                 // Dst *= Src
	OpDiv                 // unsigned, x/0 = 0
	OpSDiv                // signed, x/0 = 0, MIN/-1 = MIN
	OpMod                 // unsigned, x%0 = x
	OpSMod                // signed, x%0 = x, MIN%-1 = 0
	OpOr                  // Dst |= Src
	OpAnd                 // Dst &= Src
	OpXor                 // Dst ^= Src
	OpLsh                 // Dst <<= Src
	OpRsh                 // Dst >>= Src (logical)
	OpArsh                // Dst >>= Src (arithmetic)
	OpNeg                 // Dst = -Dst
	OpMovSX               // Dst = sext(Src, Ext)
	OpBswap               // Dst = bswap(Dst, Ext)
	OpZext                // Dst = zext(Dst, Ext)
	OpLoadImm64           // Dst = Src.Imm (full 64 bits)
	OpLoad                // Dst = *(Size *)(Src.Reg + Off)
	OpStore               // *(Size *)(Dst + Off) = Src
	OpAtomic              // atomic RMW on *(Size *)(Dst + Off) with Src.Reg
	OpCall                // r0 = Sym(r1, ..., r5), external, clobbers r1-r5
	OpCallLocal           // r0 = Sym(r1, ..., r5), function of this module
	OpHelper              // Dst = Sym(Src), all other registers preserved
)

var opNames = [...]string{
	OpMov:       "mov",
	OpAdd:       "add",
	OpSub:       "sub",
	OpMul:       "mul",
	OpDiv:       "div",
	OpSDiv:      "sdiv",
	OpMod:       "mod",
	OpSMod:      "smod",
	OpOr:        "or",
	OpAnd:       "and",
	OpXor:       "xor",
	OpLsh:       "lsh",
	OpRsh:       "rsh",
	OpArsh:      "arsh",
	OpNeg:       "neg",
	OpMovSX:     "movsx",
	OpBswap:     "bswap",
	OpZext:      "zext",
	OpLoadImm64: "ldimm64",
	OpLoad:      "load",
	OpStore:     "store",
	OpAtomic:    "atomic",
	OpCall:      "call",
	OpCallLocal: "calllocal",
	OpHelper:    "helper",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "op?"
}

// IsALU reports whether o is a two-operand arithmetic operation.
func (o Op) IsALU() bool {
	return o <= OpArsh
}

// AtomicOp selects the read-modify-write operation of OpAtomic.
type AtomicOp uint8

const (
	AtomicAdd AtomicOp = iota
	AtomicOr
	AtomicAnd
	AtomicXor
	AtomicXchg    // Src = xchg(mem, Src)
	AtomicCmpXchg // r0 = cmpxchg(mem, r0, Src)
)

var atomicNames = [...]string{"add", "or", "and", "xor", "xchg", "cmpxchg"}

func (a AtomicOp) String() string {
	if int(a) < len(atomicNames) {
		return atomicNames[a]
	}
	return "atomic?"
}

// Value is an instruction operand: a register or an immediate.
type Value struct {
	IsImm bool
	Reg   Reg
	Imm   int64
}

// R returns a register operand.
func R(r Reg) Value { return Value{Reg: r} }

// Imm returns an immediate operand.
func Imm(v int64) Value { return Value{IsImm: true, Imm: v} }

// Inst is a single non-terminator instruction.
type Inst struct {
	Op     Op
	Width  Width
	Dst    Reg
	Src    Value
	Off    int16
	Size   uint8 // access size in bytes for load/store/atomic
	Signed bool  // sign-extending load
	Ext    uint8 // bit width for movsx/bswap/zext
	Sym    string
	Atomic AtomicOp
	Fetch  bool // atomic add/or/and/xor returns the old value in Src
}

// Defs returns the registers written by the instruction.
func (in *Inst) Defs() []Reg {
	switch in.Op {
	case OpStore:
		return nil
	case OpAtomic:
		switch {
		case in.Atomic == AtomicCmpXchg:
			return []Reg{R0}
		case in.Atomic == AtomicXchg || in.Fetch:
			return []Reg{in.Src.Reg}
		}
		return nil
	case OpCall, OpCallLocal:
		return []Reg{R0, R1, R2, R3, R4, R5}
	}
	return []Reg{in.Dst}
}

// TermKind is the kind of a block terminator.
type TermKind uint8

const (
	TermNone TermKind = iota
	TermJump
	TermBranch
	TermReturn
)

// Cond is a branch condition.
type Cond uint8

const (
	CondEq Cond = iota
	CondNe
	CondGt // unsigned
	CondGe
	CondLt
	CondLe
	CondSet // A & B != 0
	CondSGt
	CondSGe
	CondSLt
	CondSLe
)

var condNames = [...]string{"eq", "ne", "gt", "ge", "lt", "le", "set", "sgt", "sge", "slt", "sle"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return "cond?"
}

// Term ends a block. Then and Else are block IDs.
type Term struct {
	Kind  TermKind
	Cond  Cond
	Width Width
	A     Reg
	B     Value
	Then  int
	Else  int
}

// Succs returns the successor block IDs.
func (t Term) Succs() []int {
	switch t.Kind {
	case TermJump:
		return []int{t.Then}
	case TermBranch:
		return []int{t.Then, t.Else}
	}
	return nil
}

// Block is a basic block. PC is the first source instruction it covers.
type Block struct {
	ID    int
	PC    int
	Insts []Inst
	Term  Term
}

// Append adds an instruction to the block.
func (b *Block) Append(in Inst) {
	b.Insts = append(b.Insts, in)
}

// Jump terminates the block with an unconditional jump.
func (b *Block) Jump(target int) {
	b.Term = Term{Kind: TermJump, Then: target}
}

// Branch terminates the block with a conditional branch.
func (b *Block) Branch(c Cond, w Width, a Reg, v Value, then, els int) {
	b.Term = Term{Kind: TermBranch, Cond: c, Width: w, A: a, B: v, Then: then, Else: els}
}

// Return terminates the block, returning r0.
func (b *Block) Return() {
	b.Term = Term{Kind: TermReturn}
}

// Function is a list of blocks; Blocks[0] is the entry.
type Function struct {
	Name      string
	Exported  bool
	StackSize int
	Blocks    []*Block

	nextID int
}

// NewFunction returns an empty function.
func NewFunction(name string, exported bool, stackSize int) *Function {
	return &Function{Name: name, Exported: exported, StackSize: stackSize}
}

// NewBlock appends a new block with a fresh ID.
func (f *Function) NewBlock(pc int) *Block {
	b := &Block{ID: f.nextID, PC: pc}
	f.nextID++
	f.Blocks = append(f.Blocks, b)
	return b
}

// BlockIndex maps block IDs to their position in Blocks.
func (f *Function) BlockIndex() map[int]int {
	idx := make(map[int]int, len(f.Blocks))
	for i, b := range f.Blocks {
		idx[b.ID] = i
	}
	return idx
}

// Preds counts the predecessors of every block.
func (f *Function) Preds() map[int]int {
	preds := make(map[int]int, len(f.Blocks))
	for _, b := range f.Blocks {
		for _, s := range b.Term.Succs() {
			preds[s]++
		}
	}
	return preds
}

// Module is a translation unit.
type Module struct {
	Name       string
	Triple     string
	DataLayout string
	Functions  []*Function

	// Externs lists the symbols the module expects the linker to supply.
	Externs []string
}

// NewModule returns an empty module.
func NewModule(name string) *Module {
	return &Module{Name: name}
}

// AddFunction appends f to the module.
func (m *Module) AddFunction(f *Function) {
	m.Functions = append(m.Functions, f)
}

// Function returns the function with the given name, or nil.
func (m *Module) Function(name string) *Function {
	for _, f := range m.Functions {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// DeclareExtern records an external symbol reference once.
func (m *Module) DeclareExtern(name string) {
	for _, e := range m.Externs {
		if e == name {
			return
		}
	}
	m.Externs = append(m.Externs, name)
}

// CalledSymbols returns the sorted set of external symbols referenced by
// call and helper instructions.
func (m *Module) CalledSymbols() []string {
	seen := make(map[string]struct{})
	for _, f := range m.Functions {
		for _, b := range f.Blocks {
			for i := range b.Insts {
				in := &b.Insts[i]
				if in.Op == OpCall || in.Op == OpHelper {
					seen[in.Sym] = struct{}{}
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of the module.
func (m *Module) Clone() *Module {
	c := &Module{
		Name:       m.Name,
		Triple:     m.Triple,
		DataLayout: m.DataLayout,
		Externs:    append([]string(nil), m.Externs...),
		Functions:  make([]*Function, len(m.Functions)),
	}
	for i, f := range m.Functions {
		nf := &Function{
			Name:      f.Name,
			Exported:  f.Exported,
			StackSize: f.StackSize,
			Blocks:    make([]*Block, len(f.Blocks)),
			nextID:    f.nextID,
		}
		for j, b := range f.Blocks {
			nb := *b
			nb.Insts = append([]Inst(nil), b.Insts...)
			nf.Blocks[j] = &nb
		}
		c.Functions[i] = nf
	}
	return c
}
