package ir

import (
	"fmt"
	"strings"
)

// VerifyError lists every problem found in a module.
type VerifyError struct {
	Diags []string
}

func (e *VerifyError) Error() string {
	return "ir verification failed: " + strings.Join(e.Diags, "; ")
}

type verifier struct {
	m       *Module
	externs map[string]bool
	diags   []string
}

func (v *verifier) errorf(format string, args ...interface{}) {
	v.diags = append(v.diags, fmt.Sprintf(format, args...))
}

// Verify checks the structural invariants of m. It returns nil or a
// *VerifyError.
func Verify(m *Module) error {
	v := &verifier{m: m, externs: make(map[string]bool, len(m.Externs))}
	for _, e := range m.Externs {
		v.externs[e] = true
	}
	if len(m.Functions) == 0 {
		v.errorf("module %q has no functions", m.Name)
	}
	names := make(map[string]bool)
	exported := 0
	for _, f := range m.Functions {
		if names[f.Name] {
			v.errorf("duplicate function @%s", f.Name)
		}
		names[f.Name] = true
		if f.Exported {
			exported++
		}
		if v.externs[f.Name] {
			v.errorf("function @%s shadows an extern", f.Name)
		}
	}
	if len(m.Functions) > 0 && exported == 0 {
		v.errorf("module %q exports no function", m.Name)
	}
	for _, f := range m.Functions {
		v.function(f, names)
	}
	if len(v.diags) > 0 {
		return &VerifyError{Diags: v.diags}
	}
	return nil
}

func (v *verifier) function(f *Function, funcs map[string]bool) {
	if len(f.Blocks) == 0 {
		v.errorf("@%s: no blocks", f.Name)
		return
	}
	ids := make(map[int]bool, len(f.Blocks))
	for _, b := range f.Blocks {
		if ids[b.ID] {
			v.errorf("@%s: duplicate block b%d", f.Name, b.ID)
		}
		ids[b.ID] = true
	}
	for _, b := range f.Blocks {
		where := fmt.Sprintf("@%s b%d", f.Name, b.ID)
		for i := range b.Insts {
			v.inst(where, &b.Insts[i], funcs)
		}
		t := b.Term
		switch t.Kind {
		case TermNone:
			v.errorf("%s: missing terminator", where)
		case TermJump:
			if !ids[t.Then] {
				v.errorf("%s: jump to unknown block b%d", where, t.Then)
			}
		case TermBranch:
			if !ids[t.Then] || !ids[t.Else] {
				v.errorf("%s: branch to unknown block b%d/b%d", where, t.Then, t.Else)
			}
			if t.A >= NumRegs || (!t.B.IsImm && t.B.Reg >= NumRegs) {
				v.errorf("%s: branch operand out of range", where)
			}
			if t.Cond > CondSLe {
				v.errorf("%s: unknown condition %d", where, t.Cond)
			}
		case TermReturn:
		default:
			v.errorf("%s: unknown terminator kind %d", where, t.Kind)
		}
	}
}

func (v *verifier) inst(where string, in *Inst, funcs map[string]bool) {
	if in.Dst >= NumRegs || (!in.Src.IsImm && in.Src.Reg >= NumRegs) {
		v.errorf("%s: %s: register out of range", where, in)
		return
	}
	writesDst := in.Op != OpStore && in.Op != OpAtomic && in.Op != OpCall && in.Op != OpCallLocal
	if writesDst && in.Dst == FramePointer {
		v.errorf("%s: %s: write to frame pointer", where, in)
	}
	switch in.Op {
	case OpLoad, OpStore, OpAtomic:
		switch in.Size {
		case 1, 2, 4, 8:
		default:
			v.errorf("%s: %s: bad access size %d", where, in, in.Size)
		}
		if in.Op == OpLoad && in.Src.IsImm {
			v.errorf("%s: %s: load base must be a register", where, in)
		}
		if in.Op == OpAtomic {
			if in.Size != 4 && in.Size != 8 {
				v.errorf("%s: %s: atomic needs 32 or 64 bit access", where, in)
			}
			if in.Src.IsImm {
				v.errorf("%s: %s: atomic operand must be a register", where, in)
			}
			if in.Atomic > AtomicCmpXchg {
				v.errorf("%s: %s: unknown atomic operation", where, in)
			}
			if (in.Atomic == AtomicXchg || in.Fetch) && in.Src.Reg == FramePointer {
				v.errorf("%s: %s: write to frame pointer", where, in)
			}
		}
	case OpMovSX:
		if in.Ext != 8 && in.Ext != 16 && !(in.Ext == 32 && in.Width == W64) {
			v.errorf("%s: %s: bad extension width %d", where, in, in.Ext)
		}
	case OpBswap, OpZext:
		if in.Ext != 16 && in.Ext != 32 && in.Ext != 64 {
			v.errorf("%s: %s: bad width %d", where, in, in.Ext)
		}
	case OpLoadImm64:
		if !in.Src.IsImm {
			v.errorf("%s: %s: ldimm64 needs an immediate", where, in)
		}
	case OpCall:
		if !v.externs[in.Sym] {
			v.errorf("%s: call to undeclared symbol @%s", where, in.Sym)
		}
	case OpCallLocal:
		if !funcs[in.Sym] {
			v.errorf("%s: local call to unknown function @%s", where, in.Sym)
		}
	case OpHelper:
		if !v.externs[in.Sym] {
			v.errorf("%s: helper call to undeclared symbol @%s", where, in.Sym)
		}
	default:
		if in.Op > OpHelper {
			v.errorf("%s: unknown op %d", where, in.Op)
		}
	}
}
