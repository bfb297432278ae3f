package ir

import (
	"fmt"
	"strings"
)

func (r Reg) String() string {
	return fmt.Sprintf("r%d", uint8(r))
}

func (w Width) String() string {
	if w == W32 {
		return "32"
	}
	return "64"
}

func (v Value) String() string {
	if v.IsImm {
		return fmt.Sprintf("%d", v.Imm)
	}
	return v.Reg.String()
}

func (in *Inst) String() string {
	switch in.Op {
	case OpLoadImm64:
		return fmt.Sprintf("%s %s, %#x", in.Op, in.Dst, uint64(in.Src.Imm))
	case OpNeg:
		return fmt.Sprintf("%s%s %s", in.Op, in.Width, in.Dst)
	case OpMovSX:
		return fmt.Sprintf("%s%s.%d %s, %s", in.Op, in.Width, in.Ext, in.Dst, in.Src)
	case OpBswap, OpZext:
		return fmt.Sprintf("%s%d %s", in.Op, in.Ext, in.Dst)
	case OpLoad:
		kind := "u"
		if in.Signed {
			kind = "s"
		}
		return fmt.Sprintf("%s.%s%d %s, [%s%+d]", in.Op, kind, in.Size*8, in.Dst, in.Src.Reg, in.Off)
	case OpStore:
		return fmt.Sprintf("%s.%d [%s%+d], %s", in.Op, in.Size*8, in.Dst, in.Off, in.Src)
	case OpAtomic:
		fetch := ""
		if in.Fetch {
			fetch = ".fetch"
		}
		return fmt.Sprintf("%s.%s%s.%d [%s%+d], %s", in.Op, in.Atomic, fetch, in.Size*8, in.Dst, in.Off, in.Src.Reg)
	case OpCall, OpCallLocal:
		return fmt.Sprintf("%s @%s", in.Op, in.Sym)
	case OpHelper:
		return fmt.Sprintf("%s %s, @%s(%s)", in.Op, in.Dst, in.Sym, in.Src)
	}
	return fmt.Sprintf("%s%s %s, %s", in.Op, in.Width, in.Dst, in.Src)
}

func (t Term) String() string {
	switch t.Kind {
	case TermJump:
		return fmt.Sprintf("jmp b%d", t.Then)
	case TermBranch:
		return fmt.Sprintf("br.%s%s %s, %s, b%d, b%d", t.Cond, t.Width, t.A, t.B, t.Then, t.Else)
	case TermReturn:
		return "ret r0"
	}
	return "<no terminator>"
}

// String renders the module as text.
func (m *Module) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "module %q\n", m.Name)
	if m.Triple != "" {
		fmt.Fprintf(&sb, "target triple = %q\n", m.Triple)
	}
	if m.DataLayout != "" {
		fmt.Fprintf(&sb, "target datalayout = %q\n", m.DataLayout)
	}
	for _, e := range m.Externs {
		fmt.Fprintf(&sb, "extern @%s\n", e)
	}
	for _, f := range m.Functions {
		sb.WriteString("\n")
		linkage := "internal"
		if f.Exported {
			linkage = "export"
		}
		fmt.Fprintf(&sb, "%s func @%s stack=%d {\n", linkage, f.Name, f.StackSize)
		for _, b := range f.Blocks {
			fmt.Fprintf(&sb, "b%d: ; pc %d\n", b.ID, b.PC)
			for i := range b.Insts {
				fmt.Fprintf(&sb, "  %s\n", b.Insts[i].String())
			}
			fmt.Fprintf(&sb, "  %s\n", b.Term)
		}
		sb.WriteString("}\n")
	}
	return sb.String()
}
