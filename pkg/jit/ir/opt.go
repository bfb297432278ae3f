package ir

// OptLevel selects the optimization pipeline. The zero value selects O3.
type OptLevel int

const (
	O0 OptLevel = iota + 1 // none
	O1                     // cleanup: unreachable blocks, trivial branches
	O2                     // + jump threading, block merging, move elimination
	O3                     // + constant folding, run to fixpoint
)

const maxOptRounds = 16

// Optimize rewrites m in place. Program results are unchanged at every
// level.
func Optimize(m *Module, level OptLevel) {
	if level == 0 {
		level = O3
	}
	if level <= O0 {
		return
	}
	for _, f := range m.Functions {
		optimizeFunction(f, level)
	}
}

func optimizeFunction(f *Function, level OptLevel) {
	for round := 0; round < maxOptRounds; round++ {
		changed := false
		if level >= O3 {
			changed = foldConstants(f) || changed
		}
		changed = simplifyBranches(f) || changed
		if level >= O2 {
			changed = threadJumps(f) || changed
			changed = removeRedundantMoves(f) || changed
		}
		changed = removeUnreachable(f) || changed
		if level >= O2 {
			changed = mergeBlocks(f) || changed
		}
		if !changed || level < O3 {
			return
		}
	}
}

func fitsInt32(v int64) bool {
	return v == int64(int32(v))
}

// foldConstants propagates constants inside each block, evaluates
// register-only instructions with known operands and resolves branches on
// known values.
func foldConstants(f *Function) bool {
	changed := false
	for _, b := range f.Blocks {
		var known [NumRegs]bool
		var val [NumRegs]uint64

		for i := range b.Insts {
			in := &b.Insts[i]

			if !in.Src.IsImm && known[in.Src.Reg] {
				v := val[in.Src.Reg]
				switch {
				case in.Op.IsALU() && in.Width == W32:
					in.Src = Imm(int64(int32(uint32(v))))
					changed = true
				case (in.Op.IsALU() || in.Op == OpStore) && fitsInt32(int64(v)):
					in.Src = Imm(int64(v))
					changed = true
				}
			}

			if folded, ok := foldInst(in, &known, &val); ok {
				if *in != folded {
					*in = folded
					changed = true
				}
				known[in.Dst] = true
				val[in.Dst] = uint64(folded.Src.Imm)
				continue
			}
			for _, d := range in.Defs() {
				known[d] = false
			}
		}

		t := &b.Term
		if t.Kind != TermBranch {
			continue
		}
		if !t.B.IsImm && known[t.B.Reg] && fitsInt32(int64(val[t.B.Reg])) {
			t.B = Imm(int64(val[t.B.Reg]))
			changed = true
		}
		if known[t.A] && t.B.IsImm {
			if EvalCond(t.Cond, t.Width, val[t.A], uint64(t.B.Imm)) {
				b.Jump(t.Then)
			} else {
				b.Jump(t.Else)
			}
			changed = true
		}
	}
	return changed
}

func foldInst(in *Inst, known *[NumRegs]bool, val *[NumRegs]uint64) (Inst, bool) {
	switch {
	case in.Op.IsALU(), in.Op == OpNeg, in.Op == OpMovSX, in.Op == OpBswap, in.Op == OpZext, in.Op == OpLoadImm64:
	default:
		return Inst{}, false
	}

	var a, b uint64
	needDst := in.Op != OpMov && in.Op != OpMovSX && in.Op != OpLoadImm64
	needSrc := in.Op.IsALU() || in.Op == OpMovSX
	if needDst {
		if !known[in.Dst] {
			return Inst{}, false
		}
		a = val[in.Dst]
	}
	if needSrc {
		switch {
		case in.Src.IsImm:
			b = uint64(in.Src.Imm)
		case known[in.Src.Reg]:
			b = val[in.Src.Reg]
		default:
			return Inst{}, false
		}
	}
	v, ok := Eval(in, a, b)
	if !ok {
		return Inst{}, false
	}
	return Inst{Op: OpLoadImm64, Width: W64, Dst: in.Dst, Src: Imm(int64(v))}, true
}

func simplifyBranches(f *Function) bool {
	changed := false
	for _, b := range f.Blocks {
		if b.Term.Kind == TermBranch && b.Term.Then == b.Term.Else {
			b.Jump(b.Term.Then)
			changed = true
		}
	}
	return changed
}

// threadJumps retargets edges that land on empty forwarding blocks.
func threadJumps(f *Function) bool {
	idx := f.BlockIndex()
	forward := func(id int) int {
		for hops := 0; hops < len(f.Blocks); hops++ {
			b := f.Blocks[idx[id]]
			if len(b.Insts) != 0 || b.Term.Kind != TermJump || b.Term.Then == id {
				return id
			}
			id = b.Term.Then
		}
		return id
	}
	changed := false
	for _, b := range f.Blocks {
		switch b.Term.Kind {
		case TermJump:
			if t := forward(b.Term.Then); t != b.Term.Then {
				b.Term.Then = t
				changed = true
			}
		case TermBranch:
			if t := forward(b.Term.Then); t != b.Term.Then {
				b.Term.Then = t
				changed = true
			}
			if t := forward(b.Term.Else); t != b.Term.Else {
				b.Term.Else = t
				changed = true
			}
		}
	}
	return changed
}

func removeRedundantMoves(f *Function) bool {
	changed := false
	for _, b := range f.Blocks {
		kept := b.Insts[:0]
		for _, in := range b.Insts {
			if in.Op == OpMov && in.Width == W64 && !in.Src.IsImm && in.Src.Reg == in.Dst {
				changed = true
				continue
			}
			kept = append(kept, in)
		}
		b.Insts = kept
	}
	return changed
}

func removeUnreachable(f *Function) bool {
	if len(f.Blocks) == 0 {
		return false
	}
	idx := f.BlockIndex()
	seen := map[int]bool{f.Blocks[0].ID: true}
	queue := []int{f.Blocks[0].ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, s := range f.Blocks[idx[id]].Term.Succs() {
			if !seen[s] {
				seen[s] = true
				queue = append(queue, s)
			}
		}
	}
	if len(seen) == len(f.Blocks) {
		return false
	}
	kept := f.Blocks[:0]
	for _, b := range f.Blocks {
		if seen[b.ID] {
			kept = append(kept, b)
		}
	}
	f.Blocks = kept
	return true
}

// mergeBlocks folds a block into its only predecessor when that
// predecessor reaches it by an unconditional jump.
func mergeBlocks(f *Function) bool {
	changed := false
	for {
		preds := f.Preds()
		idx := f.BlockIndex()
		merged := false
		for _, a := range f.Blocks {
			if a.Term.Kind != TermJump {
				continue
			}
			bi, ok := idx[a.Term.Then]
			if !ok || bi == 0 || a.Term.Then == a.ID || preds[a.Term.Then] != 1 {
				continue
			}
			b := f.Blocks[bi]
			a.Insts = append(a.Insts, b.Insts...)
			a.Term = b.Term
			f.Blocks = append(f.Blocks[:bi], f.Blocks[bi+1:]...)
			merged = true
			break
		}
		if !merged {
			return changed
		}
		changed = true
	}
}
