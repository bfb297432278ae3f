package translate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/fortiblox/bpfjit/pkg/ebpf"
	"github.com/fortiblox/bpfjit/pkg/jit/ir"
	"github.com/fortiblox/bpfjit/pkg/jit/symbols"
)

func requireTranslationError(t *testing.T, err error, pc int) *TranslationError {
	t.Helper()
	var terr *TranslationError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, pc, terr.PC)
	return terr
}

func TestTranslateReturn42(t *testing.T) {
	m, err := Translate(Assemble(Mov64Imm(0, 42), Exit()), nil, nil)
	require.NoError(t, err)

	require.Len(t, m.Functions, 1)
	f := m.Functions[0]
	assert.Equal(t, symbols.EntryName, f.Name)
	assert.True(t, f.Exported)
	require.Len(t, f.Blocks, 1)
	assert.Equal(t, []ir.Inst{{Op: ir.OpMov, Dst: ir.R0, Src: ir.Imm(42)}}, f.Blocks[0].Insts)
	assert.Equal(t, ir.TermReturn, f.Blocks[0].Term.Kind)
	assert.Empty(t, m.CalledSymbols())
}

func TestTranslateOnlyCalledHelpersReferenced(t *testing.T) {
	prog := NewProgram(Assemble(Mov64Imm(1, 1), Call(3), Exit()))
	require.NoError(t, prog.SetExtFunc(1, 0x1000))
	require.NoError(t, prog.SetExtFunc(3, 0x3000))
	set := symbols.Bind(prog)

	m, err := Translate(prog.Insns, set.ExtNames, set.LddwNames)
	require.NoError(t, err)
	assert.Equal(t, []string{"ext_func_3"}, m.CalledSymbols())
	assert.Equal(t, []string{"ext_func_3"}, m.Externs)
}

func TestTranslateBranches(t *testing.T) {
	m, err := Translate(Assemble(
		Mov64Imm(0, 0),
		Mov64Imm(1, 10),
		Alu64Reg(AluAdd, 0, 1),
		Alu64Imm(AluSub, 1, 1),
		JmpImm(JmpJne, 1, 0, -3),
		Exit(),
	), nil, nil)
	require.NoError(t, err)

	f := m.Functions[0]
	require.Len(t, f.Blocks, 3)
	assert.Equal(t, []int{0, 2, 5}, []int{f.Blocks[0].PC, f.Blocks[1].PC, f.Blocks[2].PC})
	assert.Equal(t, ir.TermJump, f.Blocks[0].Term.Kind)
	loop := f.Blocks[1].Term
	assert.Equal(t, ir.TermBranch, loop.Kind)
	assert.Equal(t, ir.CondNe, loop.Cond)
	assert.Equal(t, f.Blocks[1].ID, loop.Then)
	assert.Equal(t, f.Blocks[2].ID, loop.Else)
}

func TestTranslateLocalCall(t *testing.T) {
	m, err := Translate(Assemble(
		Mov64Imm(6, 7),
		CallLocal(2),
		Alu64Reg(AluAdd, 0, 6),
		Exit(),
		Mov64Imm(0, 5),
		Exit(),
	), nil, nil)
	require.NoError(t, err)

	require.Len(t, m.Functions, 2)
	assert.Equal(t, "bpf_func_4", m.Functions[1].Name)
	assert.False(t, m.Functions[1].Exported)
	assert.Equal(t, ir.OpCallLocal, m.Functions[0].Blocks[0].Insts[1].Op)
	assert.Equal(t, "bpf_func_4", m.Functions[0].Blocks[0].Insts[1].Sym)
}

func TestTranslateLddw(t *testing.T) {
	lddw := map[string]bool{symbols.LddwMapByFD: true, symbols.LddwMapVal: true}
	m, err := Translate(Assemble(
		LddwPseudo(1, PseudoMapValue, 4, 16),
		Lddw(0, 0x1122334455667788),
		Exit(),
	), nil, lddw)
	require.NoError(t, err)

	insts := m.Functions[0].Blocks[0].Insts
	require.Len(t, insts, 4)
	assert.Equal(t, ir.Inst{Op: ir.OpHelper, Dst: ir.R1, Src: ir.Imm(4), Sym: symbols.LddwMapByFD}, insts[0])
	assert.Equal(t, ir.Inst{Op: ir.OpHelper, Dst: ir.R1, Src: ir.R(ir.R1), Sym: symbols.LddwMapVal}, insts[1])
	assert.Equal(t, ir.Inst{Op: ir.OpAdd, Dst: ir.R1, Src: ir.Imm(16)}, insts[2])
	assert.Equal(t, int64(0x1122334455667788), insts[3].Src.Imm)
	assert.ElementsMatch(t, []string{symbols.LddwMapByFD, symbols.LddwMapVal}, m.Externs)
}

func TestTranslateErrors(t *testing.T) {
	tests := []struct {
		name  string
		insns []Instruction
		pc    int
		diag  string
	}{
		{"unbound helper", Assemble(Call(7), Exit()), 0, "unbound helper"},
		{"write r10", Assemble(Mov64Imm(10, 1), Exit()), 0, "r10"},
		{"jump out of range", Assemble(Ja(5), Exit()), 0, "outside function"},
		{"falls off end", Assemble(Mov64Imm(0, 1)), 0, "falls off"},
		{"truncated lddw", []Instruction{Encode(OpLddw, 0, 0, 0, 1)}, 0, "truncated"},
		{"unbound lddw helper", Assemble(LddwPseudo(0, PseudoMapFD, 1, 0), Exit()), 0, "unbound helper"},
		{"unknown opcode", Assemble(Encode(0xe7, 0, 0, 0, 0), Exit()), 0, "unknown alu"},
		{"bad bswap width", Assemble(Encode(OpBe, 0, 0, 0, 8), Exit()), 0, "byte swap"},
		{"jump into lddw", Assemble(Ja(1), Lddw(0, 1), Exit()), 0, "middle of lddw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Translate(tt.insns, nil, nil)
			terr := requireTranslationError(t, err, tt.pc)
			assert.Contains(t, terr.Diag, tt.diag)
		})
	}
}

func TestTranslateEmpty(t *testing.T) {
	_, err := Translate(nil, nil, nil)
	requireTranslationError(t, err, -1)
}
