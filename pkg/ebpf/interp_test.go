package ebpf

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runInterp(t *testing.T, opts InterpreterOpts, ctx unsafe.Pointer, parts ...interface{}) uint64 {
	t.Helper()
	ip := NewInterpreter(Assemble(parts...), opts)
	r0, err := ip.Run(ctx)
	require.NoError(t, err)
	return r0
}

func TestInterpreterReturn(t *testing.T) {
	r0 := runInterp(t, InterpreterOpts{}, nil, Mov64Imm(0, 42), Exit())
	assert.Equal(t, uint64(42), r0)
}

func TestInterpreterLoop(t *testing.T) {
	r0 := runInterp(t, InterpreterOpts{}, nil,
		Mov64Imm(0, 0),
		Mov64Imm(1, 10),
		Alu64Reg(AluAdd, 0, 1),
		Alu64Imm(AluSub, 1, 1),
		JmpImm(JmpJne, 1, 0, -3),
		Exit(),
	)
	assert.Equal(t, uint64(55), r0)
}

func TestInterpreterDivision(t *testing.T) {
	tests := []struct {
		name  string
		insns []interface{}
		want  uint64
	}{
		{"div by zero", []interface{}{Mov64Imm(0, 10), Mov64Imm(1, 0), Alu64Reg(AluDiv, 0, 1), Exit()}, 0},
		{"mod by zero", []interface{}{Mov64Imm(0, 10), Mov64Imm(1, 0), Alu64Reg(AluMod, 0, 1), Exit()}, 10},
		{"mod32 by zero truncates", []interface{}{Lddw(0, 0x1_0000_0007), Mov64Imm(1, 0), Alu32Reg(AluMod, 0, 1), Exit()}, 7},
		{"sdiv", []interface{}{Mov64Imm(0, -7), Encode(OpDiv64Imm, 0, 0, 1, 2), Exit()}, uint64(0xfffffffffffffffd)},
		{"smod", []interface{}{Mov64Imm(0, -7), Encode(OpMod64Imm, 0, 0, 1, 2), Exit()}, uint64(0xffffffffffffffff)},
		{"sdiv overflow", []interface{}{Lddw(0, 1<<63), Encode(OpDiv64Imm, 0, 0, 1, -1), Exit()}, 1 << 63},
		{"smod overflow", []interface{}{Lddw(0, 1<<63), Encode(OpMod64Imm, 0, 0, 1, -1), Exit()}, 0},
		{"udiv", []interface{}{Mov64Imm(0, 100), Alu64Imm(AluDiv, 0, 7), Exit()}, 14},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runInterp(t, InterpreterOpts{}, nil, tt.insns...))
		})
	}
}

func TestInterpreterALU32(t *testing.T) {
	r0 := runInterp(t, InterpreterOpts{}, nil,
		Mov32Imm(0, -1),
		Alu32Imm(AluAdd, 0, 1),
		Exit(),
	)
	assert.Equal(t, uint64(0), r0)

	r0 = runInterp(t, InterpreterOpts{}, nil,
		Mov64Imm(1, 0x80),
		Encode(OpMov64Reg, 0, 1, 8, 0),
		Exit(),
	)
	assert.Equal(t, uint64(0xffffffffffffff80), r0)
}

func TestInterpreterByteSwap(t *testing.T) {
	r0 := runInterp(t, InterpreterOpts{}, nil,
		Lddw(0, 0x0102030405060708),
		Encode(OpBe, 0, 0, 0, 16),
		Exit(),
	)
	assert.Equal(t, uint64(0x0807), r0)

	r0 = runInterp(t, InterpreterOpts{}, nil,
		Lddw(0, 0x0102030405060708),
		Encode(OpBswap64, 0, 0, 0, 64),
		Exit(),
	)
	assert.Equal(t, uint64(0x0807060504030201), r0)
}

func TestInterpreterStack(t *testing.T) {
	r0 := runInterp(t, InterpreterOpts{}, nil,
		Mov64Imm(1, 0x1234),
		Stx(SizeDW, 10, 1, -8),
		Ldx(SizeH, 0, 10, -8),
		Exit(),
	)
	assert.Equal(t, uint64(0x1234), r0)

	r0 = runInterp(t, InterpreterOpts{}, nil,
		St(SizeB, 10, -1, 0xff),
		Ldxs(SizeB, 0, 10, -1),
		Exit(),
	)
	assert.Equal(t, ^uint64(0), r0)
}

func TestInterpreterLocalCall(t *testing.T) {
	r0 := runInterp(t, InterpreterOpts{}, nil,
		Mov64Imm(6, 7),
		CallLocal(3),
		Alu64Reg(AluAdd, 0, 6),
		Exit(),
		Exit(),
		Mov64Imm(6, 100),
		Mov64Imm(0, 5),
		Exit(),
	)
	assert.Equal(t, uint64(12), r0)
}

func TestCallEncoding(t *testing.T) {
	local := CallLocal(-4)
	assert.Equal(t, uint8(OpCall), local.Op())
	assert.Equal(t, uint8(PseudoCall), local.Src())
	assert.Equal(t, int32(-4), local.Imm())

	helper := Call(6)
	assert.Equal(t, uint8(CallHelper), helper.Src())
	assert.Equal(t, int32(6), helper.Imm())
}

func TestInterpreterCallDepth(t *testing.T) {
	ip := NewInterpreter(Assemble(CallLocal(-1), Exit()), InterpreterOpts{})
	_, err := ip.Run(nil)
	require.ErrorIs(t, err, ErrCallDepthExceeded)
}

func TestInterpreterHelpers(t *testing.T) {
	opts := InterpreterOpts{
		Helpers: map[int32]HelperFunc{
			1: func(a, b, _, _, _ uint64) uint64 { return a + b },
		},
	}
	r0 := runInterp(t, opts, nil, Mov64Imm(1, 2), Mov64Imm(2, 3), Call(1), Exit())
	assert.Equal(t, uint64(5), r0)

	_, err := NewInterpreter(Assemble(Call(2), Exit()), opts).Run(nil)
	require.ErrorIs(t, err, ErrUnknownHelper)
}

func TestInterpreterLddwPseudo(t *testing.T) {
	opts := InterpreterOpts{
		Lddw: LddwFuncs{
			MapByFD: func(fd uint32) uint64 { return uint64(fd) * 1000 },
			MapVal:  func(m uint64) uint64 { return m + 1 },
		},
	}
	r0 := runInterp(t, opts, nil, LddwPseudo(0, PseudoMapValue, 7, 16), Exit())
	assert.Equal(t, uint64(7017), r0)

	_, err := NewInterpreter(Assemble(LddwPseudo(0, PseudoMapIdx, 1, 0), Exit()), opts).Run(nil)
	require.ErrorIs(t, err, ErrMissingLddwHelper)
}

func TestInterpreterAtomics(t *testing.T) {
	mem := [4]uint64{0, 10, 10, 0}
	r0 := runInterp(t, InterpreterOpts{}, unsafe.Pointer(&mem),
		Mov64Imm(2, 5),
		Atomic(SizeDW, AtomicAdd, 1, 2, 0),
		Mov64Imm(2, 3),
		Atomic(SizeDW, AtomicAdd|AtomicFetch, 1, 2, 8),
		Mov64Reg(6, 2),
		Mov64Imm(0, 10),
		Mov64Imm(2, 99),
		Atomic(SizeDW, AtomicCmpXchg, 1, 2, 16),
		Alu64Reg(AluAdd, 0, 6),
		Exit(),
	)
	assert.Equal(t, uint64(20), r0)
	assert.Equal(t, [4]uint64{5, 13, 99, 0}, mem)
}

func TestInterpreterJmp32(t *testing.T) {
	r0 := runInterp(t, InterpreterOpts{}, nil,
		Lddw(1, 0xffffffff_00000001),
		Mov64Imm(0, 1),
		Jmp32Imm(JmpJeq, 1, 1, 1),
		Mov64Imm(0, 2),
		Exit(),
	)
	assert.Equal(t, uint64(1), r0)
}

func TestInterpreterStepLimit(t *testing.T) {
	ip := NewInterpreter(Assemble(Ja(-1), Exit()), InterpreterOpts{MaxSteps: 100})
	_, err := ip.Run(nil)
	require.ErrorIs(t, err, ErrStepLimit)
	assert.Equal(t, uint64(101), ip.Steps())
}

func TestInterpreterInvalidOpcode(t *testing.T) {
	ip := NewInterpreter([]Instruction{Encode(0xff, 0, 0, 0, 0)}, InterpreterOpts{})
	_, err := ip.Run(nil)
	require.ErrorIs(t, err, ErrInvalidInstruction)
}

// TestCallStack checks that callee-saved registers survive a frame push.
func TestCallStack(t *testing.T) {
	s := newCallStack()
	var regs [11]uint64
	regs[6], regs[7], regs[8], regs[9] = 100, 200, 300, 400
	regs[10] = s.top(0)

	if err := s.push(&regs, 42); err != nil {
		t.Fatalf("push() failed: %v", err)
	}
	if regs[10] != s.top(0)+StackSize {
		t.Errorf("frame pointer = 0x%x, want 0x%x", regs[10], s.top(0)+StackSize)
	}

	regs[6], regs[7], regs[8], regs[9] = 0, 0, 0, 0
	ret, ok := s.pop(&regs)
	if !ok || ret != 42 {
		t.Fatalf("pop() = %d, %v", ret, ok)
	}
	if regs[6] != 100 || regs[9] != 400 {
		t.Errorf("registers not restored: %v", regs[6:10])
	}
	if _, ok := s.pop(&regs); ok {
		t.Error("pop() on empty stack succeeded")
	}
}

func TestProgramHelpers(t *testing.T) {
	p := NewProgram(Assemble(Mov64Imm(0, 1), Exit()))
	require.NoError(t, p.SetExtFunc(3, 0x1000))
	assert.Equal(t, uintptr(0x1000), p.ExtFunc(3))
	assert.Zero(t, p.ExtFunc(2))
	assert.Zero(t, p.ExtFunc(100))
	require.ErrorIs(t, p.SetExtFunc(MaxExtFuncs, 1), ErrHelperIndex)

	insns, err := ParseInstructions(p.Bytes())
	require.NoError(t, err)
	assert.Equal(t, p.Insns, insns)

	_, err = ParseInstructions(make([]byte, 7))
	require.ErrorIs(t, err, ErrMisalignedBytes)
	_, err = ParseInstructions(nil)
	require.ErrorIs(t, err, ErrEmptyProgram)
}
