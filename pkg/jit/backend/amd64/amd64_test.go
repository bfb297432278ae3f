package amd64

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/bpfjit/pkg/jit/backend"
	"github.com/fortiblox/bpfjit/pkg/jit/ir"
	"github.com/fortiblox/bpfjit/pkg/jit/object"
)

var (
	prologue = []byte{
		0x55,             // push rbp
		0x48, 0x89, 0xE5, // mov rbp, rsp
		0x48, 0x81, 0xEC, 0x00, 0x02, 0x00, 0x00, // sub rsp, 512
		0x53,       // push rbx
		0x41, 0x55, // push r13
		0x41, 0x56, // push r14
		0x41, 0x57, // push r15
	}
	epilogue = []byte{
		0x41, 0x5F, // pop r15
		0x41, 0x5E, // pop r14
		0x41, 0x5D, // pop r13
		0x5B, // pop rbx
		0xC9, // leave
		0xC3, // ret
	}
)

func TestEncodings(t *testing.T) {
	tests := []struct {
		name string
		emit func(a *assembler)
		want []byte
	}{
		{"load64", func(a *assembler) { a.load(rax, rdi, 8, 8, false) }, []byte{0x48, 0x8B, 0x87, 0x08, 0, 0, 0}},
		{"load8 signed", func(a *assembler) { a.load(rax, rdi, 0, 1, true) }, []byte{0x48, 0x0F, 0xBE, 0x87, 0, 0, 0, 0}},
		{"store8 sil", func(a *assembler) { a.store(rbp, -1, rsi, 1) }, []byte{0x40, 0x88, 0xB5, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"store32 r13", func(a *assembler) { a.store(r13, 0, r14, 4) }, []byte{0x45, 0x89, 0xB5, 0, 0, 0, 0}},
		{"store16 imm", func(a *assembler) { a.storeImm(rdi, 2, 0x1234, 2) }, []byte{0x66, 0xC7, 0x87, 0x02, 0, 0, 0, 0x34, 0x12}},
		{"lea sib", func(a *assembler) { a.lea(r10, r12, 0) }, []byte{0x4D, 0x8D, 0x94, 0x24, 0, 0, 0, 0}},
		{"push r8", func(a *assembler) { a.push(r8) }, []byte{0x41, 0x50}},
		{"call rax", func(a *assembler) { a.callReg(rax) }, []byte{0xFF, 0xD0}},
		{"mov imm sx", func(a *assembler) { a.movImm(rax, 42) }, []byte{0x48, 0xC7, 0xC0, 0x2A, 0, 0, 0}},
		{"mov imm32", func(a *assembler) { a.movImm(rcx, 0xffffffff) }, []byte{0xB9, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"movabs r9", func(a *assembler) { a.movImm(r9, 1<<40) }, []byte{0x49, 0xB9, 0, 0, 0, 0, 0, 0x01, 0, 0}},
		{"add rdi rsi", func(a *assembler) { a.aluRR(true, opAdd, rdi, rsi) }, []byte{0x48, 0x01, 0xF7}},
		{"xor r32", func(a *assembler) { a.zero(rdx) }, []byte{0x31, 0xD2}},
		{"imul imm", func(a *assembler) { a.imulRI(true, rbx, 3) }, []byte{0x48, 0x69, 0xDB, 0x03, 0, 0, 0}},
		{"shl cl", func(a *assembler) { a.shiftRCL(true, extShl, r11) }, []byte{0x49, 0xD3, 0xE3}},
		{"sar imm", func(a *assembler) { a.shiftRI(false, extSar, rax, 4) }, []byte{0xC1, 0xF8, 0x04}},
		{"cmp imm", func(a *assembler) { a.aluRI(true, extCmp, r15, 7) }, []byte{0x49, 0x81, 0xFF, 0x07, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAssembler()
			tt.emit(a)
			assert.Equal(t, tt.want, a.buf)
		})
	}
}

func TestLabels(t *testing.T) {
	a := newAssembler()
	fwd := a.newLabel()
	back := a.newLabel()
	a.bind(back)
	a.jcc(ccE, fwd)
	a.jmp(back)
	a.bind(fwd)
	require.NoError(t, a.resolve())
	assert.Equal(t, []byte{
		0x0F, 0x84, 0x05, 0, 0, 0,
		0xE9, 0xF5, 0xFF, 0xFF, 0xFF,
	}, a.buf)

	a = newAssembler()
	a.jmp(a.newLabel())
	assert.Error(t, a.resolve())
}

func moduleWith(build func(f *ir.Function), externs ...string) *ir.Module {
	m := ir.NewModule("test")
	m.DataLayout = DataLayout
	f := ir.NewFunction("bpf_main", true, 512)
	build(f)
	m.AddFunction(f)
	for _, e := range externs {
		m.DeclareExtern(e)
	}
	return m
}

func emit(t *testing.T, m *ir.Module) *object.Object {
	t.Helper()
	tgt, err := backend.LookupTarget(Triple)
	require.NoError(t, err)
	mach, err := tgt.NewMachine("")
	require.NoError(t, err)
	assert.Equal(t, backend.GenericCPU, mach.CPU())
	obj, err := mach.Emit(m)
	require.NoError(t, err)
	return obj
}

func TestEmitReturn42(t *testing.T) {
	m := moduleWith(func(f *ir.Function) {
		b := f.NewBlock(0)
		b.Append(ir.Inst{Op: ir.OpLoadImm64, Dst: ir.R0, Src: ir.Imm(42)})
		b.Return()
	})
	obj := emit(t, m)

	var want []byte
	want = append(want, prologue...)
	want = append(want, 0x48, 0xC7, 0xC0, 0x2A, 0, 0, 0)
	want = append(want, epilogue...)
	assert.Equal(t, want, obj.Text)
	assert.Equal(t, Triple, obj.Triple)
	assert.Equal(t, Version, obj.BackendVersion)
	assert.Equal(t, []object.Symbol{{Name: "bpf_main", Size: uint64(len(want)), Exported: true}}, obj.Symbols)
	assert.Empty(t, obj.Relocs)
}

func TestEmitRelocations(t *testing.T) {
	m := moduleWith(func(f *ir.Function) {
		b := f.NewBlock(0)
		b.Append(ir.Inst{Op: ir.OpCall, Sym: "ext_func_1"})
		b.Append(ir.Inst{Op: ir.OpHelper, Dst: ir.R2, Src: ir.Imm(3), Sym: "__lddw_helper_map_by_fd"})
		b.Return()
	}, "ext_func_1", "__lddw_helper_map_by_fd")
	obj := emit(t, m)

	require.Len(t, obj.Relocs, 2)
	assert.Equal(t, "ext_func_1", obj.Relocs[0].Symbol)
	assert.Equal(t, uint64(len(prologue)+2), obj.Relocs[0].Offset)
	assert.Equal(t, "__lddw_helper_map_by_fd", obj.Relocs[1].Symbol)
	assert.ElementsMatch(t, []string{"ext_func_1", "__lddw_helper_map_by_fd"}, obj.Undefined())
	require.NoError(t, obj.Validate())
}

func TestEmitLocalCall(t *testing.T) {
	m := moduleWith(func(f *ir.Function) {
		b := f.NewBlock(0)
		b.Append(ir.Inst{Op: ir.OpCallLocal, Sym: "bpf_func_4"})
		b.Return()
	})
	callee := ir.NewFunction("bpf_func_4", false, 512)
	cb := callee.NewBlock(4)
	cb.Append(ir.Inst{Op: ir.OpMov, Dst: ir.R0, Src: ir.Imm(5)})
	cb.Return()
	m.AddFunction(callee)

	obj := emit(t, m)
	require.Len(t, obj.Symbols, 2)
	sym, ok := obj.Symbol("bpf_func_4")
	require.True(t, ok)
	assert.Zero(t, sym.Offset%16)
	assert.False(t, sym.Exported)
	assert.Equal(t, byte(0xE8), obj.Text[len(prologue)])
	assert.Empty(t, obj.Relocs)
}

func TestEmitRejectsForeignLayout(t *testing.T) {
	m := moduleWith(func(f *ir.Function) { f.NewBlock(0).Return() })
	m.DataLayout = "E-m:e"
	mach, err := target{}.NewMachine("generic")
	require.NoError(t, err)
	_, err = mach.Emit(m)
	assert.ErrorIs(t, err, ErrDataLayout)
}

func TestTargetRegistered(t *testing.T) {
	assert.Contains(t, backend.Targets(), Triple)
}
