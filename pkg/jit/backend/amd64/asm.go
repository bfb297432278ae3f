package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/bpfjit/pkg/jit/object"
)

// reg is an x86-64 general purpose register number.
type reg uint8

const (
	rax reg = iota
	rcx
	rdx
	rbx
	rsp
	rbp
	rsi
	rdi
	r8
	r9
	r10
	r11
	r12
	r13
	r14
	r15
)

// Condition codes for Jcc (low nibble of 0F 8x).
const (
	ccB  byte = 0x02 // unsigned <
	ccAE byte = 0x03 // unsigned >=
	ccE  byte = 0x04
	ccNE byte = 0x05
	ccBE byte = 0x06 // unsigned <=
	ccA  byte = 0x07 // unsigned >
	ccL  byte = 0x0C // signed <
	ccGE byte = 0x0D // signed >=
	ccLE byte = 0x0E // signed <=
	ccG  byte = 0x0F // signed >
)

// ALU opcodes (r/m, r form) and their /digit for the 81 immediate form.
const (
	opAdd byte = 0x01
	opOr  byte = 0x09
	opAnd byte = 0x21
	opSub byte = 0x29
	opXor byte = 0x31
	opCmp byte = 0x39

	extAdd byte = 0
	extOr  byte = 1
	extAnd byte = 4
	extSub byte = 5
	extXor byte = 6
	extCmp byte = 7

	extShl byte = 4
	extShr byte = 5
	extSar byte = 7
)

type label int

type fixup struct {
	pos   int // position of the rel32 field
	label label
}

// assembler emits position independent machine code into a buffer.
// Branches use labels patched at the end; absolute addresses of external
// symbols are recorded as relocations.
type assembler struct {
	buf    []byte
	labels []int
	fixups []fixup
	relocs []object.Reloc
}

func newAssembler() *assembler {
	return &assembler{buf: make([]byte, 0, 4096)}
}

func (a *assembler) pos() int { return len(a.buf) }

func (a *assembler) emitByte(b byte) { a.buf = append(a.buf, b) }

func (a *assembler) emitBytes(bs ...byte) { a.buf = append(a.buf, bs...) }

func (a *assembler) emitU16(v uint16) {
	a.buf = binary.LittleEndian.AppendUint16(a.buf, v)
}

func (a *assembler) emitU32(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

func (a *assembler) emitU64(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

// newLabel reserves a label to be placed with bind.
func (a *assembler) newLabel() label {
	a.labels = append(a.labels, -1)
	return label(len(a.labels) - 1)
}

func (a *assembler) bind(l label) {
	a.labels[l] = a.pos()
}

// align pads with int3 up to a multiple of n.
func (a *assembler) align(n int) {
	for a.pos()%n != 0 {
		a.emitByte(0xCC)
	}
}

func (a *assembler) rel32(l label) {
	a.fixups = append(a.fixups, fixup{pos: a.pos(), label: l})
	a.emitU32(0)
}

// resolve patches every label reference.
func (a *assembler) resolve() error {
	for _, f := range a.fixups {
		target := a.labels[f.label]
		if target < 0 {
			return fmt.Errorf("amd64: unbound label %d", f.label)
		}
		binary.LittleEndian.PutUint32(a.buf[f.pos:], uint32(int32(target-(f.pos+4))))
	}
	return nil
}

// rex emits a REX prefix when one is needed. force requests a bare REX so
// that byte operations address sil/dil/spl/bpl.
func (a *assembler) rex(w bool, r, b reg, force bool) {
	p := byte(0x40)
	if w {
		p |= 0x08
	}
	if r >= 8 {
		p |= 0x04
	}
	if b >= 8 {
		p |= 0x01
	}
	if p != 0x40 || force {
		a.emitByte(p)
	}
}

// rr emits op with a register-direct ModRM.
func (a *assembler) rr(w, force bool, op []byte, r, rm reg) {
	a.rex(w, r, rm, force)
	a.emitBytes(op...)
	a.emitByte(0xC0 | byte(r&7)<<3 | byte(rm&7))
}

// rm emits op with a [base + disp32] memory operand.
func (a *assembler) rm(w, force bool, op []byte, r, base reg, disp int32) {
	a.rex(w, r, base, force)
	a.emitBytes(op...)
	a.emitByte(0x80 | byte(r&7)<<3 | byte(base&7))
	if base&7 == 4 {
		a.emitByte(0x24)
	}
	a.emitU32(uint32(disp))
}

func isByteLow(r reg) bool { return r >= 4 && r <= 7 }

func (a *assembler) movRR(w bool, dst, src reg) {
	a.rr(w, false, []byte{0x89}, src, dst)
}

// movImm loads a 64-bit constant using the shortest encoding.
func (a *assembler) movImm(dst reg, v uint64) {
	switch {
	case int64(v) == int64(int32(v)):
		a.rr(true, false, []byte{0xC7}, 0, dst)
		a.emitU32(uint32(v))
	case v <= 0xffffffff:
		a.movImm32(dst, uint32(v))
	default:
		a.movabs(dst, v)
	}
}

// movImm32 emits mov r32, imm32 (zero-extends).
func (a *assembler) movImm32(dst reg, v uint32) {
	a.rex(false, 0, dst, false)
	a.emitByte(0xB8 | byte(dst&7))
	a.emitU32(v)
}

// movabs emits mov r64, imm64 and returns the position of the immediate.
func (a *assembler) movabs(dst reg, v uint64) int {
	a.rex(true, 0, dst, false)
	a.emitByte(0xB8 | byte(dst&7))
	p := a.pos()
	a.emitU64(v)
	return p
}

// movabsSym loads the absolute address of sym.
func (a *assembler) movabsSym(dst reg, sym string) {
	p := a.movabs(dst, 0)
	a.relocs = append(a.relocs, object.Reloc{Offset: uint64(p), Symbol: sym, Kind: object.RelocAbs64})
}

func (a *assembler) aluRR(w bool, op byte, dst, src reg) {
	a.rr(w, false, []byte{op}, src, dst)
}

func (a *assembler) aluRI(w bool, ext byte, dst reg, imm int32) {
	a.rr(w, false, []byte{0x81}, reg(ext), dst)
	a.emitU32(uint32(imm))
}

func (a *assembler) imulRR(w bool, dst, src reg) {
	a.rr(w, false, []byte{0x0F, 0xAF}, dst, src)
}

func (a *assembler) imulRI(w bool, dst reg, imm int32) {
	a.rr(w, false, []byte{0x69}, dst, dst)
	a.emitU32(uint32(imm))
}

func (a *assembler) shiftRI(w bool, ext byte, dst reg, n byte) {
	a.rr(w, false, []byte{0xC1}, reg(ext), dst)
	a.emitByte(n)
}

func (a *assembler) shiftRCL(w bool, ext byte, dst reg) {
	a.rr(w, false, []byte{0xD3}, reg(ext), dst)
}

func (a *assembler) neg(w bool, dst reg) {
	a.rr(w, false, []byte{0xF7}, 3, dst)
}

func (a *assembler) testRR(w bool, x, y reg) {
	a.rr(w, false, []byte{0x85}, y, x)
}

func (a *assembler) testRI(w bool, x reg, imm int32) {
	a.rr(w, false, []byte{0xF7}, 0, x)
	a.emitU32(uint32(imm))
}

// zero clears r with xor r32, r32.
func (a *assembler) zero(r reg) {
	a.aluRR(false, opXor, r, r)
}

func (a *assembler) push(r reg) {
	a.rex(false, 0, r, false)
	a.emitByte(0x50 | byte(r&7))
}

func (a *assembler) pop(r reg) {
	a.rex(false, 0, r, false)
	a.emitByte(0x58 | byte(r&7))
}

func (a *assembler) lea(dst, base reg, disp int32) {
	a.rm(true, false, []byte{0x8D}, dst, base, disp)
}

func (a *assembler) callReg(r reg) {
	a.rr(false, false, []byte{0xFF}, 2, r)
}

func (a *assembler) callLabel(l label) {
	a.emitByte(0xE8)
	a.rel32(l)
}

func (a *assembler) jmp(l label) {
	a.emitByte(0xE9)
	a.rel32(l)
}

func (a *assembler) jcc(cc byte, l label) {
	a.emitBytes(0x0F, 0x80|cc)
	a.rel32(l)
}

func (a *assembler) leave() { a.emitByte(0xC9) }

func (a *assembler) ret() { a.emitByte(0xC3) }

// load emits a zero- or sign-extending load of size bytes.
func (a *assembler) load(dst, base reg, disp int32, size uint8, signed bool) {
	switch {
	case size == 1 && signed:
		a.rm(true, false, []byte{0x0F, 0xBE}, dst, base, disp)
	case size == 2 && signed:
		a.rm(true, false, []byte{0x0F, 0xBF}, dst, base, disp)
	case size == 4 && signed:
		a.rm(true, false, []byte{0x63}, dst, base, disp)
	case size == 1:
		a.rm(false, false, []byte{0x0F, 0xB6}, dst, base, disp)
	case size == 2:
		a.rm(false, false, []byte{0x0F, 0xB7}, dst, base, disp)
	case size == 4:
		a.rm(false, false, []byte{0x8B}, dst, base, disp)
	default:
		a.rm(true, false, []byte{0x8B}, dst, base, disp)
	}
}

// store emits a store of the low size bytes of src.
func (a *assembler) store(base reg, disp int32, src reg, size uint8) {
	switch size {
	case 1:
		a.rm(false, isByteLow(src), []byte{0x88}, src, base, disp)
	case 2:
		a.emitByte(0x66)
		a.rm(false, false, []byte{0x89}, src, base, disp)
	case 4:
		a.rm(false, false, []byte{0x89}, src, base, disp)
	default:
		a.rm(true, false, []byte{0x89}, src, base, disp)
	}
}

// storeImm emits a store of an immediate; 8-byte stores sign-extend imm.
func (a *assembler) storeImm(base reg, disp int32, imm int32, size uint8) {
	switch size {
	case 1:
		a.rm(false, false, []byte{0xC6}, 0, base, disp)
		a.emitByte(byte(imm))
	case 2:
		a.emitByte(0x66)
		a.rm(false, false, []byte{0xC7}, 0, base, disp)
		a.emitU16(uint16(imm))
	case 4:
		a.rm(false, false, []byte{0xC7}, 0, base, disp)
		a.emitU32(uint32(imm))
	default:
		a.rm(true, false, []byte{0xC7}, 0, base, disp)
		a.emitU32(uint32(imm))
	}
}
