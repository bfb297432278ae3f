// Package ebpf defines eBPF opcodes, instruction encoding and the program
// container handed to the compiler by the loader.
package ebpf

// Instruction class bits (bits 0-2).
const (
	ClassLd    = 0x00 // Load (only LDDW is used)
	ClassLdx   = 0x01 // Load from memory
	ClassSt    = 0x02 // Store immediate
	ClassStx   = 0x03 // Store register
	ClassAlu   = 0x04 // 32-bit ALU
	ClassJmp   = 0x05 // 64-bit jump
	ClassJmp32 = 0x06 // 32-bit jump
	ClassAlu64 = 0x07 // 64-bit ALU
)

// Source bits (bit 3).
const (
	SrcK = 0x00 // Immediate
	SrcX = 0x08 // Register
)

// ALU operation codes (bits 4-7).
const (
	AluAdd  = 0x00
	AluSub  = 0x10
	AluMul  = 0x20
	AluDiv  = 0x30
	AluOr   = 0x40
	AluAnd  = 0x50
	AluLsh  = 0x60
	AluRsh  = 0x70
	AluNeg  = 0x80
	AluMod  = 0x90
	AluXor  = 0xa0
	AluMov  = 0xb0
	AluArsh = 0xc0
	AluEnd  = 0xd0
)

// Byte swap direction for AluEnd (reuses the source bit).
const (
	EndToLE = 0x00 // convert to little endian
	EndToBE = 0x08 // convert to big endian
)

// Memory size (bits 3-4 for load/store).
const (
	SizeW  = 0x00 // 32-bit word
	SizeH  = 0x08 // 16-bit half-word
	SizeB  = 0x10 // 8-bit byte
	SizeDW = 0x18 // 64-bit double-word
)

// Memory mode (bits 5-7 for load/store).
const (
	ModeImm    = 0x00 // Immediate
	ModeAbs    = 0x20 // Absolute (legacy packet access)
	ModeInd    = 0x40 // Indirect (legacy packet access)
	ModeMem    = 0x60 // Memory
	ModeMemSX  = 0x80 // Sign-extending memory load
	ModeAtomic = 0xc0 // Atomic read-modify-write
)

// Jump operation codes (bits 4-7).
const (
	JmpJa   = 0x00 // Unconditional
	JmpJeq  = 0x10 // ==
	JmpJgt  = 0x20 // > (unsigned)
	JmpJge  = 0x30 // >= (unsigned)
	JmpJset = 0x40 // &
	JmpJne  = 0x50 // !=
	JmpJsgt = 0x60 // > (signed)
	JmpJsge = 0x70 // >= (signed)
	JmpCall = 0x80 // Function call
	JmpExit = 0x90 // Exit
	JmpJlt  = 0xa0 // < (unsigned)
	JmpJle  = 0xb0 // <= (unsigned)
	JmpJslt = 0xc0 // < (signed)
	JmpJsle = 0xd0 // <= (signed)
)

// Atomic operations, carried in the immediate of a ModeAtomic store.
const (
	AtomicAdd     = 0x00
	AtomicOr      = 0x40
	AtomicAnd     = 0x50
	AtomicXor     = 0xa0
	AtomicFetch   = 0x01
	AtomicXchg    = 0xe0 | AtomicFetch
	AtomicCmpXchg = 0xf0 | AtomicFetch
)

// Source register values of LDDW that turn it into a pseudo instruction
// resolved through an LDDW helper.
const (
	PseudoMapFD       = 1 // imm = map fd, dst = map_by_fd(imm)
	PseudoMapValue    = 2 // dst = map_val(map_by_fd(imm)) + next imm
	PseudoVarAddr     = 3 // dst = var_addr(imm)
	PseudoCodeAddr    = 4 // dst = code_addr(imm)
	PseudoMapIdx      = 5 // dst = map_by_idx(imm)
	PseudoMapIdxValue = 6 // dst = map_val(map_by_idx(imm)) + next imm
)

// Source register values of a call instruction.
const (
	CallHelper = 0 // imm is the external helper index
	PseudoCall = 1 // imm is a pc-relative offset to a bpf-to-bpf function
)

// Composed opcodes for 64-bit ALU with immediate.
const (
	OpAdd64Imm  = ClassAlu64 | SrcK | AluAdd  // 0x07
	OpSub64Imm  = ClassAlu64 | SrcK | AluSub  // 0x17
	OpMul64Imm  = ClassAlu64 | SrcK | AluMul  // 0x27
	OpDiv64Imm  = ClassAlu64 | SrcK | AluDiv  // 0x37
	OpOr64Imm   = ClassAlu64 | SrcK | AluOr   // 0x47
	OpAnd64Imm  = ClassAlu64 | SrcK | AluAnd  // 0x57
	OpLsh64Imm  = ClassAlu64 | SrcK | AluLsh  // 0x67
	OpRsh64Imm  = ClassAlu64 | SrcK | AluRsh  // 0x77
	OpNeg64     = ClassAlu64 | AluNeg         // 0x87
	OpMod64Imm  = ClassAlu64 | SrcK | AluMod  // 0x97
	OpXor64Imm  = ClassAlu64 | SrcK | AluXor  // 0xa7
	OpMov64Imm  = ClassAlu64 | SrcK | AluMov  // 0xb7
	OpArsh64Imm = ClassAlu64 | SrcK | AluArsh // 0xc7
	OpBswap64   = ClassAlu64 | AluEnd         // 0xd7
)

// Composed opcodes for 64-bit ALU with register.
const (
	OpAdd64Reg  = ClassAlu64 | SrcX | AluAdd  // 0x0f
	OpSub64Reg  = ClassAlu64 | SrcX | AluSub  // 0x1f
	OpMul64Reg  = ClassAlu64 | SrcX | AluMul  // 0x2f
	OpDiv64Reg  = ClassAlu64 | SrcX | AluDiv  // 0x3f
	OpOr64Reg   = ClassAlu64 | SrcX | AluOr   // 0x4f
	OpAnd64Reg  = ClassAlu64 | SrcX | AluAnd  // 0x5f
	OpLsh64Reg  = ClassAlu64 | SrcX | AluLsh  // 0x6f
	OpRsh64Reg  = ClassAlu64 | SrcX | AluRsh  // 0x7f
	OpMod64Reg  = ClassAlu64 | SrcX | AluMod  // 0x9f
	OpXor64Reg  = ClassAlu64 | SrcX | AluXor  // 0xaf
	OpMov64Reg  = ClassAlu64 | SrcX | AluMov  // 0xbf
	OpArsh64Reg = ClassAlu64 | SrcX | AluArsh // 0xcf
)

// Composed opcodes for 32-bit ALU with immediate.
const (
	OpAdd32Imm  = ClassAlu | SrcK | AluAdd  // 0x04
	OpSub32Imm  = ClassAlu | SrcK | AluSub  // 0x14
	OpMul32Imm  = ClassAlu | SrcK | AluMul  // 0x24
	OpDiv32Imm  = ClassAlu | SrcK | AluDiv  // 0x34
	OpOr32Imm   = ClassAlu | SrcK | AluOr   // 0x44
	OpAnd32Imm  = ClassAlu | SrcK | AluAnd  // 0x54
	OpLsh32Imm  = ClassAlu | SrcK | AluLsh  // 0x64
	OpRsh32Imm  = ClassAlu | SrcK | AluRsh  // 0x74
	OpNeg32     = ClassAlu | AluNeg         // 0x84
	OpMod32Imm  = ClassAlu | SrcK | AluMod  // 0x94
	OpXor32Imm  = ClassAlu | SrcK | AluXor  // 0xa4
	OpMov32Imm  = ClassAlu | SrcK | AluMov  // 0xb4
	OpArsh32Imm = ClassAlu | SrcK | AluArsh // 0xc4
	OpLe        = ClassAlu | EndToLE | AluEnd // 0xd4
	OpBe        = ClassAlu | EndToBE | AluEnd // 0xdc
)

// Composed opcodes for 32-bit ALU with register.
const (
	OpAdd32Reg  = ClassAlu | SrcX | AluAdd  // 0x0c
	OpSub32Reg  = ClassAlu | SrcX | AluSub  // 0x1c
	OpMul32Reg  = ClassAlu | SrcX | AluMul  // 0x2c
	OpDiv32Reg  = ClassAlu | SrcX | AluDiv  // 0x3c
	OpOr32Reg   = ClassAlu | SrcX | AluOr   // 0x4c
	OpAnd32Reg  = ClassAlu | SrcX | AluAnd  // 0x5c
	OpLsh32Reg  = ClassAlu | SrcX | AluLsh  // 0x6c
	OpRsh32Reg  = ClassAlu | SrcX | AluRsh  // 0x7c
	OpMod32Reg  = ClassAlu | SrcX | AluMod  // 0x9c
	OpXor32Reg  = ClassAlu | SrcX | AluXor  // 0xac
	OpMov32Reg  = ClassAlu | SrcX | AluMov  // 0xbc
	OpArsh32Reg = ClassAlu | SrcX | AluArsh // 0xcc
)

// Memory load opcodes.
const (
	OpLdxb  = ClassLdx | ModeMem | SizeB  // 0x71 - load byte
	OpLdxh  = ClassLdx | ModeMem | SizeH  // 0x69 - load half-word
	OpLdxw  = ClassLdx | ModeMem | SizeW  // 0x61 - load word
	OpLdxdw = ClassLdx | ModeMem | SizeDW // 0x79 - load double-word

	OpLdxsb = ClassLdx | ModeMemSX | SizeB // 0x91 - load byte, sign-extend
	OpLdxsh = ClassLdx | ModeMemSX | SizeH // 0x89 - load half-word, sign-extend
	OpLdxsw = ClassLdx | ModeMemSX | SizeW // 0x81 - load word, sign-extend
)

// Memory store immediate opcodes.
const (
	OpStb  = ClassSt | ModeMem | SizeB  // 0x72 - store byte immediate
	OpSth  = ClassSt | ModeMem | SizeH  // 0x6a - store half-word immediate
	OpStw  = ClassSt | ModeMem | SizeW  // 0x62 - store word immediate
	OpStdw = ClassSt | ModeMem | SizeDW // 0x7a - store double-word immediate
)

// Memory store register opcodes.
const (
	OpStxb  = ClassStx | ModeMem | SizeB  // 0x73 - store byte
	OpStxh  = ClassStx | ModeMem | SizeH  // 0x6b - store half-word
	OpStxw  = ClassStx | ModeMem | SizeW  // 0x63 - store word
	OpStxdw = ClassStx | ModeMem | SizeDW // 0x7b - store double-word

	OpAtomicW  = ClassStx | ModeAtomic | SizeW  // 0xc3 - 32-bit atomic
	OpAtomicDW = ClassStx | ModeAtomic | SizeDW // 0xdb - 64-bit atomic
)

// Jump opcodes.
const (
	OpJa      = ClassJmp | JmpJa          // 0x05 - unconditional jump
	OpJeqImm  = ClassJmp | SrcK | JmpJeq  // 0x15
	OpJeqReg  = ClassJmp | SrcX | JmpJeq  // 0x1d
	OpJgtImm  = ClassJmp | SrcK | JmpJgt  // 0x25
	OpJgtReg  = ClassJmp | SrcX | JmpJgt  // 0x2d
	OpJgeImm  = ClassJmp | SrcK | JmpJge  // 0x35
	OpJgeReg  = ClassJmp | SrcX | JmpJge  // 0x3d
	OpJsetImm = ClassJmp | SrcK | JmpJset // 0x45
	OpJsetReg = ClassJmp | SrcX | JmpJset // 0x4d
	OpJneImm  = ClassJmp | SrcK | JmpJne  // 0x55
	OpJneReg  = ClassJmp | SrcX | JmpJne  // 0x5d
	OpJsgtImm = ClassJmp | SrcK | JmpJsgt // 0x65
	OpJsgtReg = ClassJmp | SrcX | JmpJsgt // 0x6d
	OpJsgeImm = ClassJmp | SrcK | JmpJsge // 0x75
	OpJsgeReg = ClassJmp | SrcX | JmpJsge // 0x7d
	OpCall    = ClassJmp | JmpCall        // 0x85 - function call
	OpExit    = ClassJmp | JmpExit        // 0x95 - exit
	OpJltImm  = ClassJmp | SrcK | JmpJlt  // 0xa5
	OpJltReg  = ClassJmp | SrcX | JmpJlt  // 0xad
	OpJleImm  = ClassJmp | SrcK | JmpJle  // 0xb5
	OpJleReg  = ClassJmp | SrcX | JmpJle  // 0xbd
	OpJsltImm = ClassJmp | SrcK | JmpJslt // 0xc5
	OpJsltReg = ClassJmp | SrcX | JmpJslt // 0xcd
	OpJsleImm = ClassJmp | SrcK | JmpJsle // 0xd5
	OpJsleReg = ClassJmp | SrcX | JmpJsle // 0xdd

	OpJa32 = ClassJmp32 | JmpJa // 0x06 - unconditional jump, 32-bit offset in imm
)

// Special opcodes.
const (
	OpLddw = ClassLd | ModeImm | SizeDW // 0x18 - load 64-bit immediate (two slots)
)

// Instruction extracts fields from an encoded instruction.
type Instruction uint64

// Op returns the opcode (bits 0-7).
func (i Instruction) Op() uint8 {
	return uint8(i & 0xFF)
}

// Class returns the instruction class (bits 0-2).
func (i Instruction) Class() uint8 {
	return uint8(i & 0x07)
}

// Dst returns the destination register (bits 8-11).
func (i Instruction) Dst() uint8 {
	return uint8((i >> 8) & 0x0F)
}

// Src returns the source register (bits 12-15).
func (i Instruction) Src() uint8 {
	return uint8((i >> 12) & 0x0F)
}

// Off returns the offset (bits 16-31, signed).
func (i Instruction) Off() int16 {
	return int16(i >> 16)
}

// Imm returns the immediate value (bits 32-63, signed).
func (i Instruction) Imm() int32 {
	return int32(i >> 32)
}

// Uimm returns the immediate value as unsigned.
func (i Instruction) Uimm() uint32 {
	return uint32(i >> 32)
}

// Encode creates an instruction from its components.
func Encode(op uint8, dst, src uint8, off int16, imm int32) Instruction {
	return Instruction(uint64(op) |
		uint64(dst&0x0F)<<8 |
		uint64(src&0x0F)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32)
}

// MemSize returns the access width in bytes encoded by a load/store opcode.
func MemSize(op uint8) int {
	switch op & 0x18 {
	case SizeB:
		return 1
	case SizeH:
		return 2
	case SizeW:
		return 4
	default:
		return 8
	}
}
