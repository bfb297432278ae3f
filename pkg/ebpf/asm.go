package ebpf

// Instruction builders. Register arguments are register numbers 0-10.

// Mov64Imm encodes dst = imm (sign-extended).
func Mov64Imm(dst uint8, imm int32) Instruction {
	return Encode(OpMov64Imm, dst, 0, 0, imm)
}

// Mov64Reg encodes dst = src.
func Mov64Reg(dst, src uint8) Instruction {
	return Encode(OpMov64Reg, dst, src, 0, 0)
}

// Mov32Imm encodes dst = uint32(imm).
func Mov32Imm(dst uint8, imm int32) Instruction {
	return Encode(OpMov32Imm, dst, 0, 0, imm)
}

// Alu64Imm encodes a 64-bit ALU operation with an immediate operand.
func Alu64Imm(aluOp uint8, dst uint8, imm int32) Instruction {
	return Encode(ClassAlu64|SrcK|aluOp, dst, 0, 0, imm)
}

// Alu64Reg encodes a 64-bit ALU operation with a register operand.
func Alu64Reg(aluOp uint8, dst, src uint8) Instruction {
	return Encode(ClassAlu64|SrcX|aluOp, dst, src, 0, 0)
}

// Alu32Imm encodes a 32-bit ALU operation with an immediate operand.
func Alu32Imm(aluOp uint8, dst uint8, imm int32) Instruction {
	return Encode(ClassAlu|SrcK|aluOp, dst, 0, 0, imm)
}

// Alu32Reg encodes a 32-bit ALU operation with a register operand.
func Alu32Reg(aluOp uint8, dst, src uint8) Instruction {
	return Encode(ClassAlu|SrcX|aluOp, dst, src, 0, 0)
}

// Lddw encodes dst = v using the two-slot wide load.
func Lddw(dst uint8, v uint64) [2]Instruction {
	return [2]Instruction{
		Encode(OpLddw, dst, 0, 0, int32(uint32(v))),
		Encode(0, 0, 0, 0, int32(uint32(v>>32))),
	}
}

// LddwPseudo encodes an LDDW pseudo instruction of the given kind.
func LddwPseudo(dst uint8, kind uint8, imm int32, next int32) [2]Instruction {
	return [2]Instruction{
		Encode(OpLddw, dst, kind, 0, imm),
		Encode(0, 0, 0, 0, next),
	}
}

// Ldx encodes dst = *(size *)(src + off).
func Ldx(size uint8, dst, src uint8, off int16) Instruction {
	return Encode(ClassLdx|ModeMem|size, dst, src, off, 0)
}

// Ldxs encodes a sign-extending load.
func Ldxs(size uint8, dst, src uint8, off int16) Instruction {
	return Encode(ClassLdx|ModeMemSX|size, dst, src, off, 0)
}

// Stx encodes *(size *)(dst + off) = src.
func Stx(size uint8, dst, src uint8, off int16) Instruction {
	return Encode(ClassStx|ModeMem|size, dst, src, off, 0)
}

// St encodes *(size *)(dst + off) = imm.
func St(size uint8, dst uint8, off int16, imm int32) Instruction {
	return Encode(ClassSt|ModeMem|size, dst, 0, off, imm)
}

// Atomic encodes an atomic operation on *(size *)(dst + off) with src.
func Atomic(size uint8, op int32, dst, src uint8, off int16) Instruction {
	return Encode(ClassStx|ModeAtomic|size, dst, src, off, op)
}

// JmpImm encodes a conditional 64-bit jump against an immediate.
func JmpImm(jmpOp uint8, dst uint8, imm int32, off int16) Instruction {
	return Encode(ClassJmp|SrcK|jmpOp, dst, 0, off, imm)
}

// JmpReg encodes a conditional 64-bit jump against a register.
func JmpReg(jmpOp uint8, dst, src uint8, off int16) Instruction {
	return Encode(ClassJmp|SrcX|jmpOp, dst, src, off, 0)
}

// Jmp32Imm encodes a conditional 32-bit jump against an immediate.
func Jmp32Imm(jmpOp uint8, dst uint8, imm int32, off int16) Instruction {
	return Encode(ClassJmp32|SrcK|jmpOp, dst, 0, off, imm)
}

// Jmp32Reg encodes a conditional 32-bit jump against a register.
func Jmp32Reg(jmpOp uint8, dst, src uint8, off int16) Instruction {
	return Encode(ClassJmp32|SrcX|jmpOp, dst, src, off, 0)
}

// Ja encodes an unconditional jump.
func Ja(off int16) Instruction {
	return Encode(OpJa, 0, 0, off, 0)
}

// Call encodes a call to external helper idx.
func Call(idx int32) Instruction {
	return Encode(OpCall, 0, CallHelper, 0, idx)
}

// CallLocal encodes a bpf-to-bpf call to pc+off+1.
func CallLocal(off int32) Instruction {
	return Encode(OpCall, 0, PseudoCall, 0, off)
}

// Exit encodes a return of r0.
func Exit() Instruction {
	return Encode(OpExit, 0, 0, 0, 0)
}

// Assemble flattens instructions and two-slot LDDW pairs into one stream.
// Elements must be Instruction or [2]Instruction.
func Assemble(parts ...interface{}) []Instruction {
	out := make([]Instruction, 0, len(parts)+4)
	for _, p := range parts {
		switch v := p.(type) {
		case Instruction:
			out = append(out, v)
		case [2]Instruction:
			out = append(out, v[0], v[1])
		case []Instruction:
			out = append(out, v...)
		default:
			panic("ebpf: Assemble expects Instruction or [2]Instruction")
		}
	}
	return out
}
