package ebpf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// InstructionSize is the size of one encoded instruction in bytes.
const InstructionSize = 8

// MaxExtFuncs is the number of external helper slots a program can bind.
const MaxExtFuncs = 8192

// Program errors.
var (
	ErrEmptyProgram    = errors.New("empty program")
	ErrMisalignedBytes = errors.New("program bytes are not a multiple of the instruction size")
	ErrHelperIndex     = errors.New("helper index out of range")
)

// LddwHelpers holds the native addresses of the helpers used to resolve
// LDDW pseudo instructions. A zero address means the capability is absent.
type LddwHelpers struct {
	MapByFD  uintptr // uint64 map_by_fd(uint32 fd)
	MapByIdx uintptr // uint64 map_by_idx(uint32 idx)
	MapVal   uintptr // uint64 map_val(uint64 map)
	CodeAddr uintptr // uint64 code_addr(uint32 off)
	VarAddr  uintptr // uint64 var_addr(uint32 idx)
}

// Program is a verified instruction stream together with the native
// helpers it may call. The compiler only borrows it.
type Program struct {
	// Insns are the program instructions; LDDW occupies two slots.
	Insns []Instruction

	// ExtFuncs maps helper index to native address. Zero entries are unbound.
	ExtFuncs []uintptr

	// Lddw holds the LDDW pseudo-instruction resolvers.
	Lddw LddwHelpers
}

// NewProgram creates a program for the given instructions with no helpers.
func NewProgram(insns []Instruction) *Program {
	return &Program{Insns: insns}
}

// Len returns the number of instruction slots.
func (p *Program) Len() int {
	return len(p.Insns)
}

// Bytes returns the raw little-endian encoding of the instructions.
func (p *Program) Bytes() []byte {
	buf := make([]byte, len(p.Insns)*InstructionSize)
	for i, ins := range p.Insns {
		binary.LittleEndian.PutUint64(buf[i*InstructionSize:], uint64(ins))
	}
	return buf
}

// SetExtFunc binds helper index idx to a native address.
func (p *Program) SetExtFunc(idx int, addr uintptr) error {
	if idx < 0 || idx >= MaxExtFuncs {
		return fmt.Errorf("%w: %d", ErrHelperIndex, idx)
	}
	if idx >= len(p.ExtFuncs) {
		grown := make([]uintptr, idx+1)
		copy(grown, p.ExtFuncs)
		p.ExtFuncs = grown
	}
	p.ExtFuncs[idx] = addr
	return nil
}

// ExtFunc returns the native address bound to helper index idx, or zero.
func (p *Program) ExtFunc(idx int) uintptr {
	if idx < 0 || idx >= len(p.ExtFuncs) {
		return 0
	}
	return p.ExtFuncs[idx]
}

// ParseInstructions decodes raw little-endian instruction bytes.
func ParseInstructions(raw []byte) ([]Instruction, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyProgram
	}
	if len(raw)%InstructionSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMisalignedBytes, len(raw))
	}
	insns := make([]Instruction, len(raw)/InstructionSize)
	for i := range insns {
		insns[i] = Instruction(binary.LittleEndian.Uint64(raw[i*InstructionSize:]))
	}
	return insns, nil
}
