// Package loader extracts eBPF programs from relocatable ELF objects as
// produced by clang -target bpf.
//
// Each executable section is one program. Map references are rewritten to
// LDDW pseudo instructions indexing the object's maps, and calls into .text
// subprograms are resolved by appending .text to the calling program.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fortiblox/bpfjit/pkg/ebpf"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

const (
	elfClass64 = 2
	elfDataLSB = 1

	elfMachineBPF = 247

	elfTypeRel = 1
)

// Section types.
const (
	shtProgbits = 1
	shtSymtab   = 2
	shtRela     = 4
	shtNobits   = 8
	shtRel      = 9
)

const shfExecInstr = 0x4

// Symbol types.
const (
	sttFunc    = 2
	sttSection = 3
)

// Relocation types.
const (
	rBPF64_64    = 1  // lddw immediate
	rBPF64_ABS64 = 2  // data
	rBPF64_32    = 10 // call immediate
)

// Errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF)")
	ErrInvalidSection     = errors.New("invalid section")
	ErrRelocation         = errors.New("unsupported relocation")
	ErrNoProgram          = errors.New("program not found")
	ErrTooLarge           = errors.New("ELF file too large")
)

// Limits.
const (
	MaxELFSize     = 64 * 1024 * 1024
	MaxSections    = 4096
	MaxSymbols     = 1 << 20
	MaxRelocations = 1 << 20
)

type header struct {
	Class     uint8
	Data      uint8
	Type      uint16
	Machine   uint16
	SHOff     uint64
	SHEntSize uint16
	SHNum     uint16
	SHStrNdx  uint16
}

type section struct {
	Name    string
	NameOff uint32
	Type    uint32
	Flags   uint64
	Offset  uint64
	Size    uint64
	Link    uint32
	Info    uint32
	EntSize uint64
}

type symbol struct {
	Name  string
	Info  uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

func (s symbol) kind() uint8 { return s.Info & 0xf }

type reloc struct {
	Offset uint64
	Sym    uint32
	Type   uint32
}

// Map is a map or global data section referenced by the programs. Its
// index is the LDDW immediate used to reference it.
type Map struct {
	Name  string
	Index int

	// Data is set for global data sections, referenced as map values.
	Data bool
}

// Program is one program section.
type Program struct {
	Name    string
	Section string
	Insns   []ebpf.Instruction
}

// Collection is the content of one object file.
type Collection struct {
	Programs []*Program
	Maps     []Map
}

// Program returns the program whose name or section is name. An empty
// name selects the only program of a single-program object.
func (c *Collection) Program(name string) (*Program, error) {
	if name == "" {
		if len(c.Programs) == 1 {
			return c.Programs[0], nil
		}
		return nil, fmt.Errorf("%w: object has %d programs, pick one", ErrNoProgram, len(c.Programs))
	}
	for _, p := range c.Programs {
		if p.Name == name || p.Section == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProgram, name)
}

type file struct {
	data     []byte
	sections []section
	symbols  []symbol
	maps     map[string]int // map symbol or data section name to index
	list     []Map
}

// Load parses an ELF object.
func Load(data []byte) (*Collection, error) {
	if len(data) > MaxELFSize {
		return nil, ErrTooLarge
	}
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(h); err != nil {
		return nil, err
	}
	f := &file{data: data, maps: make(map[string]int)}
	if f.sections, err = parseSections(data, h); err != nil {
		return nil, err
	}
	for i := range f.sections {
		if f.sections[i].Type == shtSymtab {
			if f.symbols, err = f.parseSymbols(&f.sections[i]); err != nil {
				return nil, err
			}
			break
		}
	}
	f.collectMaps()

	text := -1
	for i, s := range f.sections {
		if s.Name == ".text" && s.Flags&shfExecInstr != 0 {
			text = i
		}
	}

	c := &Collection{Maps: f.list}
	for i, s := range f.sections {
		if s.Flags&shfExecInstr == 0 || s.Size == 0 || i == text {
			continue
		}
		p, err := f.program(i, text)
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", s.Name, err)
		}
		c.Programs = append(c.Programs, p)
	}
	// A .text-only object is a program of its own.
	if len(c.Programs) == 0 && text >= 0 && f.sections[text].Size > 0 {
		p, err := f.program(text, -1)
		if err != nil {
			return nil, fmt.Errorf("section .text: %w", err)
		}
		c.Programs = append(c.Programs, p)
	}
	if len(c.Programs) == 0 {
		return nil, fmt.Errorf("%w: no executable sections", ErrNoProgram)
	}
	return c, nil
}

func parseHeader(data []byte) (*header, error) {
	if len(data) < 64 || !bytes.Equal(data[0:4], elfMagic) {
		return nil, ErrInvalidELF
	}
	return &header{
		Class:     data[4],
		Data:      data[5],
		Type:      binary.LittleEndian.Uint16(data[16:18]),
		Machine:   binary.LittleEndian.Uint16(data[18:20]),
		SHOff:     binary.LittleEndian.Uint64(data[40:48]),
		SHEntSize: binary.LittleEndian.Uint16(data[58:60]),
		SHNum:     binary.LittleEndian.Uint16(data[60:62]),
		SHStrNdx:  binary.LittleEndian.Uint16(data[62:64]),
	}, nil
}

func validateHeader(h *header) error {
	if h.Class != elfClass64 {
		return ErrUnsupportedClass
	}
	if h.Data != elfDataLSB {
		return ErrUnsupportedEndian
	}
	if h.Machine != elfMachineBPF {
		return ErrUnsupportedMachine
	}
	if h.Type != elfTypeRel {
		return fmt.Errorf("%w: ELF type %d is not relocatable", ErrInvalidELF, h.Type)
	}
	return nil
}

func parseSections(data []byte, h *header) ([]section, error) {
	if h.SHNum == 0 || h.SHNum > MaxSections {
		return nil, fmt.Errorf("%w: %d sections", ErrInvalidELF, h.SHNum)
	}
	if h.SHEntSize < 64 {
		return nil, fmt.Errorf("%w: section header size %d", ErrInvalidELF, h.SHEntSize)
	}
	end := h.SHOff + uint64(h.SHEntSize)*uint64(h.SHNum)
	if end < h.SHOff || end > uint64(len(data)) {
		return nil, ErrInvalidELF
	}

	sections := make([]section, h.SHNum)
	for i := range sections {
		off := h.SHOff + uint64(i)*uint64(h.SHEntSize)
		b := data[off : off+64]
		sections[i] = section{
			NameOff: binary.LittleEndian.Uint32(b[0:4]),
			Type:    binary.LittleEndian.Uint32(b[4:8]),
			Flags:   binary.LittleEndian.Uint64(b[8:16]),
			Offset:  binary.LittleEndian.Uint64(b[24:32]),
			Size:    binary.LittleEndian.Uint64(b[32:40]),
			Link:    binary.LittleEndian.Uint32(b[40:44]),
			Info:    binary.LittleEndian.Uint32(b[44:48]),
			EntSize: binary.LittleEndian.Uint64(b[56:64]),
		}
	}

	if int(h.SHStrNdx) >= len(sections) {
		return nil, ErrInvalidSection
	}
	strtab, err := sectionData(data, &sections[h.SHStrNdx])
	if err != nil {
		return nil, err
	}
	for i := range sections {
		sections[i].Name = cString(strtab, sections[i].NameOff)
	}
	return sections, nil
}

func sectionData(data []byte, s *section) ([]byte, error) {
	if s.Type == shtNobits {
		return nil, nil
	}
	end := s.Offset + s.Size
	if end < s.Offset || end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %s extends past end of file", ErrInvalidSection, s.Name)
	}
	return data[s.Offset:end], nil
}

func cString(tab []byte, off uint32) string {
	if off >= uint32(len(tab)) {
		return ""
	}
	end := bytes.IndexByte(tab[off:], 0)
	if end == -1 {
		end = len(tab) - int(off)
	}
	return string(tab[off : off+uint32(end)])
}

func (f *file) parseSymbols(s *section) ([]symbol, error) {
	raw, err := sectionData(f.data, s)
	if err != nil {
		return nil, err
	}
	if int(s.Link) >= len(f.sections) {
		return nil, ErrInvalidSection
	}
	strtab, err := sectionData(f.data, &f.sections[s.Link])
	if err != nil {
		return nil, err
	}
	n := uint64(len(raw)) / 24
	if n > MaxSymbols {
		return nil, fmt.Errorf("%w: too many symbols", ErrInvalidELF)
	}
	symbols := make([]symbol, n)
	for i := range symbols {
		b := raw[i*24 : i*24+24]
		symbols[i] = symbol{
			Name:  cString(strtab, binary.LittleEndian.Uint32(b[0:4])),
			Info:  b[4],
			Shndx: binary.LittleEndian.Uint16(b[6:8]),
			Value: binary.LittleEndian.Uint64(b[8:16]),
			Size:  binary.LittleEndian.Uint64(b[16:24]),
		}
		if symbols[i].kind() == sttSection && int(symbols[i].Shndx) < len(f.sections) {
			symbols[i].Name = f.sections[symbols[i].Shndx].Name
		}
	}
	return symbols, nil
}

func isMapSection(name string) bool {
	return name == "maps" || name == ".maps" || strings.HasPrefix(name, "maps/")
}

func isDataSection(name string) bool {
	return name == ".data" || name == ".bss" || name == ".rodata" ||
		strings.HasPrefix(name, ".data.") || strings.HasPrefix(name, ".rodata.") ||
		strings.HasPrefix(name, ".bss.")
}

// collectMaps numbers the map symbols by address, then the data sections
// in section order.
func (f *file) collectMaps() {
	var defs []symbol
	for _, sym := range f.symbols {
		if sym.Name == "" || int(sym.Shndx) >= len(f.sections) || sym.kind() == sttSection {
			continue
		}
		if isMapSection(f.sections[sym.Shndx].Name) {
			defs = append(defs, sym)
		}
	}
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Shndx != defs[j].Shndx {
			return defs[i].Shndx < defs[j].Shndx
		}
		return defs[i].Value < defs[j].Value
	})
	for _, sym := range defs {
		f.addMap(sym.Name, false)
	}
	for _, s := range f.sections {
		if isDataSection(s.Name) && (s.Type == shtProgbits || s.Type == shtNobits) {
			f.addMap(s.Name, true)
		}
	}
}

func (f *file) addMap(name string, data bool) {
	if _, dup := f.maps[name]; dup {
		return
	}
	f.maps[name] = len(f.list)
	f.list = append(f.list, Map{Name: name, Index: len(f.list), Data: data})
}

// relocations returns the relocations that apply to section idx.
func (f *file) relocations(idx int) ([]reloc, error) {
	var out []reloc
	for i := range f.sections {
		s := &f.sections[i]
		if (s.Type != shtRel && s.Type != shtRela) || int(s.Info) != idx {
			continue
		}
		raw, err := sectionData(f.data, s)
		if err != nil {
			return nil, err
		}
		size := uint64(16)
		if s.Type == shtRela {
			size = 24
		}
		if s.EntSize > size {
			size = s.EntSize
		}
		n := uint64(len(raw)) / size
		if n > MaxRelocations {
			return nil, fmt.Errorf("%w: too many relocations", ErrInvalidELF)
		}
		for j := uint64(0); j < n; j++ {
			b := raw[j*size:]
			info := binary.LittleEndian.Uint64(b[8:16])
			out = append(out, reloc{
				Offset: binary.LittleEndian.Uint64(b[0:8]),
				Sym:    uint32(info >> 32),
				Type:   uint32(info),
			})
		}
	}
	return out, nil
}

func (f *file) instructions(idx int) ([]ebpf.Instruction, error) {
	raw, err := sectionData(f.data, &f.sections[idx])
	if err != nil {
		return nil, err
	}
	insns, err := ebpf.ParseInstructions(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSection, err)
	}
	return insns, nil
}

func (f *file) programName(idx int) string {
	for _, sym := range f.symbols {
		if int(sym.Shndx) == idx && sym.kind() == sttFunc && sym.Value == 0 && sym.Name != "" {
			return sym.Name
		}
	}
	return f.sections[idx].Name
}

// program loads section idx, resolving its relocations. text is the index
// of the .text section, or -1.
func (f *file) program(idx, text int) (*Program, error) {
	insns, err := f.instructions(idx)
	if err != nil {
		return nil, err
	}
	p := &Program{Name: f.programName(idx), Section: f.sections[idx].Name}

	textBase := -1
	if err := f.relocate(insns, idx, func() int {
		if textBase < 0 {
			textBase = len(insns)
		}
		return textBase
	}); err != nil {
		return nil, err
	}
	if textBase >= 0 && text >= 0 {
		sub, err := f.instructions(text)
		if err != nil {
			return nil, err
		}
		if err := f.relocate(sub, text, func() int { return 0 }); err != nil {
			return nil, err
		}
		insns = append(insns, sub...)
	}
	p.Insns = insns
	return p, nil
}

// relocate patches insns, the content of section idx. textBase returns the
// position .text will be appended at.
func (f *file) relocate(insns []ebpf.Instruction, idx int, textBase func() int) error {
	relocs, err := f.relocations(idx)
	if err != nil {
		return err
	}
	for _, r := range relocs {
		pc := int(r.Offset / ebpf.InstructionSize)
		if r.Offset%ebpf.InstructionSize != 0 || pc >= len(insns) {
			return fmt.Errorf("%w: offset %d outside section", ErrRelocation, r.Offset)
		}
		if int(r.Sym) >= len(f.symbols) {
			return fmt.Errorf("%w: symbol %d out of range", ErrRelocation, r.Sym)
		}
		sym := f.symbols[r.Sym]
		ins := insns[pc]

		switch r.Type {
		case rBPF64_64:
			if ins.Op() != ebpf.OpLddw || pc+1 >= len(insns) {
				return fmt.Errorf("%w: map reference at %d is not an lddw", ErrRelocation, pc)
			}
			if err := f.relocateMap(insns, pc, sym); err != nil {
				return err
			}

		case rBPF64_32:
			if ins.Op() != ebpf.OpCall || ins.Src() != ebpf.PseudoCall {
				continue
			}
			target, err := f.callTarget(ins, sym, idx, textBase)
			if err != nil {
				return err
			}
			insns[pc] = ebpf.Encode(ins.Op(), ins.Dst(), ins.Src(), ins.Off(), int32(target-pc-1))

		case rBPF64_ABS64:
			// Data relocations in non-executable sections carry no code.
		default:
			return fmt.Errorf("%w: type %d at %d", ErrRelocation, r.Type, pc)
		}
	}
	return nil
}

func (f *file) relocateMap(insns []ebpf.Instruction, pc int, sym symbol) error {
	ins := insns[pc]
	if int(sym.Shndx) >= len(f.sections) {
		return fmt.Errorf("%w: map symbol %s is undefined", ErrRelocation, sym.Name)
	}
	secName := f.sections[sym.Shndx].Name

	if isMapSection(secName) {
		m, ok := f.maps[sym.Name]
		if !ok {
			return fmt.Errorf("%w: unknown map %s", ErrRelocation, sym.Name)
		}
		insns[pc] = ebpf.Encode(ebpf.OpLddw, ins.Dst(), ebpf.PseudoMapIdx, 0, int32(m))
		insns[pc+1] = ebpf.Encode(0, 0, 0, 0, 0)
		return nil
	}
	if isDataSection(secName) {
		m := f.maps[secName]
		off := int64(ins.Imm())
		if sym.kind() != sttSection {
			off += int64(sym.Value)
		}
		insns[pc] = ebpf.Encode(ebpf.OpLddw, ins.Dst(), ebpf.PseudoMapIdxValue, 0, int32(m))
		insns[pc+1] = ebpf.Encode(0, 0, 0, 0, int32(off))
		return nil
	}
	return fmt.Errorf("%w: lddw of %s in section %s", ErrRelocation, sym.Name, secName)
}

// callTarget returns the instruction index a bpf-to-bpf call lands on in
// the linked program. The callee is the symbol offset plus imm+1 slots.
func (f *file) callTarget(ins ebpf.Instruction, sym symbol, idx int, textBase func() int) (int, error) {
	rel := int(sym.Value/ebpf.InstructionSize) + int(ins.Imm()) + 1
	switch {
	case int(sym.Shndx) == idx:
		return rel, nil
	case int(sym.Shndx) < len(f.sections) && f.sections[sym.Shndx].Name == ".text":
		return textBase() + rel, nil
	}
	return 0, fmt.Errorf("%w: call to %s outside .text", ErrRelocation, sym.Name)
}

// LoadRaw parses a flat instruction stream as a single program.
func LoadRaw(name string, data []byte) (*Collection, error) {
	insns, err := ebpf.ParseInstructions(data)
	if err != nil {
		return nil, err
	}
	return &Collection{Programs: []*Program{{Name: name, Section: "raw", Insns: insns}}}, nil
}

// IsELF reports whether data starts with the ELF magic.
func IsELF(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], elfMagic)
}
