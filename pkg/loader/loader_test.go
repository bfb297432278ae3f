package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/bpfjit/internal/nativehelper"
	"github.com/fortiblox/bpfjit/pkg/ebpf"
)

type testSection struct {
	name    string
	typ     uint32
	flags   uint64
	data    []byte
	link    uint32
	info    uint32
	entsize uint64
}

type testSymbol struct {
	name  string
	info  uint8
	shndx uint16
	value uint64
}

// buildELF lays out a relocatable BPF object. Section i of secs gets index
// i+1; the section name table is appended last.
func buildELF(machine uint16, secs []testSection) []byte {
	var shstr bytes.Buffer
	shstr.WriteByte(0)
	nameOff := func(name string) uint32 {
		off := uint32(shstr.Len())
		shstr.WriteString(name)
		shstr.WriteByte(0)
		return off
	}

	var body bytes.Buffer
	body.Write(make([]byte, 64))
	type placed struct {
		testSection
		nameOff uint32
		offset  uint64
	}
	all := make([]placed, 0, len(secs)+2)
	all = append(all, placed{})
	for _, s := range secs {
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
		all = append(all, placed{testSection: s, nameOff: nameOff(s.name), offset: uint64(body.Len())})
		body.Write(s.data)
	}
	strIdx := len(all)
	shstrOff := nameOff(".shstrtab")
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}
	all = append(all, placed{
		testSection: testSection{name: ".shstrtab", typ: 3, data: shstr.Bytes()},
		nameOff:     shstrOff,
		offset:      uint64(body.Len()),
	})
	body.Write(shstr.Bytes())
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}

	shoff := uint64(body.Len())
	for _, s := range all {
		var sh [64]byte
		binary.LittleEndian.PutUint32(sh[0:], s.nameOff)
		binary.LittleEndian.PutUint32(sh[4:], s.typ)
		binary.LittleEndian.PutUint64(sh[8:], s.flags)
		binary.LittleEndian.PutUint64(sh[24:], s.offset)
		binary.LittleEndian.PutUint64(sh[32:], uint64(len(s.data)))
		binary.LittleEndian.PutUint32(sh[40:], s.link)
		binary.LittleEndian.PutUint32(sh[44:], s.info)
		binary.LittleEndian.PutUint64(sh[56:], s.entsize)
		body.Write(sh[:])
	}

	out := body.Bytes()
	copy(out[0:4], elfMagic)
	out[4] = elfClass64
	out[5] = elfDataLSB
	out[6] = 1
	binary.LittleEndian.PutUint16(out[16:], elfTypeRel)
	binary.LittleEndian.PutUint16(out[18:], machine)
	binary.LittleEndian.PutUint64(out[40:], shoff)
	binary.LittleEndian.PutUint16(out[52:], 64)
	binary.LittleEndian.PutUint16(out[58:], 64)
	binary.LittleEndian.PutUint16(out[60:], uint16(len(all)))
	binary.LittleEndian.PutUint16(out[62:], uint16(strIdx))
	return out
}

func code(insns ...interface{}) []byte {
	return ebpf.NewProgram(ebpf.Assemble(insns...)).Bytes()
}

func symtab(syms []testSymbol) (tab, str []byte) {
	var t, s bytes.Buffer
	s.WriteByte(0)
	t.Write(make([]byte, 24))
	for _, sym := range syms {
		var e [24]byte
		if sym.name != "" {
			binary.LittleEndian.PutUint32(e[0:], uint32(s.Len()))
			s.WriteString(sym.name)
			s.WriteByte(0)
		}
		e[4] = sym.info
		binary.LittleEndian.PutUint16(e[6:], sym.shndx)
		binary.LittleEndian.PutUint64(e[8:], sym.value)
		t.Write(e[:])
	}
	return t.Bytes(), s.Bytes()
}

func rel(entries ...[3]uint64) []byte {
	var b bytes.Buffer
	for _, e := range entries {
		var r [16]byte
		binary.LittleEndian.PutUint64(r[0:], e[0])
		binary.LittleEndian.PutUint64(r[8:], e[1]<<32|e[2])
		b.Write(r[:])
	}
	return b.Bytes()
}

// Section indices of sampleObject.
const (
	secProg = 1 + iota
	secText
	secMaps
	secData
	secRel
	secSymtab
	secStrtab
)

func sampleObject(machine uint16) []byte {
	tab, str := symtab([]testSymbol{
		{"prog", 0x12, secProg, 0},
		{"counters", 0x11, secMaps, 0},
		{"other", 0x11, secMaps, 8},
		{"helper", 0x12, secText, 16},
		{"pad", 0x12, secText, 0},
		{"", 0x03, secData, 0},
	})
	return buildELF(machine, []testSection{
		{name: "xdp", typ: shtProgbits, flags: 0x6, data: code(
			ebpf.Lddw(1, 0),
			ebpf.Lddw(2, 4),
			ebpf.CallLocal(-1),
			ebpf.Exit(),
		)},
		{name: ".text", typ: shtProgbits, flags: 0x6, data: code(
			ebpf.Mov64Imm(0, 0), ebpf.Exit(),
			ebpf.Mov64Imm(0, 7), ebpf.Exit(),
		)},
		{name: "maps", typ: shtProgbits, flags: 0x3, data: make([]byte, 16)},
		{name: ".data", typ: shtProgbits, flags: 0x3, data: make([]byte, 8)},
		{name: ".relxdp", typ: shtRel, link: secSymtab, info: secProg, entsize: 16, data: rel(
			[3]uint64{0, 2, rBPF64_64},
			[3]uint64{16, 6, rBPF64_64},
			[3]uint64{32, 4, rBPF64_32},
		)},
		{name: ".symtab", typ: shtSymtab, link: secStrtab, entsize: 24, data: tab},
		{name: ".strtab", typ: 3, data: str},
	})
}

func TestLoad(t *testing.T) {
	c, err := Load(sampleObject(elfMachineBPF))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	wantMaps := []Map{
		{Name: "counters", Index: 0},
		{Name: "other", Index: 1},
		{Name: ".data", Index: 2, Data: true},
	}
	if len(c.Maps) != len(wantMaps) {
		t.Fatalf("Maps = %+v, want %+v", c.Maps, wantMaps)
	}
	for i, m := range wantMaps {
		if c.Maps[i] != m {
			t.Errorf("Maps[%d] = %+v, want %+v", i, c.Maps[i], m)
		}
	}

	p, err := c.Program("")
	if err != nil {
		t.Fatalf("Program failed: %v", err)
	}
	if p.Name != "prog" || p.Section != "xdp" {
		t.Errorf("program = %s/%s, want prog/xdp", p.Name, p.Section)
	}
	if len(p.Insns) != 10 {
		t.Fatalf("len(Insns) = %d, want 10 (program plus .text)", len(p.Insns))
	}

	if got := p.Insns[0]; got.Src() != ebpf.PseudoMapIdx || got.Imm() != 0 || got.Dst() != 1 {
		t.Errorf("map lddw = src %d imm %d, want src %d imm 0", got.Src(), got.Imm(), ebpf.PseudoMapIdx)
	}
	if got := p.Insns[2]; got.Src() != ebpf.PseudoMapIdxValue || got.Imm() != 2 {
		t.Errorf("data lddw = src %d imm %d, want src %d imm 2", got.Src(), got.Imm(), ebpf.PseudoMapIdxValue)
	}
	if got := p.Insns[3].Imm(); got != 4 {
		t.Errorf("data offset = %d, want 4", got)
	}
	if got := p.Insns[4].Imm(); got != 3 {
		t.Errorf("call offset = %d, want 3", got)
	}

	r0, err := ebpf.NewInterpreter(p.Insns, nativehelper.InterpreterOpts()).Run(nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if r0 != 7 {
		t.Errorf("r0 = %d, want 7", r0)
	}

	if _, err := c.Program("xdp"); err != nil {
		t.Errorf("Program(section) failed: %v", err)
	}
	if _, err := c.Program("missing"); !errors.Is(err, ErrNoProgram) {
		t.Errorf("Program(missing) error = %v, want ErrNoProgram", err)
	}
}

func TestValidateHeader(t *testing.T) {
	tests := []struct {
		name    string
		header  *header
		wantErr error
	}{
		{"valid", &header{Class: elfClass64, Data: elfDataLSB, Machine: elfMachineBPF, Type: elfTypeRel}, nil},
		{"invalid class", &header{Class: 1, Data: elfDataLSB, Machine: elfMachineBPF, Type: elfTypeRel}, ErrUnsupportedClass},
		{"invalid endianness", &header{Class: elfClass64, Data: 2, Machine: elfMachineBPF, Type: elfTypeRel}, ErrUnsupportedEndian},
		{"invalid machine", &header{Class: elfClass64, Data: elfDataLSB, Machine: 62, Type: elfTypeRel}, ErrUnsupportedMachine},
		{"executable", &header{Class: elfClass64, Data: elfDataLSB, Machine: elfMachineBPF, Type: 2}, ErrInvalidELF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateHeader(tt.header)
			if tt.wantErr == nil && err != nil {
				t.Errorf("validateHeader() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("validateHeader() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRejects(t *testing.T) {
	if _, err := Load([]byte("not an elf")); !errors.Is(err, ErrInvalidELF) {
		t.Errorf("Load(garbage) error = %v, want ErrInvalidELF", err)
	}
	if _, err := Load(sampleObject(62)); !errors.Is(err, ErrUnsupportedMachine) {
		t.Errorf("Load(x86) error = %v, want ErrUnsupportedMachine", err)
	}
	truncated := sampleObject(elfMachineBPF)
	if _, err := Load(truncated[:len(truncated)-10]); !errors.Is(err, ErrInvalidELF) {
		t.Errorf("Load(truncated) error = %v, want ErrInvalidELF", err)
	}
}

func TestLoadRaw(t *testing.T) {
	raw := code(ebpf.Mov64Imm(0, 42), ebpf.Exit())
	if IsELF(raw) {
		t.Error("raw instructions detected as ELF")
	}
	if !IsELF(sampleObject(elfMachineBPF)) {
		t.Error("object not detected as ELF")
	}
	c, err := LoadRaw("answer", raw)
	if err != nil {
		t.Fatalf("LoadRaw failed: %v", err)
	}
	p, err := c.Program("answer")
	if err != nil {
		t.Fatalf("Program failed: %v", err)
	}
	if len(p.Insns) != 2 {
		t.Errorf("len(Insns) = %d, want 2", len(p.Insns))
	}
	if _, err := LoadRaw("bad", raw[:5]); !errors.Is(err, ebpf.ErrMisalignedBytes) {
		t.Errorf("LoadRaw(misaligned) error = %v, want ErrMisalignedBytes", err)
	}
}
