// Package symbols derives the symbolic names of a program's external
// helpers and binds them to native addresses.
//
// The same name derivation is used when translating a program (calls are
// emitted by name) and when linking it (names are defined with addresses),
// so the two cannot drift apart.
package symbols

import (
	"sort"
	"strconv"

	"github.com/fortiblox/bpfjit/pkg/ebpf"
)

// EntryName is the name of the exported program entry function.
const EntryName = "bpf_main"

// LDDW helper symbol names.
const (
	LddwMapByFD  = "__lddw_helper_map_by_fd"
	LddwMapByIdx = "__lddw_helper_map_by_idx"
	LddwMapVal   = "__lddw_helper_map_val"
	LddwCodeAddr = "__lddw_helper_code_addr"
	LddwVarAddr  = "__lddw_helper_var_addr"
)

const extFuncPrefix = "ext_func_"

// ExtFuncName returns the symbol name of external helper idx.
func ExtFuncName(idx int) string {
	return extFuncPrefix + strconv.Itoa(idx)
}

// Flags describe how a bound symbol may be used.
type Flags uint8

const (
	Callable Flags = 1 << iota
	Exported
)

// Binding ties a symbol name to a native address.
type Binding struct {
	Name  string
	Addr  uintptr
	Flags Flags
}

// Set is the result of binding a program.
type Set struct {
	// Bindings holds one entry per bound helper, sorted by name.
	Bindings []Binding

	// ExtNames maps helper index to its symbol name for bound helpers.
	ExtNames map[int]string

	// LddwNames lists the LDDW helper names that are bound.
	LddwNames map[string]bool
}

// Bind builds the bindings of prog. A program with no helpers yields an
// empty set.
func Bind(prog *ebpf.Program) *Set {
	s := &Set{
		ExtNames:  make(map[int]string),
		LddwNames: make(map[string]bool),
	}
	for i, addr := range prog.ExtFuncs {
		if addr == 0 {
			continue
		}
		name := ExtFuncName(i)
		s.ExtNames[i] = name
		s.add(name, addr)
	}

	lddw := []struct {
		name string
		addr uintptr
	}{
		{LddwMapByFD, prog.Lddw.MapByFD},
		{LddwMapByIdx, prog.Lddw.MapByIdx},
		{LddwMapVal, prog.Lddw.MapVal},
		{LddwCodeAddr, prog.Lddw.CodeAddr},
		{LddwVarAddr, prog.Lddw.VarAddr},
	}
	for _, h := range lddw {
		if h.addr == 0 {
			continue
		}
		s.LddwNames[h.name] = true
		s.add(h.name, h.addr)
	}

	sort.Slice(s.Bindings, func(i, j int) bool {
		return s.Bindings[i].Name < s.Bindings[j].Name
	})
	return s
}

func (s *Set) add(name string, addr uintptr) {
	s.Bindings = append(s.Bindings, Binding{
		Name:  name,
		Addr:  addr,
		Flags: Callable | Exported,
	})
}
