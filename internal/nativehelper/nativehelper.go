// Package nativehelper provides a small set of C helper functions with the
// eBPF calling convention, along with Go equivalents for the interpreter.
// They back the command line tool and the native execution tests.
package nativehelper

import (
	"github.com/fortiblox/bpfjit/pkg/ebpf"
)

// Helper indices bound by Bind.
const (
	HelperSum5          = 1
	HelperKtimeGetNS    = 5
	HelperTracePrintk   = 6
	HelperGetPrandomU32 = 7
)

// Addrs holds the native addresses of the helpers. All fields are zero when
// cgo is unavailable.
type Addrs struct {
	Sum5          uintptr
	KtimeGetNS    uintptr
	GetPrandomU32 uintptr
	TracePrintk   uintptr

	MapByFD  uintptr
	MapByIdx uintptr
	MapVal   uintptr
	CodeAddr uintptr
	VarAddr  uintptr
}

// Addresses returns the native helper addresses.
func Addresses() Addrs {
	return addrs()
}

// Bind attaches every native helper to prog, including the LDDW resolvers.
func Bind(prog *ebpf.Program) error {
	a := addrs()
	for idx, addr := range map[int]uintptr{
		HelperSum5:          a.Sum5,
		HelperKtimeGetNS:    a.KtimeGetNS,
		HelperTracePrintk:   a.TracePrintk,
		HelperGetPrandomU32: a.GetPrandomU32,
	} {
		if addr == 0 {
			continue
		}
		if err := prog.SetExtFunc(idx, addr); err != nil {
			return err
		}
	}
	prog.Lddw = ebpf.LddwHelpers{
		MapByFD:  a.MapByFD,
		MapByIdx: a.MapByIdx,
		MapVal:   a.MapVal,
		CodeAddr: a.CodeAddr,
		VarAddr:  a.VarAddr,
	}
	return nil
}

// InterpreterOpts returns interpreter options whose deterministic helpers
// match the native ones. Time and randomness helpers are not included.
func InterpreterOpts() ebpf.InterpreterOpts {
	return ebpf.InterpreterOpts{
		Helpers: map[int32]ebpf.HelperFunc{
			HelperSum5: func(r1, r2, r3, r4, r5 uint64) uint64 {
				return r1 + r2 + r3 + r4 + r5
			},
		},
		Lddw: ebpf.LddwFuncs{
			MapByFD:  func(fd uint32) uint64 { return 0x100000000 + uint64(fd) },
			MapByIdx: func(idx uint32) uint64 { return 0x200000000 + uint64(idx) },
			MapVal:   func(m uint64) uint64 { return m + 0x1000 },
			CodeAddr: func(off uint32) uint64 { return 0x300000000 + uint64(off) },
			VarAddr:  func(idx uint32) uint64 { return 0x400000000 + uint64(idx) },
		},
	}
}
