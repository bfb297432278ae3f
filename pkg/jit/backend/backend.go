// Package backend holds the registry of code generation targets and the
// process-wide native initialization.
package backend

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/cpu"

	"github.com/fortiblox/bpfjit/pkg/jit/ir"
	"github.com/fortiblox/bpfjit/pkg/jit/object"
)

// GenericCPU is the CPU name used for portable code.
const GenericCPU = "generic"

// Errors.
var (
	ErrUnknownTarget = errors.New("unknown target")
	ErrNoHostTarget  = errors.New("no target for host architecture")
)

// CodegenError reports a failure to produce machine code.
type CodegenError struct {
	Triple string
	Err    error
}

func (e *CodegenError) Error() string {
	if e.Triple == "" {
		return fmt.Sprintf("codegen failed: %v", e.Err)
	}
	return fmt.Sprintf("codegen failed for %s: %v", e.Triple, e.Err)
}

func (e *CodegenError) Unwrap() error {
	return e.Err
}

// Machine generates code for one target and CPU.
type Machine interface {
	Triple() string
	CPU() string
	DataLayout() string

	// Version identifies the code generator; objects from another version
	// are not linked.
	Version() string

	// Emit generates a relocatable object for a verified module whose data
	// layout matches the machine.
	Emit(m *ir.Module) (*object.Object, error)
}

// Target constructs machines for a triple.
type Target interface {
	Name() string
	Triple() string
	NewMachine(cpu string) (Machine, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Target{}
)

// RegisterTarget makes t available under its triple. Targets register
// themselves from init.
func RegisterTarget(t Target) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[t.Triple()]; dup {
		panic("backend: target registered twice: " + t.Triple())
	}
	registry[t.Triple()] = t
}

// LookupTarget returns the target for triple.
func LookupTarget(triple string) (Target, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[triple]
	if !ok {
		return nil, &CodegenError{Triple: triple, Err: ErrUnknownTarget}
	}
	return t, nil
}

// Targets returns the registered triples, sorted.
func Targets() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HostTriple returns the target triple of the running process.
func HostTriple() string {
	arch := map[string]string{
		"amd64":   "x86_64",
		"arm64":   "aarch64",
		"386":     "i686",
		"riscv64": "riscv64",
	}[runtime.GOARCH]
	if arch == "" {
		arch = runtime.GOARCH
	}
	vendor, sys := "unknown", runtime.GOOS
	if runtime.GOOS == "linux" {
		sys = "linux-gnu"
	}
	return arch + "-" + vendor + "-" + sys
}

// HostMachine builds a machine for the host triple and the host CPU.
func HostMachine() (Machine, error) {
	t, err := LookupTarget(HostTriple())
	if err != nil {
		return nil, &CodegenError{Triple: HostTriple(), Err: ErrNoHostTarget}
	}
	return t.NewMachine(HostCPU())
}

// HostCPU names the host CPU feature level.
func HostCPU() string {
	if runtime.GOARCH != "amd64" {
		return GenericCPU
	}
	switch {
	case cpu.X86.HasAVX512F:
		return "x86-64-v4"
	case cpu.X86.HasAVX2 && cpu.X86.HasBMI2:
		return "x86-64-v3"
	case cpu.X86.HasSSE42 && cpu.X86.HasPOPCNT:
		return "x86-64-v2"
	}
	return "x86-64"
}

var nativeInit atomic.Bool

// InitializeNative performs one-time native backend setup. The first
// caller wins; later and concurrent callers return immediately. It reports
// whether this call did the initialization.
func InitializeNative(log logrus.FieldLogger) bool {
	if !nativeInit.CompareAndSwap(false, true) {
		return false
	}
	log.WithFields(logrus.Fields{
		"triple":  HostTriple(),
		"cpu":     HostCPU(),
		"targets": Targets(),
	}).Info("Initializing native target")
	return true
}
