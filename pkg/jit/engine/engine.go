// Package engine hosts compiled programs: it generates code for IR modules
// or loads previously emitted objects, links them against helper
// addresses and hands out callable entry points.
package engine

import (
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/fortiblox/bpfjit/internal/logging"
	"github.com/fortiblox/bpfjit/pkg/jit/backend"
	_ "github.com/fortiblox/bpfjit/pkg/jit/backend/amd64" // registers the x86-64 target
	"github.com/fortiblox/bpfjit/pkg/jit/ir"
	"github.com/fortiblox/bpfjit/pkg/jit/object"
	"github.com/fortiblox/bpfjit/pkg/jit/symbols"
)

// Options configures an Engine.
type Options struct {
	Log      logrus.FieldLogger
	OptLevel ir.OptLevel
}

// DefaultOptions returns options with full optimization and a discarding
// logger.
func DefaultOptions() Options {
	return Options{OptLevel: ir.O3}
}

// Entry is a callable native function with signature int64 fn(void *ctx).
type Entry struct {
	name string
	addr uintptr
}

// Name returns the symbol the entry was resolved from.
func (e Entry) Name() string { return e.name }

// Addr returns the native address.
func (e Entry) Addr() uintptr { return e.addr }

// IsZero reports whether the entry is unset.
func (e Entry) IsZero() bool { return e.addr == 0 }

// Call runs the function with ctx as its only argument.
func (e Entry) Call(ctx unsafe.Pointer) int64 {
	if e.addr == 0 {
		panic("engine: call of nil entry")
	}
	return callNative(e.addr, ctx)
}

// state is one of emptyState, loadedState or closedState.
type state interface{ isState() }

type emptyState struct{}

type loadedState struct {
	img    *image
	source string // "jit" or "object"
}

type closedState struct{}

func (emptyState) isState()  {}
func (loadedState) isState() {}
func (closedState) isState() {}

// Engine owns at most one linked program.
type Engine struct {
	log     logrus.FieldLogger
	opts    Options
	machine backend.Machine
	state   state
}

// New creates an engine for the host. The first engine in the process
// performs native backend initialization.
func New(opts Options) (*Engine, error) {
	opts.Log = logging.OrDiscard(opts.Log)
	backend.InitializeNative(opts.Log)
	machine, err := backend.HostMachine()
	if err != nil {
		return nil, err
	}
	return &Engine{
		log:     opts.Log,
		opts:    opts,
		machine: machine,
		state:   emptyState{},
	}, nil
}

// Machine returns the host target machine.
func (e *Engine) Machine() backend.Machine {
	return e.machine
}

func (e *Engine) checkEmpty() error {
	switch s := e.state.(type) {
	case emptyState:
		return nil
	case loadedState:
		return &AlreadyCompiledError{Entry: s.source}
	default:
		return &LinkError{Op: "load", Err: ErrClosed}
	}
}

func definitions(bindings []symbols.Binding) map[string]uintptr {
	defs := make(map[string]uintptr, len(bindings))
	for _, b := range bindings {
		if b.Flags&symbols.Callable != 0 {
			defs[b.Name] = b.Addr
		}
	}
	return defs
}

// Load optimizes m for the host, generates code and links it against
// bindings. m is modified in place.
func (e *Engine) Load(m *ir.Module, bindings []symbols.Binding) error {
	if err := e.checkEmpty(); err != nil {
		return err
	}
	m.Triple = e.machine.Triple()
	m.DataLayout = e.machine.DataLayout()
	ir.Optimize(m, e.opts.OptLevel)

	obj, err := e.machine.Emit(m)
	if err != nil {
		return &backend.CodegenError{Triple: m.Triple, Err: err}
	}
	img, err := link(obj, definitions(bindings))
	if err != nil {
		return err
	}
	e.state = loadedState{img: img, source: "jit"}
	e.log.WithFields(logrus.Fields{
		"text":     len(obj.Text),
		"mapped":   img.size(),
		"bindings": len(bindings),
	}).Debug("Linked generated code")
	return nil
}

// AddObject links a previously emitted object without translating or
// optimizing anything.
func (e *Engine) AddObject(data []byte, bindings []symbols.Binding) error {
	if err := e.checkEmpty(); err != nil {
		return err
	}
	obj, err := object.Unmarshal(data)
	if err != nil {
		return &LinkError{Op: "decode object", Err: err}
	}
	if obj.Triple != e.machine.Triple() || obj.BackendVersion != e.machine.Version() {
		return &LinkError{
			Op: "load object",
			Err: fmt.Errorf("%w: %s (%s), host is %s (%s)", ErrIncompatibleObject,
				obj.Triple, obj.BackendVersion, e.machine.Triple(), e.machine.Version()),
		}
	}
	img, err := link(obj, definitions(bindings))
	if err != nil {
		return err
	}
	e.state = loadedState{img: img, source: "object"}
	e.log.WithFields(logrus.Fields{
		"text":     len(obj.Text),
		"symbols":  len(obj.Symbols),
		"bindings": len(bindings),
	}).Debug("Linked object")
	return nil
}

// Lookup resolves an exported symbol of the loaded code.
func (e *Engine) Lookup(name string) (Entry, error) {
	var s loadedState
	switch st := e.state.(type) {
	case loadedState:
		s = st
	case closedState:
		return Entry{}, &LinkError{Op: "lookup", Symbol: name, Err: ErrClosed}
	default:
		return Entry{}, &LinkError{Op: "lookup", Symbol: name, Err: ErrNotLoaded}
	}
	addr, ok := s.img.symbols[name]
	if !ok {
		return Entry{}, &LinkError{Op: "lookup", Symbol: name, Err: ErrUndefinedSymbol}
	}
	return Entry{name: name, addr: addr}, nil
}

// EmitObject generates a portable object for triple from m and returns its
// encoding. m is modified in place; the engine state is unchanged.
func (e *Engine) EmitObject(m *ir.Module, triple string) ([]byte, error) {
	t, err := backend.LookupTarget(triple)
	if err != nil {
		return nil, err
	}
	machine, err := t.NewMachine(backend.GenericCPU)
	if err != nil {
		return nil, &backend.CodegenError{Triple: triple, Err: err}
	}
	m.Triple = triple
	m.DataLayout = machine.DataLayout()
	ir.Optimize(m, e.opts.OptLevel)

	obj, err := machine.Emit(m)
	if err != nil {
		return nil, &backend.CodegenError{Triple: triple, Err: err}
	}
	data, err := object.Marshal(obj)
	if err != nil {
		return nil, &backend.CodegenError{Triple: triple, Err: err}
	}
	e.log.WithFields(logrus.Fields{"triple": triple, "bytes": len(data)}).Debug("Emitted object")
	return data, nil
}

// Close unmaps loaded code. Entries obtained from the engine must not be
// called afterwards.
func (e *Engine) Close() error {
	var err error
	if s, ok := e.state.(loadedState); ok {
		err = s.img.release()
	}
	e.state = closedState{}
	return err
}
