// Package amd64 generates x86-64 machine code from IR modules.
//
// Importing the package registers the x86_64-unknown-linux-gnu target with
// the backend registry.
package amd64

import (
	"errors"
	"fmt"

	"github.com/fortiblox/bpfjit/pkg/jit/backend"
	"github.com/fortiblox/bpfjit/pkg/jit/ir"
	"github.com/fortiblox/bpfjit/pkg/jit/object"
)

// Target description.
const (
	Triple     = "x86_64-unknown-linux-gnu"
	DataLayout = "e-m:e-p270:32:32-p271:32:32-p272:64:64-i64:64-i128:128-f80:128-n8:16:32:64-S128"

	// Version changes whenever generated code changes incompatibly.
	Version = "amd64/1"
)

// ErrDataLayout is returned for modules built for another layout.
var ErrDataLayout = errors.New("data layout mismatch")

func init() {
	backend.RegisterTarget(target{})
}

type target struct{}

func (target) Name() string   { return "x86-64" }
func (target) Triple() string { return Triple }

func (target) NewMachine(cpu string) (backend.Machine, error) {
	if cpu == "" {
		cpu = backend.GenericCPU
	}
	return &machine{cpu: cpu}, nil
}

type machine struct {
	cpu string
}

func (m *machine) Triple() string     { return Triple }
func (m *machine) CPU() string        { return m.cpu }
func (m *machine) DataLayout() string { return DataLayout }
func (m *machine) Version() string    { return Version }

// Emit generates a relocatable object for mod.
func (m *machine) Emit(mod *ir.Module) (*object.Object, error) {
	if mod.DataLayout != DataLayout {
		return nil, fmt.Errorf("%w: module has %q", ErrDataLayout, mod.DataLayout)
	}
	if err := ir.Verify(mod); err != nil {
		return nil, err
	}
	obj, err := generate(mod)
	if err != nil {
		return nil, err
	}
	obj.Triple = Triple
	obj.CPU = m.cpu
	obj.DataLayout = DataLayout
	obj.BackendVersion = Version
	return obj, nil
}
