package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/fortiblox/bpfjit/internal/nativehelper"
	"github.com/fortiblox/bpfjit/pkg/ebpf"
	"github.com/fortiblox/bpfjit/pkg/loader"
)

// loadProgram reads an ELF object or a raw instruction file and binds the
// native helpers to the selected program.
func loadProgram(gs *globalState, path, name string) (*ebpf.Program, error) {
	data, err := afero.ReadFile(gs.fs, path)
	if err != nil {
		return nil, err
	}
	var c *loader.Collection
	if loader.IsELF(data) {
		c, err = loader.Load(data)
	} else {
		c, err = loader.LoadRaw(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), data)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	p, err := c.Program(name)
	if err != nil {
		return nil, err
	}
	prog := ebpf.NewProgram(p.Insns)
	gs.logger.WithField("program", p.Name).WithField("insns", prog.Len()).Debug("Loaded program")
	if err := nativehelper.Bind(prog); err != nil {
		return nil, err
	}
	return prog, nil
}
