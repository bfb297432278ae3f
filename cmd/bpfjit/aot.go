package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/fortiblox/bpfjit/pkg/jit"
	"github.com/fortiblox/bpfjit/pkg/jit/backend"
)

type aotCmd struct {
	gs      *globalState
	program string
	output  string
	triple  string
}

func getAOTCmd(gs *globalState) *cobra.Command {
	c := &aotCmd{gs: gs}
	cmd := &cobra.Command{
		Use:   "aot FILE",
		Short: "Compile a program to a relocatable object",
		Args:  cobra.ExactArgs(1),
		RunE:  c.run,
	}
	flags := cmd.Flags()
	flags.StringVarP(&c.program, "program", "p", "", "program name or section in a multi-program object")
	flags.StringVarP(&c.output, "output", "o", "", "output file (required)")
	flags.StringVar(&c.triple, "triple", backend.HostTriple(), "target triple")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func (c *aotCmd) run(_ *cobra.Command, args []string) error {
	prog, err := loadProgram(c.gs, args[0], c.program)
	if err != nil {
		return err
	}
	opts := jit.DefaultOptions()
	opts.Log = c.gs.logger
	opts.Fs = c.gs.fs
	jc := jit.New(prog, opts)
	defer jc.Close()

	data, err := jc.EmitObjectFor(c.triple)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(c.gs.fs, c.output, data, 0o644); err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.gs.stdout, "wrote %s (%d bytes, %s)\n", c.output, len(data), c.triple)
	return err
}
