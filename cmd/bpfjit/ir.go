package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fortiblox/bpfjit/pkg/jit"
	"github.com/fortiblox/bpfjit/pkg/jit/ir"
)

func getIRCmd(gs *globalState) *cobra.Command {
	var (
		program string
		level   int
	)
	cmd := &cobra.Command{
		Use:   "ir FILE",
		Short: "Print the intermediate representation of a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if level < 0 || level > 3 {
				return fmt.Errorf("optimization level %d out of range 0-3", level)
			}
			prog, err := loadProgram(gs, args[0], program)
			if err != nil {
				return err
			}
			m, err := jit.New(prog, jit.DefaultOptions()).Module(ir.O0 + ir.OptLevel(level))
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(gs.stdout, m.String())
			return err
		},
	}
	cmd.Flags().StringVarP(&program, "program", "p", "", "program name or section in a multi-program object")
	cmd.Flags().IntVarP(&level, "opt", "O", 3, "optimization level 0-3")
	return cmd
}
