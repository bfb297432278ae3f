package main

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/fortiblox/bpfjit/internal/config"
	"github.com/fortiblox/bpfjit/internal/nativehelper"
	"github.com/fortiblox/bpfjit/pkg/ebpf"
	"github.com/fortiblox/bpfjit/pkg/jit"
	"github.com/fortiblox/bpfjit/pkg/jit/engine"
)

type runCmd struct {
	gs       *globalState
	program  string
	aot      bool
	interp   bool
	object   string
	ctxSize  int
	maxSteps uint64
	stats    bool
}

func getRunCmd(gs *globalState) *cobra.Command {
	c := &runCmd{gs: gs}
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Compile a program and run it once",
		Long: `Compile a program from an eBPF ELF object or a raw instruction file and
call it with a zeroed context buffer. The return value is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: c.run,
	}
	flags := cmd.Flags()
	flags.StringVarP(&c.program, "program", "p", "", "program name or section in a multi-program object")
	flags.BoolVar(&c.aot, "aot", false, "use the AOT object cache (same as setting BPFTIME_ENABLE_AOT)")
	flags.BoolVar(&c.interp, "interp", false, "run in the reference interpreter instead of compiling")
	flags.StringVar(&c.object, "object", "", "link this previously emitted object instead of compiling")
	flags.IntVar(&c.ctxSize, "ctx-size", 64, "size of the context buffer passed in r1, 0 for none")
	flags.Uint64Var(&c.maxSteps, "max-steps", 1<<24, "interpreter step limit, 0 for none")
	flags.BoolVar(&c.stats, "stats", false, "print compilation counters")
	return cmd
}

func (c *runCmd) run(_ *cobra.Command, args []string) error {
	prog, err := loadProgram(c.gs, args[0], c.program)
	if err != nil {
		return err
	}
	var ctxBuf []uint64
	var ctx unsafe.Pointer
	if c.ctxSize > 0 {
		ctxBuf = make([]uint64, (c.ctxSize+7)/8)
		ctx = unsafe.Pointer(&ctxBuf[0])
	}

	if c.interp {
		opts := nativehelper.InterpreterOpts()
		opts.MaxSteps = c.maxSteps
		ip := ebpf.NewInterpreter(prog.Insns, opts)
		r0, err := ip.Run(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.gs.stdout, "r0 = %d (%d steps)\n", int64(r0), ip.Steps())
		return err
	}

	if !nativehelper.Available {
		return fmt.Errorf("running native code needs a cgo build; use --interp")
	}
	cfg, err := c.gs.config()
	if err != nil {
		return err
	}
	if c.aot {
		on := "1"
		cfg = cfg.Apply(config.Config{EnableAOT: &on})
	}
	opts := jit.DefaultOptions()
	opts.Log = c.gs.logger
	opts.Fs = c.gs.fs
	opts.Config = &cfg
	jc := jit.New(prog, opts)
	defer jc.Close()

	start := time.Now()
	var entry engine.Entry
	if c.object != "" {
		data, rerr := afero.ReadFile(c.gs.fs, c.object)
		if rerr != nil {
			return rerr
		}
		entry, err = jc.LoadAOTObject(data)
	} else {
		entry, err = jc.Compile()
	}
	if err != nil {
		return err
	}
	c.gs.logger.WithField("took", time.Since(start)).Debug("Compiled")

	r0 := entry.Call(ctx)
	if _, err := fmt.Fprintf(c.gs.stdout, "r0 = %d\n", r0); err != nil {
		return err
	}
	if c.stats {
		s := jc.Stats()
		_, err = fmt.Fprintf(c.gs.stdout,
			"translations=%d jit_loads=%d object_loads=%d object_emits=%d cache_hits=%d cache_misses=%d fallbacks=%d stores=%d\n",
			s.Translations, s.JITLoads, s.ObjectLoads, s.ObjectEmits, s.CacheHits, s.CacheMisses, s.Fallbacks, s.Stores)
	}
	return err
}
