package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/fortiblox/bpfjit/internal/config"
	"github.com/fortiblox/bpfjit/internal/logging"
)

// globalState is everything the commands touch outside their arguments.
type globalState struct {
	stdout    io.Writer
	stderr    io.Writer
	fs        afero.Fs
	lookupEnv func(string) (string, bool)
	logger    *logrus.Logger
}

func newGlobalState() *globalState {
	return &globalState{
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		fs:        afero.NewOsFs(),
		lookupEnv: os.LookupEnv,
		logger:    logging.Discard(),
	}
}

func (gs *globalState) config() (config.Config, error) {
	return config.Load(gs.lookupEnv)
}

type rootCommand struct {
	gs       *globalState
	cmd      *cobra.Command
	logLevel string
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{gs: gs}
	c.cmd = &cobra.Command{
		Use:               "bpfjit",
		Short:             "compile eBPF programs to native code",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.SetOut(gs.stdout)
	c.cmd.SetErr(gs.stderr)
	c.cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	c.cmd.AddCommand(
		getRunCmd(gs),
		getAOTCmd(gs),
		getIRCmd(gs),
		getCacheCmd(gs),
		getVersionCmd(gs),
	)
	return c
}

func (c *rootCommand) persistentPreRunE(_ *cobra.Command, _ []string) error {
	logger, err := logging.New(c.gs.stderr, c.logLevel)
	if err != nil {
		return err
	}
	c.gs.logger = logger
	return nil
}

func execute(gs *globalState, args []string) int {
	c := newRootCommand(gs)
	c.cmd.SetArgs(args)
	if err := c.cmd.Execute(); err != nil {
		fmt.Fprintf(gs.stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func getVersionCmd(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show application version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(gs.stdout, "bpfjit %s (%s)\n", Version, GitCommit)
			return err
		},
	}
}
