package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortiblox/bpfjit/pkg/jit/cache"
)

func getCacheCmd(gs *globalState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the AOT object cache",
	}
	cmd.AddCommand(
		getCachePathCmd(gs),
		&cobra.Command{
			Use:   "ls",
			Short: "List cached objects",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return listCache(gs)
			},
		},
	)
	return cmd
}

func getCachePathCmd(gs *globalState) *cobra.Command {
	var lock bool
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Print the cache root",
		Long: `Print the cache root. With --lock the root and its lock file are created
if missing and the lock file path is printed instead.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := gs.config()
			if err != nil {
				return err
			}
			if !lock {
				_, err = fmt.Fprintln(gs.stdout, cache.RootPath(cfg.CacheBase()))
				return err
			}
			m, err := cache.New(cache.Options{Fs: gs.fs, Home: cfg.CacheBase(), Log: gs.logger})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(gs.stdout, m.LockPath())
			return err
		},
	}
	cmd.Flags().BoolVar(&lock, "lock", false, "print the lock file path")
	return cmd
}

func listCache(gs *globalState) error {
	cfg, err := gs.config()
	if err != nil {
		return err
	}
	m, err := cache.New(cache.Options{
		Fs:    gs.fs,
		Home:  cfg.CacheBase(),
		Index: cfg.IndexEnabled(),
		Log:   gs.logger,
	})
	if err != nil {
		return err
	}
	lock, err := m.Lock()
	if err != nil {
		return err
	}
	entries, err := m.List()
	_ = lock.Unlock()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(gs.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DIGEST\tSIZE\tMODIFIED\tTRIPLE\tHITS")
	for _, e := range entries {
		triple, hits := "-", "-"
		if e.Record != nil {
			if e.Record.Triple != "" {
				triple = e.Record.Triple
			}
			hits = fmt.Sprint(e.Record.Hits)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", e.Digest, e.Size, e.ModTime.Format(time.RFC3339), triple, hits)
	}
	return w.Flush()
}
