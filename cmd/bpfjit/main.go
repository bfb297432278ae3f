// bpfjit compiles eBPF programs to native code and runs them.
package main

import (
	"os"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

func main() {
	gs := newGlobalState()
	os.Exit(execute(gs, os.Args[1:]))
}
