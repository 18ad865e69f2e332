// Command replogctl inspects replicated log files, explains copy mode
// decisions and runs a local replica set against the checkpoint
// orchestrator.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
)

type command struct {
	name    string
	summary string
	run     func(args []string, out io.Writer) error
}

var commands = []command{
	{"copymode", "decide how a target replica is built from a source", runCopyMode},
	{"dump", "print the records of a log file", runDump},
	{"simulate", "run a primary and its replicas under a write load", runSimulate},
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		usage(os.Stdout)
		return
	}
	for _, c := range commands {
		if c.name == name {
			if err := c.run(os.Args[2:], os.Stdout); err != nil {
				log.Fatalf("%s: %v", name, err)
			}
			return
		}
	}

	fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
	usage(os.Stderr)
	os.Exit(2)
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: replogctl <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nRun 'replogctl <command> -h' for the flags of a command.\n")
}
