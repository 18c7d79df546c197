// Package main is the entry point for the ostm binary.
//
// ostm supervises SSH tunnels: each tunnel is an autossh daemon wrapped in
// trickle, tracked through a pid marker file. It offers an HTTP API (serve),
// a CLI for every lifecycle and editing operation, and a terminal dashboard.
//
// Usage:
//
//	ostm                       # open the dashboard
//	ostm serve                 # serve the HTTP API
//	ostm tunnel start [id]     # start one or every tunnel
//	ostm channel add <id> ...  # add a forward and apply it
package main

import (
	"fmt"
	"os"

	"github.com/treykane/ostm/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
