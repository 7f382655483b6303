// Command wunder is a CLI client that submits Requests directly to the
// orchestrator core, without going through the HTTP server (adapted from
// the teacher's cmd/opencode run command).
package main

import (
	"fmt"
	"os"

	"github.com/ylsdamxssjxxdd/wunder/cmd/wunder/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
