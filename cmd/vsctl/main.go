// Command vsctl analyzes recordings from the command line, either in process
// or against a running VoiceSafe server, and inspects scoring weights.
//
// Usage:
//
//	vsctl [flags] <command> [args]
//
// Commands:
//
//	analyze   - score a recording
//	features  - print the raw feature vector of a recording
//	weights   - show or validate a scoring weight set
package main

import (
	"fmt"
	"os"

	"github.com/MrWong99/voicesafe/cmd/vsctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
