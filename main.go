// The main package for the eaas executable.
package main

import (
	"github.com/ticnsp/eaas/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
