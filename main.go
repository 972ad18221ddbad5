// The main package for the ingestwatch executable.
package main

import (
	"github.com/JakeFAU/ingest-progress/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
