// The main package for the pagesnap executable.
package main

import (
	"github.com/JakeFAU/pagesnap/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
