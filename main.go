// The main package for the importer executable.
package main

import (
	"github.com/JakeFAU/review-importer/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
