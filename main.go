// The main package for the practicewatch executable.
package main

import (
	"github.com/JakeFAU/practicewatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
