// The main package for the auction-crawler executable.
package main

import (
	"github.com/JakeFAU/auction-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
