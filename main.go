// The main package for the fleetd executable.
package main

import (
	"github.com/JakeFAU/scraper-fleet/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
