// The main package for the processhub executable.
package main

import (
	"github.com/JakeFAU/realtime-process-hub/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
