// The main package for the governor executable.
package main

import (
	"github.com/crawlops/governor/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
