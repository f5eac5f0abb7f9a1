// The main package for the bookcrawler executable.
package main

import (
	"github.com/yomitai/bookmeter-crawler/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
