// Command stagegate drives the stage-gate engine from the shell: one
// invocation performs one action and prints the JSON result on stdout.
//
// Usage:
//
//	stagegate start research 0 --data '{"depthMode":"deep"}'
//	stagegate complete research 0 --data-file plan.json
//	stagegate resume research proceed
//	stagegate status research
package main

import (
	"fmt"
	"os"
)

func main() {
	cfg, err := New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCommand(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}
