// Command dhtnode runs a Kademlia-style distributed hash table node, or
// issues one-shot put/get/listen requests against one, replacing the
// teacher's cli/cli.go flag-based entry point with a cobra command
// tree (see the cli package).
package main

import (
	"fmt"
	"os"

	"github.com/kadcore/dhtnode/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
