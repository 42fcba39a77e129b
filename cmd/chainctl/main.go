// Command chainctl operates the security log from the shell: schema
// migration, chain verification, manual cleanup, event injection, archive
// checks and API token minting.
//
// Import Path: seclog.io/chain/cmd/chainctl
package main

import (
	"fmt"
	"os"

	"seclog.io/chain/internal/config"
)

func main() {
	if err := newRootCmd(config.Load).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chainctl: %v\n", err)
		os.Exit(1)
	}
}
