// Command apmz-loadgen drives synthetic transactions, spans and errors
// through the apmz agent and exposes its counters for scraping.
package main

import (
	"fmt"
	"os"

	"github.com/zoobzio/apmz/config"
)

func main() {
	if err := newRootCommand(config.NewViper()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "apmz-loadgen:", err)
		os.Exit(1)
	}
}
