// Command inboxsinkd scans a filesystem staging area for per-message JSON
// files, batches them by tenant domain, and pushes them into a multi-tenant
// Weaviate collection while tracking per-message outcomes in a local SQLite
// ledger.
package main

import (
	"fmt"
	"os"

	"github.com/kopilin/inboxsink/cmd/inboxsinkd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
