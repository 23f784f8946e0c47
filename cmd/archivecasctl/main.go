// Command archivecasctl drives the archive ingestion core in-process,
// without standing up the HTTP service — the CLI fallback referenced in
// SPEC_FULL.md §4.11 for operators and the desktop shell.
package main

import (
	"fmt"
	"os"

	"github.com/zynqcloud/archivecas/cmd/archivecasctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
