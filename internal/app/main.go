// Package app wires the reliq command line: the maintenance daemon and the
// one-shot operator commands.
package app

import (
	"fmt"
	"io"
	"os"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp(os.Stdout)
		return 2
	}

	switch args[1] {
	case "run":
		return runCmd(args[2:])
	case "dlq":
		return dlqCmd(args[2:])
	case "messages":
		return messagesCmd(args[2:])
	case "config":
		return configCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp(os.Stderr)
		return 2
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "reliq")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  reliq run --config ./reliq.yaml [--pid-file ./reliq.pid] [--watch] [--log-level info] [--dotenv ./.env]")
	fmt.Fprintln(w, "  reliq dlq stats|list|get|retry|bulk-retry|delete|purge|cleanup|quarantine|export [--config ./reliq.yaml] [flags] [id]")
	fmt.Fprintln(w, "  reliq messages stats|list|fail|archive [--config ./reliq.yaml] [flags] [id]")
	fmt.Fprintln(w, "  reliq config fmt --config ./reliq.yaml [-w]")
	fmt.Fprintln(w, "  reliq config validate --config ./reliq.yaml --format json|text")
	fmt.Fprintln(w, "  reliq version [--long] [--json]")
}
