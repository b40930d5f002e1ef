// Package resourcetracker is the top-level command dispatcher, mirroring
// the teacher's cmd/root layout with a single binary fanning out to
// subcommands by name.
package resourcetracker

import (
	"context"
	"fmt"
	"os"

	"github.com/tweag/resourcetracker/api"
	"github.com/tweag/resourcetracker/cmd/fetch"
	"github.com/tweag/resourcetracker/internal/logging"
)

const usage = `Usage: resourcetracker [COMMAND] [ARGS...]

Commands:
  fetch     Fetches resources into the disk cache, honoring update policy and caching rules`

func Run(ctx context.Context, args []string) {
	setLogLevel()
	if len(args) < 2 {
		printUsage()
	}

	command := args[1]
	switch command {
	case "fetch":
		fetch.Run(ctx, args[2:])
	default:
		printUsage()
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, usage)
	os.Exit(1)
}

func setLogLevel() {
	level, ok := os.LookupEnv(api.LogLevelEnv)
	if !ok {
		return
	}
	logging.SetLevel(logging.FromString(level))
}
