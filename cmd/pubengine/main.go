// Command pubengine manages versioned page configurations, theme artifact
// overlays and plugin dispatch for a storefront.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/pubengine/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		// Commands report their own failures; anything else (bad flags,
		// unknown commands) is printed here.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
