// Command adt is the ADT command center CLI.
//
// `adt server start` boots the core in-process; every other command
// talks to a running server over its HTTP surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfigDir string
	flagServerURL string
	flagToken     string
)

func main() {
	root := &cobra.Command{
		Use:           "adt",
		Short:         "ADT command center for AI coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfigDir, "config", "", "config directory (default: ADT home)")
	root.PersistentFlags().StringVar(&flagServerURL, "server", "", "server base URL (default: from config)")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "API token (default: ADT_TOKEN)")

	root.AddCommand(
		newServerCmd(),
		newTokenCmd(),
		newAgentCmd(),
		newQueueCmd(),
		newConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
