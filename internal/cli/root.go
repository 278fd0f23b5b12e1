// Package cli implements the taskpulse command line.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command. A bare invocation behaves as
// "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "taskpulse",
		Short: "taskpulse relays agent task status to dashboards in real time",
		Long: "taskpulse accepts signed status webhooks from agents, stores the latest " +
			"status of every task and pushes updates to subscribed dashboard connections.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newWebhookCmd())
	root.AddCommand(newSessionCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newWatchCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
