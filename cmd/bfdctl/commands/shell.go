package commands

import (
	"fmt"

	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

// shellCmd launches an interactive console for issuing repeated session and
// monitor commands against the same daemon without reconnecting each time.
func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive bfdctl console",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := console.New("bfdctl")

			menu := app.ActiveMenu()
			menu.Prompt().Primary = func() string {
				return fmt.Sprintf("bfdctl (%s) > ", serverAddr)
			}

			menu.SetCommands(func() *cobra.Command {
				root := &cobra.Command{
					Use:           "",
					SilenceUsage:  true,
					SilenceErrors: true,
				}
				root.AddCommand(sessionCmd())
				root.AddCommand(monitorCmd())
				root.AddCommand(versionCmd())
				return root
			})

			return app.Start()
		},
	}
}
