package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	var showCurrent bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream session state-change events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if showCurrent {
				views, err := client.ListSessions(ctx)
				if err != nil {
					return err
				}
				for _, v := range views {
					if err := renderEvent(out, eventView{Name: v.Name, State: v.LocalState}, outputFormat); err != nil {
						return err
					}
				}
			}

			body, err := client.WatchEvents(ctx)
			if err != nil {
				return err
			}
			defer body.Close()

			err = scanEvents(body, func(ev eventView) error {
				return renderEvent(out, ev, outputFormat)
			})
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(ctx.Err(), context.Canceled) {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showCurrent, "current", false, "print current session states before streaming")

	return cmd
}
