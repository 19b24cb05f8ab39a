package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
)

var errPeerRequired = errors.New("--peer is required")

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage BFD sessions",
	}

	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionShowCmd())
	cmd.AddCommand(sessionAddCmd())
	cmd.AddCommand(sessionDeleteCmd())

	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all BFD sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			views, err := client.ListSessions(ctx)
			if err != nil {
				return err
			}
			return renderSessions(cmd.OutOrStdout(), views, outputFormat)
		},
	}
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name-or-discriminator>",
		Short: "Show a single BFD session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			view, err := client.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			return renderSession(cmd.OutOrStdout(), view, outputFormat)
		},
	}
}

func sessionAddCmd() *cobra.Command {
	var (
		name       string
		peer       string
		local      string
		txInterval time.Duration
		rxInterval time.Duration
		idleTx     time.Duration
		multiplier uint8
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a new BFD session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if peer == "" {
				return errPeerRequired
			}

			req := addSessionRequest{
				Name:       name,
				Peer:       peer,
				Local:      local,
				MinTxMS:    int(txInterval / time.Millisecond),
				MinRxMS:    int(rxInterval / time.Millisecond),
				IdleTxMS:   int(idleTx / time.Millisecond),
				Multiplier: multiplier,
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			view, err := client.AddSession(ctx, req)
			if err != nil {
				return err
			}
			return renderSession(cmd.OutOrStdout(), view, outputFormat)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "session name (defaults to the peer address)")
	cmd.Flags().StringVar(&peer, "peer", "", "neighbor address (required)")
	cmd.Flags().StringVar(&local, "local", "", "local source address (required)")
	cmd.Flags().DurationVar(&txInterval, "tx-interval", 0, "desired minimum transmit interval")
	cmd.Flags().DurationVar(&rxInterval, "rx-interval", 0, "required minimum receive interval")
	cmd.Flags().DurationVar(&idleTx, "idle-tx-interval", 0, "slow transmit interval while the session is down")
	cmd.Flags().Uint8Var(&multiplier, "detect-mult", 0, "detect time multiplier")

	return cmd
}

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name-or-discriminator>",
		Aliases: []string{"rm"},
		Short:   "Delete a BFD session",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			return client.DeleteSession(ctx, args[0])
		},
	}
}
