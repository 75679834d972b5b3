package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/whisper/leaderboard/internal/bootstrap"
)

func ensureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Sign this device in anonymously and print its user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := bootstrap.Initialize(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			user, err := b.EnsureAnonUser(ctx)
			if err != nil {
				return err
			}
			if user == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "leaderboard disabled")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), user.UID)
			return nil
		},
	}
}
