package cmd

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
)

func newDisableTOTPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable-2fa <username>",
		Short: "Turn off two-factor authentication for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()
			out := cmd.OutOrStdout()

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			db, cleanup, err := openDatabases(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			user, err := db.users.GetUserByUsername(ctx, args[0])
			if err != nil {
				return err
			}
			if err := db.users.DisableTOTP(ctx, user.UserID); err != nil {
				return err
			}

			if outputJSON {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"username": user.Username, "user_id": user.UserID, "totp_enabled": false,
				})
			}
			if !quiet {
				successColor.Fprintf(out, "✓ Two-factor authentication disabled for %s\n", user.Username)
			}
			return nil
		},
	}
}
