package cmd

import (
	"fmt"
	"time"

	"github.com/gatherly/feedkit/pkg/credentials"
	"github.com/gatherly/feedkit/pkg/output"
	"github.com/gatherly/feedkit/pkg/prompter"
	"github.com/spf13/cobra"
)

var (
	authUserID    string
	authExpiresIn time.Duration
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authentication commands",
	Long:  "Manage the access token sent with feed requests",
}

var authLoginCmd = &cobra.Command{
	Use:   "login [token]",
	Short: "Store an access token",
	Long:  "Store an access token. Without an argument the token is read from the terminal without echo.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			var err error
			token, err = prompter.New().PromptSecret("Access token: ")
			if err != nil {
				return err
			}
		}
		if token == "" {
			return fmt.Errorf("access token is empty")
		}

		creds := &credentials.Credentials{AccessToken: token, UserID: authUserID}
		if authExpiresIn > 0 {
			creds.ExpiresAt = time.Now().Add(authExpiresIn).UTC()
		}
		if err := credentials.Save(creds); err != nil {
			return fmt.Errorf("failed to save credentials: %w", err)
		}
		output.PrintSuccess("Access token saved.")
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := credentials.Delete(); err != nil {
			return fmt.Errorf("failed to remove credentials: %w", err)
		}
		output.PrintSuccess("Logged out. Feed requests will be anonymous.")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := credentials.Load()
		if err != nil {
			return fmt.Errorf("failed to load credentials: %w", err)
		}

		record := map[string]interface{}{
			"authenticated": creds.IsValid(),
		}
		if creds != nil {
			record["user_id"] = creds.UserID
			record["expired"] = creds.IsExpired()
			if !creds.ExpiresAt.IsZero() {
				record["expires_at"] = creds.ExpiresAt.Format(time.RFC3339)
			}
		}
		return output.PrintRecord("Auth", record)
	},
}

func init() {
	authLoginCmd.Flags().StringVar(&authUserID, "user-id", "", "User id recorded on impressions")
	authLoginCmd.Flags().DurationVar(&authExpiresIn, "expires-in", 0, "Token lifetime, e.g. 1h (default: no expiry)")

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
}
