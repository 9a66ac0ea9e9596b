package cmd

import (
	"context"

	"github.com/gatherly/feedkit/pkg/output"
	"github.com/gatherly/feedkit/pkg/prompter"
	"github.com/gatherly/feedkit/pkg/service"
	"github.com/spf13/cobra"
)

var sessionResetYes bool

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Session identity commands",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the session identifier",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, nil, func(ctx context.Context, app *service.App) error {
			return app.ShowSession(ctx)
		})
	},
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the session identifier",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !sessionResetYes {
			ok, err := prompter.New().PromptConfirm("Reset the session identifier?")
			if err != nil {
				return err
			}
			if !ok {
				output.PrintInfo("Cancelled.")
				return nil
			}
		}
		return withApp(cmd, nil, func(ctx context.Context, app *service.App) error {
			return app.ResetSession(ctx)
		})
	},
}

func init() {
	sessionResetCmd.Flags().BoolVarP(&sessionResetYes, "yes", "y", false, "Skip confirmation")

	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionResetCmd)
}
