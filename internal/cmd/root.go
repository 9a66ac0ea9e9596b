package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gatherly/feedkit/pkg/config"
	"github.com/gatherly/feedkit/pkg/logger"
	"github.com/gatherly/feedkit/pkg/output"
	"github.com/gatherly/feedkit/pkg/service"
	"github.com/spf13/cobra"
)

// closeTimeout bounds the final impression flush on exit
const closeTimeout = 5 * time.Second

var (
	verbose    bool
	configPath string
	outputFmt  string
)

var rootCmd = &cobra.Command{
	Use:   "feedkit",
	Short: "feedkit - unified event and post feed client",
	Long: `feedkit browses the unified feed of events and posts from the
terminal, keeps the feed cache and session identity between runs, and
reports the impressions of what was on screen.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(configPath); err != nil {
			return fmt.Errorf("error initializing config: %w", err)
		}

		logger.Init(verbose, config.GetString("log.level"), config.GetString("log.file"))

		if !output.ValidateOutputFormat(outputFmt) {
			return fmt.Errorf("invalid output format %q: use text, json or table", outputFmt)
		}
		config.Set("output.format", outputFmt)
		return nil
	},
}

// Execute runs the root command with ctx
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ~/.config/feedkit/config.toml)")
	rootCmd.PersistentFlags().StringVar(&outputFmt, "output", "text", "Output format: text, json, table")

	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(versionCmd)
}

// withApp builds the App for one command and always closes it, which makes
// the last impression flush.
func withApp(cmd *cobra.Command, tweak func(*service.Settings), fn func(ctx context.Context, app *service.App) error) (err error) {
	ctx := cmd.Context()
	settings := service.SettingsFromConfig()
	settings.Verbose = verbose
	if tweak != nil {
		tweak(&settings)
	}

	app, err := service.NewApp(ctx, settings)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			logger.Warn("Shutdown incomplete", "error", cerr)
		}
	}()

	return fn(ctx, app)
}
