package cmd

import (
	"context"
	"os"

	"github.com/gatherly/feedkit/pkg/querykeys"
	"github.com/gatherly/feedkit/pkg/service"
	"github.com/spf13/cobra"
)

var (
	feedLocations  []string
	feedCategories []string
	feedDates      []string
	feedRadius     float64
	feedLimit      int
	feedPages      int
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Feed commands",
	Long:  "List and browse the unified feed of events and posts",
}

var feedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List feed items",
	RunE: func(cmd *cobra.Command, args []string) error {
		filters := filtersFromFlags(cmd)
		return withApp(cmd, pageSizeFromFlags, func(ctx context.Context, app *service.App) error {
			return app.ListFeed(ctx, filters, feedPages)
		})
	},
}

var feedBrowseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Browse the feed interactively",
	Long: `Browse the feed one item at a time. Dwell time on each item is
tracked and reported as impressions when you move on or quit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filters := filtersFromFlags(cmd)
		return withApp(cmd, pageSizeFromFlags, func(ctx context.Context, app *service.App) error {
			app.StartMetricsServer()
			app.Tracker.Start(ctx)

			browser := service.NewBrowser(app.NewController(filters), app.Tracker, os.Stdout)
			return browser.Run(ctx, os.Stdin)
		})
	},
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&feedLocations, "location", nil, "Location filter, repeatable (near-me uses your position)")
	cmd.Flags().StringSliceVar(&feedCategories, "category", nil, "Category filter, repeatable")
	cmd.Flags().StringSliceVar(&feedDates, "date", nil, "Date filter as YYYY-MM-DD, repeatable")
	cmd.Flags().Float64Var(&feedRadius, "radius", 0, "Search radius in miles")
	cmd.Flags().IntVar(&feedLimit, "limit", 0, "Items per page (default from config)")
}

func filtersFromFlags(cmd *cobra.Command) querykeys.Filters {
	f := querykeys.Filters{
		Locations:  feedLocations,
		Categories: feedCategories,
		Dates:      feedDates,
		Limit:      feedLimit,
	}
	if cmd.Flags().Changed("radius") {
		r := feedRadius
		f.SearchRadius = &r
	}
	return f
}

func pageSizeFromFlags(s *service.Settings) {
	if feedLimit > 0 {
		s.PageSize = feedLimit
	}
}

func init() {
	addFilterFlags(feedListCmd)
	feedListCmd.Flags().IntVar(&feedPages, "pages", 1, "Number of pages to fetch")
	addFilterFlags(feedBrowseCmd)

	feedCmd.AddCommand(feedListCmd)
	feedCmd.AddCommand(feedBrowseCmd)
}
