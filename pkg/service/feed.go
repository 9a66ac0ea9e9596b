package service

import (
	"context"
	"fmt"

	"github.com/gatherly/feedkit/pkg/logger"
	"github.com/gatherly/feedkit/pkg/output"
	"github.com/gatherly/feedkit/pkg/querykeys"
)

// ListFeed fetches up to pages pages of the feed for filters and prints them
func (a *App) ListFeed(ctx context.Context, filters querykeys.Filters, pages int) error {
	if pages < 1 {
		pages = 1
	}
	ctrl := a.NewController(filters)
	logger.Debug("Listing feed", "key", ctrl.Key().String(), "pages", pages)

	if err := ctrl.FetchFirstPage(ctx); err != nil {
		return fmt.Errorf("failed to fetch feed: %w", err)
	}
	for i := 1; i < pages && ctrl.HasNextPage(); i++ {
		if err := ctrl.FetchNextPage(ctx); err != nil {
			return fmt.Errorf("failed to fetch page %d: %w", i+1, err)
		}
	}

	items := ctrl.Items()
	if len(items) == 0 && output.GetOutputFormat() != output.FormatJSON {
		output.PrintInfo("No items match these filters.")
		return nil
	}
	return output.PrintFeedItems(items, ctrl.HasNextPage())
}
