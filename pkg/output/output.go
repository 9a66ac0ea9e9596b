// Package output renders feed pages, impressions and status messages for
// the terminal in text, table or JSON form.
package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/gatherly/feedkit/pkg/api"
	"github.com/gatherly/feedkit/pkg/config"
	"github.com/gatherly/feedkit/pkg/impressions"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Out is where all rendering goes
var Out io.Writer = color.Output

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatJSON  OutputFormat = "json"
	FormatTable OutputFormat = "table"
	FormatText  OutputFormat = "text"
)

// GetOutputFormat returns the configured output format
func GetOutputFormat() OutputFormat {
	switch config.GetString("output.format") {
	case "json":
		return FormatJSON
	case "table":
		return FormatTable
	default:
		return FormatText
	}
}

// ValidateOutputFormat checks if format is valid
func ValidateOutputFormat(format string) bool {
	return format == "json" || format == "table" || format == "text"
}

// PrintFeedItems renders a flattened feed
func PrintFeedItems(items []api.FeedItem, hasNextPage bool) error {
	switch GetOutputFormat() {
	case FormatJSON:
		return printJSON(struct {
			Items       []api.FeedItem `json:"items"`
			HasNextPage bool           `json:"hasNextPage"`
		}{items, hasNextPage})
	case FormatTable:
		rows := make([][]string, 0, len(items))
		for i, item := range items {
			rows = append(rows, []string{
				fmt.Sprintf("%d", i+1),
				string(item.ItemType),
				item.ItemID,
				headline(item),
				fmt.Sprintf("%d", item.Metrics.Likes),
				fmt.Sprintf("%d", item.Metrics.Comments),
				promotedMark(item),
			})
		}
		printTable([]string{"#", "Type", "ID", "Title", "Likes", "Comments", "Ad"}, rows)
	default:
		for i, item := range items {
			PrintFeedItem(Out, i+1, item, false)
		}
	}
	if GetOutputFormat() != FormatJSON && hasNextPage {
		color.New(color.Faint).Fprintln(Out, "more items available, use --pages to load them")
	}
	return nil
}

// PrintFeedItem renders one item as a text card to w. focused highlights it.
func PrintFeedItem(w io.Writer, pos int, item api.FeedItem, focused bool) {
	marker := "  "
	title := color.New(color.Bold)
	if focused {
		marker = "> "
		title = color.New(color.Bold, color.FgCyan)
	}

	kind := color.New(color.FgMagenta).Sprint(item.ItemType)
	if item.IsPromotedItem() {
		kind += " " + color.New(color.FgYellow).Sprint("[sponsored]")
	}
	fmt.Fprintf(w, "%s%3d %s %s\n", marker, pos, kind, title.Sprint(headline(item)))

	if item.IsPost() {
		fmt.Fprintf(w, "      %s @%s: %s\n", item.AuthorName, item.AuthorHandle, truncate(item.Content, 100))
		if url, ok := item.VideoURL(); ok {
			fmt.Fprintf(w, "      video: %s\n", url)
		}
	} else if item.EventLocation != "" {
		fmt.Fprintf(w, "      %s\n", item.EventLocation)
	}

	liked := ""
	if item.Metrics.ViewerHasLiked != nil && *item.Metrics.ViewerHasLiked {
		liked = color.New(color.FgRed).Sprint(" (liked)")
	}
	fmt.Fprintf(w, "      %d likes%s, %d comments\n", item.Metrics.Likes, liked, item.Metrics.Comments)
}

// PrintImpressions renders buffered impression rows
func PrintImpressions(rows []impressions.Row) error {
	if GetOutputFormat() == FormatJSON {
		return printJSON(rows)
	}

	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		table = append(table, []string{
			string(r.Kind),
			r.ItemID,
			fmt.Sprintf("%d", r.DwellMs),
			fmt.Sprintf("%t", r.Completed),
		})
	}
	printTable([]string{"Kind", "Item", "Dwell (ms)", "Completed"}, table)
	return nil
}

// PrintRecord outputs a single record in the configured format
func PrintRecord(title string, record map[string]interface{}) error {
	if GetOutputFormat() == FormatJSON {
		return printJSON(record)
	}

	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if GetOutputFormat() == FormatTable {
		rows := make([][]string, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, []string{k, fmt.Sprintf("%v", record[k])})
		}
		printTable([]string{"Field", "Value"}, rows)
		return nil
	}

	if title != "" {
		fmt.Fprintf(Out, "%s:\n", title)
	}
	bold := color.New(color.Bold)
	for _, k := range keys {
		bold.Fprint(Out, k+": ")
		fmt.Fprintf(Out, "%v\n", record[k])
	}
	return nil
}

// PrintSuccess prints a success message
func PrintSuccess(msg string, args ...interface{}) {
	color.New(color.FgGreen).Fprintf(Out, msg+"\n", args...)
}

// PrintError prints an error message
func PrintError(msg string, args ...interface{}) {
	color.New(color.FgRed).Fprintf(Out, "Error: "+msg+"\n", args...)
}

// PrintInfo prints an info message
func PrintInfo(msg string, args ...interface{}) {
	color.New(color.FgCyan).Fprintf(Out, msg+"\n", args...)
}

// PrintWarning prints a warning message
func PrintWarning(msg string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(Out, "Warning: "+msg+"\n", args...)
}

func printJSON(data interface{}) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(Out, string(b))
	return err
}

func printTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(Out, 0, 0, 2, ' ', 0)
	bold := color.New(color.Bold)

	for i, h := range headers {
		bold.Fprint(w, h)
		if i < len(headers)-1 {
			fmt.Fprint(w, "\t")
		}
	}
	fmt.Fprintln(w)

	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}

	w.Flush()
}

func headline(item api.FeedItem) string {
	if item.EventTitle != "" {
		return item.EventTitle
	}
	return item.EventID
}

func promotedMark(item api.FeedItem) string {
	if item.IsPromotedItem() {
		return "yes"
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
