package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/gatherly/feedkit/pkg/feed"
	"github.com/gatherly/feedkit/pkg/impressions"
	"github.com/gatherly/feedkit/pkg/logger"
	"github.com/gatherly/feedkit/pkg/output"
	"golang.org/x/term"
)

const (
	// prefetchDistance is how close to the end of the loaded items the focal
	// index gets before the next page is requested
	prefetchDistance = 3
	// simulated video length for the v key, in seconds
	simulatedVideoSeconds = 60.0
	videoStepSeconds      = 15.0
	windowBefore          = 2
	windowAfter           = 4
)

// Browser walks the feed one focal item at a time and feeds the impression
// tracker with what is on screen.
type Browser struct {
	ctrl    *feed.Controller
	tracker *impressions.Tracker
	out     io.Writer

	index        int
	commentsOpen bool
	hidden       bool
	videoPos     map[string]float64
	status       string
}

// NewBrowser creates a browser rendering to out
func NewBrowser(ctrl *feed.Controller, tracker *impressions.Tracker, out io.Writer) *Browser {
	return &Browser{
		ctrl:     ctrl,
		tracker:  tracker,
		out:      out,
		videoPos: make(map[string]float64),
	}
}

// Index returns the focal item position
func (b *Browser) Index() int {
	return b.index
}

// Start loads the first page and focuses the first item
func (b *Browser) Start(ctx context.Context) error {
	if err := b.ctrl.FetchFirstPage(ctx); err != nil {
		return fmt.Errorf("failed to fetch feed: %w", err)
	}
	b.tracker.SetItems(b.ctrl.Items())
	b.focus(0)
	return nil
}

// HandleKey applies one key press. It reports whether the browser should quit.
func (b *Browser) HandleKey(ctx context.Context, key rune) (bool, error) {
	b.status = ""
	switch key {
	case 'j', 'n':
		return false, b.next(ctx)
	case 'k', 'p':
		if b.index > 0 {
			b.focus(b.index - 1)
		}
	case 'c':
		b.commentsOpen = !b.commentsOpen
		b.tracker.SetSuspended(b.commentsOpen)
	case 'h':
		b.hidden = !b.hidden
		b.tracker.SetHidden(b.hidden)
	case 'l':
		b.toggleLike()
	case 'v':
		b.advanceVideo()
	case 'r':
		if err := b.ctrl.Refetch(ctx); err != nil {
			return false, err
		}
		b.tracker.SetItems(b.ctrl.Items())
	case 'q', 3: // 3 is ctrl-c in raw mode
		b.tracker.PageHide()
		return true, nil
	}
	return false, nil
}

func (b *Browser) focus(i int) {
	b.index = i
	b.tracker.SetCurrentIndex(i)
}

func (b *Browser) next(ctx context.Context) error {
	items := b.ctrl.Items()
	if len(items)-(b.index+1) <= prefetchDistance && b.ctrl.HasNextPage() {
		if err := b.ctrl.FetchNextPage(ctx); err != nil {
			return err
		}
		items = b.ctrl.Items()
		b.tracker.SetItems(items)
	}
	if b.index+1 < len(items) {
		b.focus(b.index + 1)
	} else {
		b.status = "end of feed"
	}
	return nil
}

func (b *Browser) toggleLike() {
	items := b.ctrl.Items()
	if b.index >= len(items) || !items[b.index].IsPost() {
		b.status = "only posts can be liked"
		return
	}
	item := items[b.index]
	liked := item.Metrics.ViewerHasLiked != nil && *item.Metrics.ViewerHasLiked

	step := 1
	if liked {
		step = -1
	}
	b.ctrl.ApplyEngagementDelta(item.ItemID, feed.EngagementDelta{
		Mode:           feed.ModeDelta,
		LikeCount:      feed.Int(step),
		ViewerHasLiked: feed.Bool(!liked),
	})
	b.tracker.SetItems(b.ctrl.Items())
}

func (b *Browser) advanceVideo() {
	items := b.ctrl.Items()
	if b.index >= len(items) {
		return
	}
	item := items[b.index]
	if _, ok := item.VideoURL(); !ok || !item.IsPost() {
		b.status = "no video on this item"
		return
	}
	pos := b.videoPos[item.ItemID] + videoStepSeconds
	if pos > simulatedVideoSeconds {
		pos = simulatedVideoSeconds
	}
	b.videoPos[item.ItemID] = pos
	b.tracker.OnVideoTimeUpdate(item.ItemID, pos, simulatedVideoSeconds)
}

// Render draws the window of items around the focal index
func (b *Browser) Render() {
	var buf bytes.Buffer
	buf.WriteString("\x1b[H\x1b[2J")

	items := b.ctrl.Items()
	from := b.index - windowBefore
	if from < 0 {
		from = 0
	}
	to := b.index + windowAfter
	if to > len(items) {
		to = len(items)
	}
	for i := from; i < to; i++ {
		output.PrintFeedItem(&buf, i+1, items[i], i == b.index)
	}

	faint := color.New(color.Faint)
	if p, ok := b.tracker.Pending(); ok {
		state := "viewing"
		if p.Completed {
			state = "completed"
		}
		fmt.Fprintf(&buf, "\n%s\n", faint.Sprintf("dwell %.0f ms, %s, %d buffered", p.DwellMs, state, len(b.tracker.Buffered())))
	}
	if b.commentsOpen {
		fmt.Fprintln(&buf, color.New(color.FgYellow).Sprint("comments open, dwell paused"))
	}
	if b.hidden {
		fmt.Fprintln(&buf, color.New(color.FgYellow).Sprint("hidden, dwell paused"))
	}
	if b.status != "" {
		fmt.Fprintln(&buf, b.status)
	}
	fmt.Fprintln(&buf, faint.Sprint("j/k move  l like  c comments  v video  h hide  r refresh  q quit"))

	_, _ = b.out.Write(buf.Bytes())
}

// Run reads keys from in until quit or EOF. A terminal is put in raw mode
// for the duration.
func (b *Browser) Run(ctx context.Context, in *os.File) error {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to enter raw mode: %w", err)
		}
		defer func() { _ = term.Restore(fd, state) }()
		b.out = crlfWriter{b.out}
	}

	if err := b.Start(ctx); err != nil {
		return err
	}
	b.Render()

	reader := bufio.NewReader(in)
	for {
		r, _, err := reader.ReadRune()
		if err != nil {
			b.tracker.PageHide()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		quit, err := b.HandleKey(ctx, r)
		if err != nil {
			logger.Warn("Browse action failed", "key", string(r), "error", err)
			b.status = color.New(color.FgRed).Sprint(err.Error())
		}
		if quit {
			return nil
		}
		b.Render()
	}
}

// crlfWriter turns bare newlines into CRLF for raw-mode terminals
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
