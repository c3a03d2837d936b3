package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"QFetch/model"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

// reporter 终端进度：曲目进度条 + 结束汇总，满足 bulk.Sink
type reporter struct {
	mu     sync.Mutex
	out    io.Writer
	bar    *progressbar.ProgressBar
	max    int
	bytes  int64
	failed []string
	items  map[int]model.SourceItem
}

func newReporter(out io.Writer) *reporter {
	return &reporter{
		out:   out,
		items: make(map[int]model.SourceItem),
		bar: progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription("resolving"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSpinnerType(14),
		),
	}
}

func (r *reporter) OnItem(runID string, item model.SourceItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.Line] = item
}

func (r *reporter) OnTrack(runID string, ev model.TrackEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Status {
	case model.JobDone:
		r.bytes += ev.Size
	case model.JobFailed:
		r.failed = append(r.failed, fmt.Sprintf("line %d: %s (%s)", ev.Line, ev.Title, ev.Message))
	}
}

func (r *reporter) OnProgress(runID string, ev model.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.TotalTracks > 0 && ev.TotalTracks != r.max {
		r.max = ev.TotalTracks
		r.bar.ChangeMax(ev.TotalTracks)
	}
	desc := fmt.Sprintf("links %d/%d", ev.ProcessedURLs, ev.TotalURLs)
	if ev.EstimatedTimeRemaining != nil {
		desc += " eta " + *ev.EstimatedTimeRemaining
	}
	r.bar.Describe(desc)
	r.bar.Set(ev.DownloadedTracks + ev.FailedTracks)
}

func (r *reporter) OnComplete(runID string, ev model.CompletionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bar.Finish()
	fmt.Fprintln(r.out)
	fmt.Fprint(r.out, r.summary(ev))
}

// summary 汇总文本，需要持有锁
func (r *reporter) summary(ev model.CompletionEvent) string {
	var b strings.Builder
	status := "finished"
	if ev.Stopped {
		status = "stopped"
	}
	fmt.Fprintf(&b, "Run %s in %s\n", status, ev.Duration.Round(time.Second))
	fmt.Fprintf(&b, "  links:  %d ok, %d failed, %d total\n", ev.SuccessfulURLs, ev.FailedURLs, ev.TotalURLs)
	fmt.Fprintf(&b, "  tracks: %d downloaded, %d failed, %d total (%s)\n",
		ev.DownloadedTracks, ev.FailedTracks, ev.TotalTracks, humanize.Bytes(uint64(r.bytes)))
	lines := make([]int, 0, len(r.items))
	for line, item := range r.items {
		if item.Status == model.ItemFailed {
			lines = append(lines, line)
		}
	}
	sort.Ints(lines)
	for _, line := range lines {
		item := r.items[line]
		fmt.Fprintf(&b, "  failed link line %d: %s (%s)\n", item.Line, item.RawURI, item.Error)
	}
	for _, f := range r.failed {
		fmt.Fprintf(&b, "  failed track %s\n", f)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, "  error: %s\n", ev.Error)
	}
	return b.String()
}
