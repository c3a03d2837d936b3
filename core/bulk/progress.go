package bulk

import (
	"fmt"
	"sync"
	"time"

	"QFetch/model"
)

// Percent part/total*100，total为0时返回0
func Percent(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// EstimateRemaining 按每个URL的平均耗时估算剩余时间；processed为0时无法估算。
// rate = processed/elapsed，remaining = (total-processed)/rate
func EstimateRemaining(elapsed time.Duration, processed, total int) (time.Duration, bool) {
	if processed <= 0 || total <= 0 {
		return 0, false
	}
	remaining := total - processed
	if remaining < 0 || elapsed <= 0 {
		return 0, true
	}
	return time.Duration(float64(elapsed) * float64(remaining) / float64(processed)), true
}

// FormatETA 格式化为 hh:mm:ss
func FormatETA(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
}

// Tracker 汇总一次运行的计数，百分比和ETA在每次读取时重新计算
type Tracker struct {
	mu               sync.Mutex
	totalURLs        int
	processedURLs    int
	successfulURLs   int
	failedURLs       int
	totalTracks      int
	downloadedTracks int
	failedTracks     int
	start            time.Time
	now              func() time.Time
}

// NewTracker 创建并开始计时
func NewTracker(totalURLs int) *Tracker {
	return newTrackerWithClock(totalURLs, time.Now)
}

func newTrackerWithClock(totalURLs int, now func() time.Time) *Tracker {
	return &Tracker{totalURLs: totalURLs, now: now, start: now()}
}

// AddTracks 元数据解析成功后累加曲目总数
func (t *Tracker) AddTracks(n int) {
	t.mu.Lock()
	t.totalTracks += n
	t.mu.Unlock()
}

// TrackDone 一首曲目成功
func (t *Tracker) TrackDone() {
	t.mu.Lock()
	t.downloadedTracks++
	t.mu.Unlock()
}

// TrackFailed 一首曲目失败
func (t *Tracker) TrackFailed() {
	t.mu.Lock()
	t.failedTracks++
	t.mu.Unlock()
}

// ItemFinished 一个条目到达终态
func (t *Tracker) ItemFinished(status model.ItemStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processedURLs++
	if status == model.ItemFailed {
		t.failedURLs++
	} else {
		t.successfulURLs++
	}
}

// Snapshot 当前进度
func (t *Tracker) Snapshot() model.ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	ev := model.ProgressEvent{
		TotalURLs:               t.totalURLs,
		ProcessedURLs:           t.processedURLs,
		SuccessfulURLs:          t.successfulURLs,
		FailedURLs:              t.failedURLs,
		TotalTracks:             t.totalTracks,
		DownloadedTracks:        t.downloadedTracks,
		FailedTracks:            t.failedTracks,
		ProgressPercentage:      Percent(t.processedURLs, t.totalURLs),
		TrackProgressPercentage: Percent(t.downloadedTracks, t.totalTracks),
	}
	if eta, ok := EstimateRemaining(t.now().Sub(t.start), t.processedURLs, t.totalURLs); ok {
		s := FormatETA(eta)
		ev.EstimatedTimeRemaining = &s
	}
	return ev
}

// Completion 结束事件
func (t *Tracker) Completion() model.CompletionEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return model.CompletionEvent{
		TotalURLs:        t.totalURLs,
		SuccessfulURLs:   t.successfulURLs,
		FailedURLs:       t.failedURLs,
		TotalTracks:      t.totalTracks,
		DownloadedTracks: t.downloadedTracks,
		FailedTracks:     t.failedTracks,
		Duration:         t.now().Sub(t.start),
	}
}
