package bulk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"QFetch/core/filecache"
	"QFetch/core/naming"
	"QFetch/core/plugin"
	"QFetch/core/prefetch"
	"QFetch/core/retry"
	"QFetch/core/worker"
	"QFetch/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(max int) retry.Policy {
	return retry.Policy{MaxAttempts: max, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1.5, RetryNotFound: true}
}

func testOptions(dir string) Options {
	return Options{
		OutputDir:      dir,
		Naming:         naming.DefaultOptions(),
		TrackPolicy:    fastPolicy(3),
		MetadataPolicy: fastPolicy(3),
		MaxConcurrent:  1,
	}
}

func album(title string, n int) *model.Resolution {
	res := &model.Resolution{Type: model.ItemAlbum, Title: title}
	for i := 1; i <= n; i++ {
		res.Tracks = append(res.Tracks, model.Track{
			ID:       fmt.Sprintf("%s-%d", title, i),
			Title:    fmt.Sprintf("%s Song %d", title, i),
			Artist:   "Band",
			Album:    title,
			Position: i,
			ISRC:     fmt.Sprintf("ISRC%s%d", title, i),
		})
	}
	return res
}

// catalog 按URI返回预设结果，并记录调用次数
type catalog struct {
	mu      sync.Mutex
	results map[string]*model.Resolution
	errs    map[string]error
	calls   map[string]int
}

func newCatalog() *catalog {
	return &catalog{results: map[string]*model.Resolution{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (c *catalog) Resolve(ctx context.Context, uri string) (*model.Resolution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[uri]++
	if err, ok := c.errs[uri]; ok {
		return nil, err
	}
	if r, ok := c.results[uri]; ok {
		return r, nil
	}
	return nil, model.ErrNotFound
}

// fileAdapter 写出文件；failISRC 中的曲目总是返回 NotFound
type fileAdapter struct {
	calls    atomic.Int32
	failISRC map[string]bool
	inflight atomic.Int32
	maxSeen  atomic.Int32
	hold     time.Duration
	panicOn  string
	fetched  sync.Map
}

func (a *fileAdapter) Name() string { return "fake" }

func (a *fileAdapter) Fetch(ctx context.Context, t model.Track, dir string, sig plugin.Signals) (string, error) {
	a.calls.Add(1)
	n := a.inflight.Add(1)
	defer a.inflight.Add(-1)
	for {
		m := a.maxSeen.Load()
		if n <= m || a.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if t.ISRC == a.panicOn {
		panic("adapter exploded")
	}
	if a.hold > 0 {
		time.Sleep(a.hold)
	}
	if a.failISRC[t.ISRC] {
		return "", model.ErrNotFound
	}
	if prev, loaded := a.fetched.LoadOrStore(t.ID, 1); loaded {
		a.fetched.Store(t.ID, prev.(int)+1)
	}
	p := filepath.Join(dir, "tmp.flac")
	return p, os.WriteFile(p, []byte(t.Title), 0644)
}

// recorder 记录事件并检查计数不变式
type recorder struct {
	mu         sync.Mutex
	t          *testing.T
	items      []model.SourceItem
	tracks     []model.TrackEvent
	progress   []model.ProgressEvent
	completion *model.CompletionEvent
	onTrack    func(ev model.TrackEvent)
}

func (r *recorder) OnItem(runID string, item model.SourceItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.LessOrEqual(r.t, item.Downloaded+len(item.FailedTracks), item.TracksCount)
	if item.Status == model.ItemCompleted || item.Status == model.ItemCompletedWithErrors {
		assert.Equal(r.t, item.TracksCount, item.Downloaded+len(item.FailedTracks))
	}
	r.items = append(r.items, item)
}

func (r *recorder) OnTrack(runID string, ev model.TrackEvent) {
	r.mu.Lock()
	r.tracks = append(r.tracks, ev)
	cb := r.onTrack
	r.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (r *recorder) OnProgress(runID string, ev model.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, ev)
}

func (r *recorder) OnComplete(runID string, ev model.CompletionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completion = &ev
}

func (r *recorder) finalTracks(status model.JobStatus) []model.TrackEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.TrackEvent
	for _, ev := range r.tracks {
		if ev.Status == status {
			out = append(out, ev)
		}
	}
	return out
}

func items(uris ...string) []*model.SourceItem {
	out := make([]*model.SourceItem, len(uris))
	for i, u := range uris {
		out[i] = model.NewSourceItem(u, i+1)
	}
	return out
}

func TestRunOutcomes(t *testing.T) {
	dir := t.TempDir()
	cat := newCatalog()
	cat.results["spotify.com/album/a"] = album("Alpha", 2)
	cat.results["spotify.com/album/b"] = album("Beta", 2)
	cat.errs["spotify.com/artist/x"] = model.ErrInvalidSourceURI
	// spotify.com/album/missing 未注册，始终 NotFound

	adapter := &fileAdapter{failISRC: map[string]bool{"ISRCBeta2": true}}
	rec := &recorder{t: t}
	o := New("run-1", cat, adapter, nil, testOptions(dir), rec)

	in := items("spotify.com/album/a", "spotify.com/artist/x", "spotify.com/album/b", "spotify.com/album/missing")
	ev, err := o.Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 4, ev.TotalURLs)
	assert.Equal(t, 2, ev.SuccessfulURLs)
	assert.Equal(t, 2, ev.FailedURLs)
	assert.Equal(t, 4, ev.TotalTracks)
	assert.Equal(t, 3, ev.DownloadedTracks)
	assert.Equal(t, 1, ev.FailedTracks)
	assert.False(t, ev.Stopped)
	assert.Equal(t, &ev, o.Result())

	got := o.Items()
	assert.Equal(t, model.ItemCompleted, got[0].Status)
	assert.Equal(t, model.ItemFailed, got[1].Status)
	assert.Equal(t, model.ItemCompletedWithErrors, got[2].Status)
	assert.Equal(t, model.ItemFailed, got[3].Status)
	assert.Equal(t, 1, got[2].Downloaded)
	require.Len(t, got[2].FailedTracks, 1)
	assert.Equal(t, "Beta Song 2", got[2].FailedTracks[0].Track.Title)

	// 非重试错误只调用一次，NotFound 用满重试次数
	assert.Equal(t, 1, cat.calls["spotify.com/artist/x"])
	assert.Equal(t, 3, cat.calls["spotify.com/album/missing"])
	// 失败曲目重试3次，其余各1次
	assert.EqualValues(t, 3+3, adapter.calls.Load())

	assert.FileExists(t, filepath.Join(dir, "Alpha", "01 - Alpha Song 1 - Band.flac"))
	assert.FileExists(t, filepath.Join(dir, "Alpha", "02 - Alpha Song 2 - Band.flac"))

	last := rec.progress[len(rec.progress)-1]
	assert.Equal(t, 100.0, last.ProgressPercentage)
	assert.Equal(t, 75.0, last.TrackProgressPercentage)
	require.NotNil(t, rec.completion)
	assert.Equal(t, ev, *rec.completion)
}

func TestRerunSkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	cat := newCatalog()
	cat.results["spotify.com/album/a"] = album("Alpha", 3)
	adapter := &fileAdapter{}

	_, err := New("", cat, adapter, nil, testOptions(dir), nil).Run(context.Background(), items("spotify.com/album/a"))
	require.NoError(t, err)
	require.EqualValues(t, 3, adapter.calls.Load())

	rec := &recorder{t: t}
	ev, err := New("", cat, adapter, nil, testOptions(dir), rec).Run(context.Background(), items("spotify.com/album/a"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, adapter.calls.Load())
	assert.Equal(t, 3, ev.DownloadedTracks)
	for _, tr := range rec.finalTracks(model.JobDone) {
		assert.Equal(t, "already exists", tr.Message)
	}
}

func TestPauseBlocksUntilResume(t *testing.T) {
	cat := newCatalog()
	cat.results["spotify.com/album/a"] = album("Alpha", 2)
	cat.results["spotify.com/album/b"] = album("Beta", 2)
	adapter := &fileAdapter{}
	rec := &recorder{t: t}
	o := New("", cat, adapter, nil, testOptions(t.TempDir()), rec)

	paused := make(chan struct{})
	var once sync.Once
	rec.onTrack = func(ev model.TrackEvent) {
		if ev.Status == model.JobDone && ev.Line == 1 && ev.Index == 1 {
			once.Do(func() {
				o.Pause()
				close(paused)
			})
		}
	}

	done := make(chan model.CompletionEvent, 1)
	go func() {
		ev, _ := o.Run(context.Background(), items("spotify.com/album/a", "spotify.com/album/b"))
		done <- ev
	}()

	<-paused
	time.Sleep(80 * time.Millisecond)
	assert.EqualValues(t, 1, adapter.calls.Load())
	assert.True(t, o.IsPaused())

	o.Resume()
	select {
	case ev := <-done:
		assert.Equal(t, 4, ev.DownloadedTracks)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	// 恢复后从下一首继续，每首只下载一次
	assert.EqualValues(t, 4, adapter.calls.Load())
	adapter.fetched.Range(func(k, v any) bool {
		assert.Equal(t, 1, v, "track %v fetched more than once", k)
		return true
	})
}

func TestStopMidItemKeepsPartialCounts(t *testing.T) {
	cat := newCatalog()
	cat.results["spotify.com/album/a"] = album("Alpha", 2)
	cat.results["spotify.com/album/b"] = album("Beta", 3)
	cat.results["spotify.com/album/c"] = album("Gamma", 1)
	adapter := &fileAdapter{}
	rec := &recorder{t: t}
	o := New("", cat, adapter, nil, testOptions(t.TempDir()), rec)

	rec.onTrack = func(ev model.TrackEvent) {
		if ev.Status == model.JobDone && ev.Line == 2 && ev.Index == 2 {
			o.Stop()
		}
	}

	ev, err := o.Run(context.Background(), items("spotify.com/album/a", "spotify.com/album/b", "spotify.com/album/c"))
	require.NoError(t, err)
	assert.True(t, ev.Stopped)
	assert.Equal(t, 3, ev.TotalURLs)
	assert.Equal(t, 1, ev.SuccessfulURLs)
	assert.Equal(t, 0, ev.FailedURLs)
	assert.Equal(t, 5, ev.TotalTracks)
	assert.Equal(t, 4, ev.DownloadedTracks)
	assert.Equal(t, 0, ev.FailedTracks)
	assert.EqualValues(t, 4, adapter.calls.Load())

	got := o.Items()
	assert.Equal(t, model.ItemCompleted, got[0].Status)
	assert.Equal(t, model.ItemTrackDownload, got[1].Status)
	assert.Equal(t, 2, got[1].Downloaded)
	assert.Equal(t, model.ItemPending, got[2].Status)
	assert.Zero(t, cat.calls["spotify.com/album/c"])
}

func TestStopDuringMetadataRetry(t *testing.T) {
	cat := newCatalog()
	opts := testOptions(t.TempDir())
	opts.MetadataPolicy = retry.Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1.5, RetryNotFound: true}
	o := New("", cat, &fileAdapter{}, nil, opts, nil)

	go func() {
		time.Sleep(30 * time.Millisecond)
		o.Stop()
	}()
	start := time.Now()
	ev, err := o.Run(context.Background(), items("spotify.com/album/nothing"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, ev.Stopped)
	assert.Equal(t, 0, ev.FailedURLs)
	assert.Equal(t, model.ItemMetadataFetch, o.Items()[0].Status)
}

func TestConcurrencyKnob(t *testing.T) {
	for _, limit := range []int{1, 3} {
		t.Run(fmt.Sprintf("max_%d", limit), func(t *testing.T) {
			cat := newCatalog()
			var uris []string
			for i := 0; i < 3; i++ {
				uri := fmt.Sprintf("spotify.com/album/%d", i)
				cat.results[uri] = album(fmt.Sprintf("A%d", i), 2)
				uris = append(uris, uri)
			}
			adapter := &fileAdapter{hold: 40 * time.Millisecond}
			rec := &recorder{t: t}
			opts := testOptions(t.TempDir())
			opts.MaxConcurrent = limit

			ev, err := New("", cat, adapter, nil, opts, rec).Run(context.Background(), items(uris...))
			require.NoError(t, err)
			assert.Equal(t, 6, ev.DownloadedTracks)
			assert.LessOrEqual(t, int(adapter.maxSeen.Load()), limit)
			if limit > 1 {
				assert.Greater(t, int(adapter.maxSeen.Load()), 1)
			}

			// 同一条目内的事件按顺序到达
			lastIndex := map[int]int{}
			for _, tr := range rec.finalTracks(model.JobDone) {
				assert.Equal(t, lastIndex[tr.Line]+1, tr.Index)
				lastIndex[tr.Line] = tr.Index
			}

			// 并发条目下进度快照不回退
			rec.mu.Lock()
			defer rec.mu.Unlock()
			for i := 1; i < len(rec.progress); i++ {
				prev, cur := rec.progress[i-1], rec.progress[i]
				assert.GreaterOrEqual(t, cur.ProcessedURLs, prev.ProcessedURLs)
				assert.GreaterOrEqual(t, cur.TotalTracks, prev.TotalTracks)
				assert.GreaterOrEqual(t, cur.DownloadedTracks+cur.FailedTracks, prev.DownloadedTracks+prev.FailedTracks)
			}
		})
	}
}

func TestPanicBecomesRunError(t *testing.T) {
	cat := newCatalog()
	cat.results["spotify.com/album/a"] = album("Alpha", 2)
	adapter := &fileAdapter{panicOn: "ISRCAlpha2"}
	rec := &recorder{t: t}

	ev, err := New("", cat, adapter, nil, testOptions(t.TempDir()), rec).Run(context.Background(), items("spotify.com/album/a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adapter exploded")
	assert.Equal(t, 1, ev.DownloadedTracks)
	assert.NotEmpty(t, ev.Error)
	require.NotNil(t, rec.completion)
}

func TestRunTwiceAndEmpty(t *testing.T) {
	o := New("", newCatalog(), &fileAdapter{}, nil, testOptions(t.TempDir()), nil)
	_, err := o.Run(context.Background(), nil)
	assert.ErrorIs(t, err, model.ErrNoValidSources)
	_, err = o.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestPrepareExposesItemsBeforeRun(t *testing.T) {
	cat := newCatalog()
	cat.results["spotify.com/album/a"] = album("Alpha", 1)
	cat.results["spotify.com/album/b"] = album("Beta", 1)
	o := New("", cat, &fileAdapter{}, nil, testOptions(t.TempDir()), nil)

	require.NoError(t, o.Prepare(items("spotify.com/album/a", "spotify.com/album/b")))
	assert.ErrorIs(t, o.Prepare(items("spotify.com/album/c")), ErrAlreadyRunning)
	require.Len(t, o.Items(), 2)
	assert.Equal(t, model.ItemPending, o.Items()[0].Status)
	assert.Equal(t, 2, o.Progress().TotalURLs)

	ev, err := o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.TotalURLs)
	assert.Equal(t, 2, ev.DownloadedTracks)

	_, err = o.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.ErrorIs(t, o.Prepare(nil), ErrAlreadyRunning)
}

func TestRunCopiesTracksPrefetchedByPlayer(t *testing.T) {
	dir := t.TempDir()
	res := album("Alpha", 2)
	cat := newCatalog()
	cat.results["spotify.com/album/a"] = res

	adapter := &fileAdapter{}
	store := filecache.New(t.TempDir(), ".flac")
	player := prefetch.New(adapter, store, prefetch.Config{Policy: fastPolicy(2), IdleWait: 5 * time.Millisecond})
	player.Start(context.Background())
	t.Cleanup(func() { player.Close() })

	// 当前曲目和下一首都会被预取
	player.Load(res.Tracks, 0)
	for i := range res.Tracks {
		require.Eventually(t, func() bool {
			return player.State(i).State == prefetch.StateCached
		}, 2*time.Second, 5*time.Millisecond)
	}
	require.EqualValues(t, 2, adapter.calls.Load())

	rec := &recorder{t: t}
	o := New("run-1", cat, adapter, store, testOptions(dir), rec)
	ev, err := o.Run(context.Background(), items("spotify.com/album/a"))
	require.NoError(t, err)
	assert.Equal(t, 2, ev.DownloadedTracks)

	// 运行直接复制缓存文件，适配器不再被调用
	assert.EqualValues(t, 2, adapter.calls.Load())
	done := rec.finalTracks(model.JobDone)
	require.Len(t, done, 2)
	for _, d := range done {
		assert.Equal(t, worker.ReasonCached, d.Message)
	}
	assert.FileExists(t, filepath.Join(dir, "Alpha", "01 - Alpha Song 1 - Band.flac"))
}
