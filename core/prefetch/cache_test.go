package prefetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"QFetch/core/filecache"
	"QFetch/core/plugin"
	"QFetch/core/retry"
	"QFetch/core/worker"
	"QFetch/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
	hold  chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{calls: map[string]int{}, fail: map[string]bool{}}
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Fetch(ctx context.Context, t model.Track, destDir string, sig plugin.Signals) (string, error) {
	a.mu.Lock()
	a.calls[t.ISRC]++
	fail := a.fail[t.ISRC]
	hold := a.hold
	a.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return "", model.ErrUserCancelled
		}
	}
	if fail {
		return "", model.ErrNotFound
	}
	p := filepath.Join(destDir, t.ISRC+".flac")
	return p, os.WriteFile(p, []byte("audio"), 0644)
}

func (a *fakeAdapter) count(isrc string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[isrc]
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *noticeLog) add(n Notice) {
	l.mu.Lock()
	l.notices = append(l.notices, n)
	l.mu.Unlock()
}

func (l *noticeLog) has(kind NoticeKind, index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.notices {
		if n.Kind == kind && n.Index == index {
			return true
		}
	}
	return false
}

func (l *noticeLog) find(kind NoticeKind) (Notice, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.notices {
		if n.Kind == kind {
			return n, true
		}
	}
	return Notice{}, false
}

func tracks(n int) []model.Track {
	out := make([]model.Track, n)
	for i := range out {
		out[i] = model.Track{ID: fmt.Sprint(i), Title: fmt.Sprintf("Song %d", i), Artist: "Band", ISRC: fmt.Sprintf("ISRC%d", i)}
	}
	return out
}

func newTestCache(t *testing.T, a *fakeAdapter, log *noticeLog) *Cache {
	t.Helper()
	cfg := Config{
		Policy:              retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, RetryNotFound: true},
		IdleWait:            5 * time.Millisecond,
		AutoPlayInterval:    10 * time.Millisecond,
		AutoPlayMaxAttempts: 5,
		OnNotice:            log.add,
	}
	c := New(a, filecache.New(t.TempDir(), ".flac"), cfg)
	c.Start(context.Background())
	t.Cleanup(func() { c.Close() })
	return c
}

func waitState(t *testing.T, c *Cache, index int, want State) TrackState {
	t.Helper()
	require.Eventually(t, func() bool { return c.State(index).State == want }, 2*time.Second, 5*time.Millisecond)
	return c.State(index)
}

func TestLoadCachesCurrentAndNext(t *testing.T) {
	a := newFakeAdapter()
	log := &noticeLog{}
	c := newTestCache(t, a, log)

	c.Load(tracks(4), 0)
	st := waitState(t, c, 0, StateCached)
	waitState(t, c, 1, StateCached)
	assert.True(t, filecache.Valid(st.Path))
	assert.Equal(t, StateNone, c.State(2).State)
	assert.Equal(t, StateNone, c.State(3).State)

	require.Eventually(t, func() bool { return log.has(TrackReady, 0) }, time.Second, 5*time.Millisecond)
	assert.False(t, log.has(TrackReady, 1))
}

func TestSelectIsIdempotent(t *testing.T) {
	a := newFakeAdapter()
	c := newTestCache(t, a, &noticeLog{})

	c.Load(tracks(4), 0)
	waitState(t, c, 1, StateCached)

	c.Select(1)
	c.Select(1)
	waitState(t, c, 2, StateCached)
	// 已缓存的曲目不会重新下载
	assert.Equal(t, 1, a.count("ISRC0"))
	assert.Equal(t, 1, a.count("ISRC1"))
	assert.Equal(t, 1, a.count("ISRC2"))
	assert.Equal(t, 1, c.Current())
}

func TestNextAndPrevious(t *testing.T) {
	a := newFakeAdapter()
	c := newTestCache(t, a, &noticeLog{})

	c.Load(tracks(3), 0)
	c.Next()
	c.Next()
	assert.Equal(t, 2, c.Current())
	c.Next()
	assert.Equal(t, 2, c.Current())
	c.Previous()
	assert.Equal(t, 1, c.Current())

	waitState(t, c, 2, StateCached)
	assert.Len(t, c.States(), 3)
}

func TestFailedTrackNotifies(t *testing.T) {
	a := newFakeAdapter()
	a.fail["ISRC0"] = true
	log := &noticeLog{}
	c := newTestCache(t, a, log)

	c.Load(tracks(2), 0)
	st := waitState(t, c, 0, StateFailed)
	assert.NotEmpty(t, st.Error)
	assert.Equal(t, 2, a.count("ISRC0"))
	require.Eventually(t, func() bool { return log.has(TrackFailed, 0) }, time.Second, 5*time.Millisecond)
}

func TestRequestPlayReadyImmediately(t *testing.T) {
	a := newFakeAdapter()
	log := &noticeLog{}
	c := newTestCache(t, a, log)

	c.Load(tracks(2), 0)
	waitState(t, c, 0, StateCached)

	c.RequestPlay()
	n, ok := log.find(PlayReady)
	require.True(t, ok)
	assert.Equal(t, 0, n.Attempt)
}

func TestRequestPlayWaitsForDownload(t *testing.T) {
	a := newFakeAdapter()
	a.hold = make(chan struct{})
	log := &noticeLog{}
	c := newTestCache(t, a, log)

	c.Load(tracks(2), 0)
	c.RequestPlay()
	_, ok := log.find(PlayReady)
	assert.False(t, ok)

	a.mu.Lock()
	close(a.hold)
	a.mu.Unlock()
	require.Eventually(t, func() bool { return log.has(PlayReady, 0) }, 2*time.Second, 5*time.Millisecond)
}

func TestRequestPlayGivesUp(t *testing.T) {
	a := newFakeAdapter()
	a.hold = make(chan struct{})
	log := &noticeLog{}
	c := newTestCache(t, a, log)

	c.Load(tracks(1), 0)
	c.RequestPlay()
	require.Eventually(t, func() bool { return log.has(PlayUnavailable, 0) }, 2*time.Second, 5*time.Millisecond)
	n, _ := log.find(PlayUnavailable)
	assert.Contains(t, n.Error, "could not prepare track")
	assert.Equal(t, 5, n.Attempt)
	_, ok := log.find(PlayReady)
	assert.False(t, ok)

	a.mu.Lock()
	close(a.hold)
	a.mu.Unlock()
}

func TestRequestPlayGivesUpEarlyOnFailure(t *testing.T) {
	a := newFakeAdapter()
	a.fail["ISRC0"] = true
	log := &noticeLog{}
	c := newTestCache(t, a, log)

	c.Load(tracks(1), 0)
	c.RequestPlay()
	require.Eventually(t, func() bool { return log.has(PlayUnavailable, 0) }, 2*time.Second, 5*time.Millisecond)
	n, _ := log.find(PlayUnavailable)
	assert.Contains(t, n.Error, "not found")
}

func TestCloseRemovesCacheDir(t *testing.T) {
	a := newFakeAdapter()
	c := New(a, filecache.New(t.TempDir(), ".flac"), Config{IdleWait: 5 * time.Millisecond})
	c.Start(context.Background())

	c.Load(tracks(1), 0)
	st := waitState(t, c, 0, StateCached)
	dir := filepath.Dir(st.Path)

	require.NoError(t, c.Close())
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestCancelledDownloadCanBeQueuedAgain(t *testing.T) {
	// 不启动worker，手动模拟取出任务后被取消
	c := New(newFakeAdapter(), filecache.New(t.TempDir(), ".flac"), Config{})
	t.Cleanup(func() { c.Close() })

	list := tracks(3)
	c.Load(list, 0)
	key := list[0].Key()
	require.True(t, c.queue.Contains(key))

	req, ok := c.queue.Dequeue()
	require.True(t, ok)
	require.Equal(t, key, req.Key())
	assert.Equal(t, StateQueued, c.State(0).State)

	c.apply(worker.Result{JobID: req.Job.ID, Track: list[0], Status: model.JobCancelled, Err: model.ErrUserCancelled})
	assert.Equal(t, StateNone, c.State(0).State)

	c.Select(0)
	assert.True(t, c.queue.Contains(key))
	assert.Equal(t, StateQueued, c.State(0).State)

	// 仍在队列中的曲目保持排队状态
	c.apply(worker.Result{Track: list[1], Status: model.JobCancelled})
	assert.Equal(t, StateQueued, c.State(1).State)
}
