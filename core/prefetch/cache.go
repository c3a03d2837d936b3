// Package prefetch 为播放器预取当前和下一首曲目。
package prefetch

import (
	"context"
	"sync"
	"time"

	"QFetch/core/filecache"
	"QFetch/core/naming"
	"QFetch/core/plugin"
	"QFetch/core/queue"
	"QFetch/core/retry"
	"QFetch/core/worker"
	"QFetch/logger"
	"QFetch/model"

	"github.com/google/uuid"
)

// State 单曲的缓存状态
type State string

const (
	StateNone   State = ""
	StateQueued State = "queued"
	StateCached State = "cached"
	StateFailed State = "failed"
)

// NoticeKind 通知播放器的事件类型
type NoticeKind string

const (
	TrackReady      NoticeKind = "track_ready"      // 当前曲目缓存完成，可以加载
	TrackFailed     NoticeKind = "track_failed"     // 某首曲目缓存失败
	PlayReady       NoticeKind = "play_ready"       // 之前请求的播放现在可以开始
	PlayUnavailable NoticeKind = "play_unavailable" // could not prepare track
)

// Notice 发给播放器的通知，值类型
type Notice struct {
	Kind    NoticeKind  `json:"kind"`
	Index   int         `json:"index"`
	Track   model.Track `json:"track"`
	Path    string      `json:"path,omitempty"`
	Error   string      `json:"error,omitempty"`
	Attempt int         `json:"attempt,omitempty"`
}

// TrackState 曲目状态快照
type TrackState struct {
	Index int         `json:"index"`
	Track model.Track `json:"track"`
	State State       `json:"state"`
	Path  string      `json:"path,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Config 预取配置
type Config struct {
	Policy              retry.Policy
	IdleWait            time.Duration
	AutoPlayInterval    time.Duration
	AutoPlayMaxAttempts int
	OnNotice            func(Notice)
}

// DefaultConfig 固定2秒重试3次，自动播放每300ms检查一次
func DefaultConfig() Config {
	return Config{
		Policy:              retry.PrefetchPolicy(),
		IdleWait:            worker.DefaultIdleWait,
		AutoPlayInterval:    300 * time.Millisecond,
		AutoPlayMaxAttempts: 20,
	}
}

type entry struct {
	state State
	path  string
	err   string
}

// Cache 播放预取缓存。只缓存当前曲目和下一首。
type Cache struct {
	store   *filecache.Store
	worker  *worker.Worker
	control *worker.Control
	queue   *queue.Queue[*worker.Request]
	cfg     Config

	mu      sync.Mutex
	tracks  []model.Track
	current int
	entries map[string]*entry
	playGen int

	results chan worker.Result
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New 创建预取缓存，store 为进程级缓存目录
func New(adapter plugin.ServiceAdapter, store *filecache.Store, cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = def.Policy
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = def.IdleWait
	}
	if cfg.AutoPlayInterval <= 0 {
		cfg.AutoPlayInterval = def.AutoPlayInterval
	}
	if cfg.AutoPlayMaxAttempts <= 0 {
		cfg.AutoPlayMaxAttempts = def.AutoPlayMaxAttempts
	}
	control := worker.NewControl()
	return &Cache{
		store:   store,
		control: control,
		worker:  worker.New(adapter, nil, control, worker.Config{Naming: naming.DefaultOptions(), Policy: cfg.Policy, IdleWait: cfg.IdleWait}),
		queue:   worker.NewQueue(),
		cfg:     cfg,
		entries: make(map[string]*entry),
		results: make(chan worker.Result, 16),
	}
}

// Start 启动下载worker和结果处理
func (c *Cache) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	logger.Info("[Prefetch] 预取服务启动")

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := c.worker.Run(ctx, c.queue, c.results); err != nil && !model.IsCancelled(err) {
			logger.Warn("[Prefetch] worker异常退出", logger.ErrorField(err))
		}
	}()
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case res := <-c.results:
				c.apply(res)
			}
		}
	}()
}

// Close 停止worker并删除缓存目录
func (c *Cache) Close() error {
	c.control.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.mu.Lock()
	c.playGen++
	c.mu.Unlock()
	logger.Info("[Prefetch] 预取服务已停止")
	return c.store.Cleanup()
}

// Load 载入新的播放列表，入队当前和下一首
func (c *Cache) Load(tracks []model.Track, current int) {
	c.queue.Clear()
	c.mu.Lock()
	c.tracks = append([]model.Track(nil), tracks...)
	c.current = clamp(current, len(c.tracks))
	c.playGen++
	// 队列已清空，排队中的条目需要重新入队
	for k, e := range c.entries {
		if e.state == StateQueued {
			delete(c.entries, k)
		}
	}
	cur := c.current
	c.mu.Unlock()

	c.ensure(cur, false)
	c.ensure(cur+1, false)
}

// Select 切换到任意曲目（用户跳转），当前曲目优先下载
func (c *Cache) Select(index int) {
	c.mu.Lock()
	if index < 0 || index >= len(c.tracks) {
		c.mu.Unlock()
		return
	}
	c.current = index
	c.playGen++
	c.mu.Unlock()

	c.ensure(index+1, true)
	c.ensure(index, true)
}

// Next 下一首
func (c *Cache) Next() {
	c.mu.Lock()
	i := c.current + 1
	c.mu.Unlock()
	c.Select(i)
}

// Previous 上一首
func (c *Cache) Previous() {
	c.mu.Lock()
	i := c.current - 1
	c.mu.Unlock()
	c.Select(i)
}

// Current 当前曲目序号
func (c *Cache) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// States 全部曲目的状态
func (c *Cache) States() []TrackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TrackState, len(c.tracks))
	for i, t := range c.tracks {
		out[i] = c.stateLocked(i, t)
	}
	return out
}

// State 单曲状态
func (c *Cache) State(index int) TrackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.tracks) {
		return TrackState{Index: index}
	}
	return c.stateLocked(index, c.tracks[index])
}

func (c *Cache) stateLocked(i int, t model.Track) TrackState {
	ts := TrackState{Index: i, Track: t}
	if e, ok := c.entries[t.Key()]; ok {
		ts.State, ts.Path, ts.Error = e.state, e.path, e.err
	}
	return ts
}

// ensure 入队某首曲目。已缓存或已排队的不会重复入队；priority 时提到队首。
func (c *Cache) ensure(index int, priority bool) {
	c.mu.Lock()
	if index < 0 || index >= len(c.tracks) {
		c.mu.Unlock()
		return
	}
	t := c.tracks[index]
	key := t.Key()
	e, ok := c.entries[key]
	if ok && e.state == StateCached && filecache.Valid(e.path) {
		c.mu.Unlock()
		return
	}
	if ok && e.state == StateQueued {
		c.mu.Unlock()
		if priority && c.queue.Contains(key) {
			c.queue.PushFront(c.newRequest(t))
		}
		return
	}
	c.entries[key] = &entry{state: StateQueued}
	c.mu.Unlock()

	req := c.newRequest(t)
	if req == nil {
		c.mu.Lock()
		c.entries[key] = &entry{state: StateFailed, err: "cache directory unavailable"}
		c.mu.Unlock()
		return
	}
	if priority {
		c.queue.PushFront(req)
	} else {
		c.queue.Enqueue(req)
	}
	logger.Debug("[Prefetch] 曲目入队", logger.Track(t.Title, t.Artist), logger.Bool("priority", priority))
}

func (c *Cache) newRequest(t model.Track) *worker.Request {
	dest, err := c.store.Path(t)
	if err != nil {
		logger.Error("[Prefetch] 无法创建缓存目录", logger.ErrorField(err))
		return nil
	}
	return &worker.Request{Job: model.NewJob(uuid.NewString(), t), Destination: dest}
}

// apply 在结果处理goroutine中更新状态并通知播放器
func (c *Cache) apply(res worker.Result) {
	key := res.Track.Key()
	if res.Status == model.JobCancelled {
		// 清除排队标记，之后的 ensure 可以重新入队
		c.mu.Lock()
		if e, ok := c.entries[key]; ok && e.state == StateQueued && !c.queue.Contains(key) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	e := &entry{path: res.Path}
	if res.Status == model.JobDone {
		e.state = StateCached
	} else {
		e.state = StateFailed
		if res.Err != nil {
			e.err = res.Err.Error()
		}
	}
	c.entries[key] = e
	index := -1
	for i, t := range c.tracks {
		if t.Key() == key {
			index = i
			break
		}
	}
	isCurrent := index >= 0 && index == c.current
	c.mu.Unlock()

	switch {
	case e.state == StateFailed:
		logger.Warn("[Prefetch] 缓存失败", logger.Track(res.Track.Title, res.Track.Artist), logger.String("error", e.err))
		c.notify(Notice{Kind: TrackFailed, Index: index, Track: res.Track, Error: e.err})
	case isCurrent:
		logger.Info("[Prefetch] 当前曲目已缓存", logger.Track(res.Track.Title, res.Track.Artist))
		c.notify(Notice{Kind: TrackReady, Index: index, Track: res.Track, Path: res.Path})
	default:
		logger.Debug("[Prefetch] 曲目已缓存", logger.Track(res.Track.Title, res.Track.Artist))
	}
}

func (c *Cache) notify(n Notice) {
	if c.cfg.OnNotice != nil {
		c.cfg.OnNotice(n)
	}
}

// RequestPlay 请求播放当前曲目。
// 已缓存时立即通知 PlayReady；否则按固定间隔检查，超过次数或缓存失败时通知 PlayUnavailable。
// 切换曲目或再次请求会使之前的检查失效。
func (c *Cache) RequestPlay() {
	c.mu.Lock()
	c.playGen++
	gen := c.playGen
	index := c.current
	c.mu.Unlock()

	if c.checkPlay(gen, index, 0, false) {
		return
	}
	c.ensure(index, true)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.AutoPlayInterval)
		defer ticker.Stop()
		for attempt := 1; attempt <= c.cfg.AutoPlayMaxAttempts; attempt++ {
			<-ticker.C
			if c.checkPlay(gen, index, attempt, attempt == c.cfg.AutoPlayMaxAttempts) {
				return
			}
		}
	}()
}

// checkPlay 返回true表示本次请求已有结论（或已失效）
func (c *Cache) checkPlay(gen, index, attempt int, last bool) bool {
	c.mu.Lock()
	if gen != c.playGen {
		c.mu.Unlock()
		return true
	}
	if index < 0 || index >= len(c.tracks) {
		c.mu.Unlock()
		return true
	}
	ts := c.stateLocked(index, c.tracks[index])
	c.mu.Unlock()

	switch {
	case ts.State == StateCached && filecache.Valid(ts.Path):
		c.notify(Notice{Kind: PlayReady, Index: index, Track: ts.Track, Path: ts.Path, Attempt: attempt})
		return true
	case ts.State == StateFailed && attempt > 0, last:
		msg := "could not prepare track"
		if ts.Error != "" {
			msg += ": " + ts.Error
		}
		logger.Warn("[Prefetch] 自动播放放弃", logger.Track(ts.Track.Title, ts.Track.Artist), logger.Int("attempt", attempt))
		c.notify(Notice{Kind: PlayUnavailable, Index: index, Track: ts.Track, Error: msg, Attempt: attempt})
		return true
	}
	return false
}

func clamp(i, n int) int {
	if i < 0 || n == 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
