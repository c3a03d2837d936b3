// Package bulk 驱动批量下载：元数据解析、逐曲下载、进度汇总以及暂停/恢复/停止。
package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"QFetch/core/filecache"
	"QFetch/core/naming"
	"QFetch/core/plugin"
	"QFetch/core/retry"
	"QFetch/core/worker"
	"QFetch/logger"
	"QFetch/model"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning 同一个Orchestrator只能运行一次
var ErrAlreadyRunning = errors.New("run already started")

// Options 批量运行配置
type Options struct {
	OutputDir      string
	Naming         naming.Options
	TrackPolicy    retry.Policy
	MetadataPolicy retry.Policy
	// MaxConcurrent 同时处理的条目数，默认1（完全串行）。条目内的曲目始终串行。
	MaxConcurrent int
}

// DefaultOptions 默认配置
func DefaultOptions(outputDir string) Options {
	return Options{
		OutputDir:      outputDir,
		Naming:         naming.DefaultOptions(),
		TrackPolicy:    retry.TrackPolicy(),
		MetadataPolicy: retry.MetadataPolicy(),
		MaxConcurrent:  1,
	}
}

// Orchestrator 一次批量运行
type Orchestrator struct {
	id       string
	provider plugin.MetadataProvider
	adapter  plugin.ServiceAdapter
	opts     Options
	control  *worker.Control
	worker   *worker.Worker
	sink     Sink

	mu       sync.Mutex
	items    []*model.SourceItem
	jobLine  map[string]int
	tracker  *Tracker
	prepared bool
	started  bool
	done     chan struct{}
	result   *model.CompletionEvent

	// emitMu 保证进度快照按生成顺序送达
	emitMu sync.Mutex
}

// New 创建批量运行。一次运行共用一个适配器；cache 可为 nil。
func New(id string, provider plugin.MetadataProvider, adapter plugin.ServiceAdapter, cache *filecache.Store, opts Options, sink Sink) *Orchestrator {
	if id == "" {
		id = uuid.NewString()
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if sink == nil {
		sink = MultiSink{}
	}
	o := &Orchestrator{
		id:       id,
		provider: provider,
		adapter:  adapter,
		opts:     opts,
		control:  worker.NewControl(),
		sink:     sink,
		jobLine:  make(map[string]int),
		done:     make(chan struct{}),
	}
	o.worker = worker.New(adapter, cache, o.control, worker.Config{
		Naming:  opts.Naming,
		Policy:  opts.TrackPolicy,
		OnRetry: o.onTrackRetry,
	})
	return o
}

func (o *Orchestrator) ID() string { return o.id }

func (o *Orchestrator) Pause()  { o.control.Pause() }
func (o *Orchestrator) Resume() { o.control.Resume() }
func (o *Orchestrator) Stop()   { o.control.Stop() }

func (o *Orchestrator) IsPaused() bool  { return o.control.IsPaused() }
func (o *Orchestrator) IsStopped() bool { return o.control.IsStopped() }

// Done 运行结束后关闭
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Items 条目快照
func (o *Orchestrator) Items() []model.SourceItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.SourceItem, len(o.items))
	for i, it := range o.items {
		out[i] = it.Snapshot()
	}
	return out
}

// Progress 当前进度，运行开始前为零值
func (o *Orchestrator) Progress() model.ProgressEvent {
	o.mu.Lock()
	t := o.tracker
	o.mu.Unlock()
	if t == nil {
		return model.ProgressEvent{}
	}
	return t.Snapshot()
}

// Result 运行结束后的完成事件，未结束时为nil
func (o *Orchestrator) Result() *model.CompletionEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// update 在锁内修改条目并返回快照，供锁外发送事件
func (o *Orchestrator) update(item *model.SourceItem, fn func(it *model.SourceItem)) model.SourceItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(item)
	return item.Snapshot()
}

// Prepare 登记条目，Items/Progress 随即可见。之后调用 Run 时传入的 items 被忽略。
func (o *Orchestrator) Prepare(items []*model.SourceItem) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.prepared || o.started {
		return ErrAlreadyRunning
	}
	o.prepareLocked(items)
	return nil
}

func (o *Orchestrator) prepareLocked(items []*model.SourceItem) {
	o.prepared = true
	o.items = items
	o.tracker = NewTracker(len(items))
}

// Run 处理全部条目直到完成或停止。
// 单曲失败和条目失败都不会中断运行；只有未预期的panic会作为运行级错误返回。
func (o *Orchestrator) Run(ctx context.Context, items []*model.SourceItem) (ev model.CompletionEvent, err error) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ev, ErrAlreadyRunning
	}
	o.started = true
	if !o.prepared {
		o.prepareLocked(items)
	}
	items = o.items
	o.mu.Unlock()

	defer close(o.done)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bulk run %s aborted: %v", o.id, r)
		}
		ev = o.tracker.Completion()
		ev.Stopped = o.control.IsStopped()
		if err != nil {
			ev.Error = err.Error()
			logger.Error("[Bulk] 运行异常终止", logger.Run(o.id), logger.ErrorField(err))
		}
		o.mu.Lock()
		res := ev
		o.result = &res
		o.mu.Unlock()
		o.sink.OnComplete(o.id, ev)
	}()

	if len(items) == 0 {
		return ev, model.ErrNoValidSources
	}

	logger.Info("[Bulk] 开始批量下载",
		logger.Run(o.id),
		logger.Int("items", len(items)),
		logger.Int("maxConcurrent", o.opts.MaxConcurrent))
	o.emitProgress()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxConcurrent)
	for _, item := range items {
		item := item // per-iteration copy (go directive < 1.22)
		if o.control.WaitWhilePaused(gctx) != nil {
			break
		}
		g.Go(func() (gerr error) {
			defer func() {
				if r := recover(); r != nil {
					gerr = fmt.Errorf("line %d: panic: %v", item.Line, r)
				}
			}()
			o.processItem(gctx, item)
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		logger.Info("[Bulk] 批量下载结束", logger.Run(o.id), logger.Bool("stopped", o.control.IsStopped()))
	}
	return ev, err
}

// processItem 一个条目：元数据 → 逐曲下载 → 终态
func (o *Orchestrator) processItem(ctx context.Context, item *model.SourceItem) {
	// 条目之间检查暂停/停止
	if o.control.WaitWhilePaused(ctx) != nil {
		return
	}

	snap := o.update(item, func(it *model.SourceItem) { it.Status = model.ItemMetadataFetch })
	o.sink.OnItem(o.id, snap)

	res, err := o.resolve(ctx, item)
	if err != nil {
		if model.IsCancelled(err) {
			logger.Info("[Bulk] 元数据解析被停止", logger.Run(o.id), logger.Line(item.Line))
			return
		}
		snap = o.update(item, func(it *model.SourceItem) {
			it.Status = model.ItemFailed
			it.Error = err.Error()
		})
		o.tracker.ItemFinished(model.ItemFailed)
		logger.Warn("[Bulk] 元数据解析失败", logger.Run(o.id), logger.Line(item.Line), logger.ErrorField(err))
		o.sink.OnItem(o.id, snap)
		o.emitProgress()
		return
	}

	snap = o.update(item, func(it *model.SourceItem) {
		it.Type = res.Type
		it.Title = res.Title
		it.OutputDir = naming.ItemDir(o.opts.OutputDir, it)
		it.TracksCount = len(res.Tracks)
		it.Jobs = make([]*model.Job, 0, len(res.Tracks))
		for _, t := range res.Tracks {
			job := model.NewJob(uuid.NewString(), t)
			it.Jobs = append(it.Jobs, job)
			o.jobLine[job.ID] = it.Line
		}
		it.Status = model.ItemTrackDownload
	})
	o.tracker.AddTracks(len(res.Tracks))
	o.sink.OnItem(o.id, snap)
	o.emitProgress()

	// 任务列表在解析后不再变化，可以在锁外遍历
	jobs := item.Jobs
	for i, job := range jobs {
		// 曲目之间检查暂停/停止
		if o.control.WaitWhilePaused(ctx) != nil {
			logger.Info("[Bulk] 条目被停止", logger.Run(o.id), logger.Line(item.Line), logger.Int("done", i))
			return
		}
		o.sink.OnTrack(o.id, model.TrackEvent{
			Line: item.Line, Index: i + 1, Total: len(jobs), JobID: job.ID,
			Title: job.Track.Title, Status: model.JobFetching,
			Message: fmt.Sprintf("Downloading (%d/%d)", i+1, len(jobs)),
		})

		r := o.worker.Execute(ctx, &worker.Request{Job: job, Dir: snap.OutputDir, Parent: snap.Type})
		if r.Status == model.JobCancelled {
			logger.Info("[Bulk] 曲目下载被停止", logger.Run(o.id), logger.Track(job.Track.Title, job.Track.Artist))
			return
		}

		ev := model.TrackEvent{
			Line: item.Line, Index: i + 1, Total: len(jobs), JobID: r.JobID,
			Title: r.Track.Title, Artist: r.Track.Artist, Album: r.Track.Album, ISRC: r.Track.ISRC,
			Service: o.adapter.Name(), Status: r.Status, Attempts: r.Attempts, Path: r.Path, Size: r.Size, Message: r.Reason,
		}
		if r.Status == model.JobDone {
			o.update(item, func(it *model.SourceItem) { it.Downloaded++ })
			o.tracker.TrackDone()
		} else {
			msg := "unknown error"
			if r.Err != nil {
				msg = r.Err.Error()
			}
			ev.Message = msg
			o.update(item, func(it *model.SourceItem) {
				it.FailedTracks = append(it.FailedTracks, model.FailedTrack{Track: r.Track, Error: msg})
			})
			o.tracker.TrackFailed()
		}
		o.sink.OnTrack(o.id, ev)
		o.emitProgress()
	}

	snap = o.update(item, func(it *model.SourceItem) { it.Status = it.Outcome() })
	o.tracker.ItemFinished(snap.Status)
	logger.Info("[Bulk] 条目完成",
		logger.Run(o.id),
		logger.Line(item.Line),
		logger.String("status", string(snap.Status)),
		logger.Int("downloaded", snap.Downloaded),
		logger.Int("failed", len(snap.FailedTracks)))
	o.sink.OnItem(o.id, snap)
	o.emitProgress()
}

// emitProgress 快照和发送在同一把锁内，并发条目不会让旧快照覆盖新快照
func (o *Orchestrator) emitProgress() {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.sink.OnProgress(o.id, o.tracker.Snapshot())
}

// resolve 带重试的元数据解析，停止标志在每次尝试前检查
func (o *Orchestrator) resolve(ctx context.Context, item *model.SourceItem) (*model.Resolution, error) {
	var res *model.Resolution
	_, err := retry.Do(ctx, o.opts.MetadataPolicy, o.control.RetrySleep,
		func(attempt int) error {
			if o.control.IsStopped() {
				return model.ErrUserCancelled
			}
			r, rerr := o.provider.Resolve(ctx, item.RawURI)
			if rerr != nil {
				return rerr
			}
			res = r
			return nil
		},
		func(attempt int, rerr error, delay time.Duration) {
			logger.Info("[Bulk] 元数据解析失败，稍后重试",
				logger.Run(o.id),
				logger.Line(item.Line),
				logger.Int("attempt", attempt),
				logger.Duration("delay", delay),
				logger.ErrorField(rerr))
		})
	if err != nil {
		return nil, err
	}
	if !res.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown item type %q", model.ErrInvalidSourceURI, res.Type)
	}
	return res, nil
}

func (o *Orchestrator) onTrackRetry(n worker.RetryNotice) {
	o.mu.Lock()
	line := o.jobLine[n.JobID]
	o.mu.Unlock()
	o.sink.OnTrack(o.id, model.TrackEvent{
		Line:     line,
		JobID:    n.JobID,
		Title:    n.Track.Title,
		Status:   model.JobFetching,
		Attempts: n.Attempt,
		Message:  fmt.Sprintf("%s, retrying in %s (attempt %d)", retry.Classify(n.Err), n.Delay.Round(time.Millisecond), n.Attempt),
	})
}
