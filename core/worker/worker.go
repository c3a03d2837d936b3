// Package worker 执行单曲下载任务：目标检查、缓存复制、带重试的下载和落盘。
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"QFetch/core/filecache"
	"QFetch/core/naming"
	"QFetch/core/plugin"
	"QFetch/core/queue"
	"QFetch/core/retry"
	"QFetch/logger"
	"QFetch/model"
)

const (
	ReasonExists    = "already exists"
	ReasonCached    = "copied from cache"
	ReasonFetched   = "download completed"
	DefaultIdleWait = 100 * time.Millisecond
)

// Request 一个待执行的任务。出队后Job归执行它的worker独占。
type Request struct {
	Job    *model.Job
	Dir    string         // 条目输出目录
	Parent model.ItemType // 决定编号和子目录
	// Destination 非空时直接使用，不再经过命名规则
	Destination string
}

// Key 队列去重键
func (r *Request) Key() string {
	return r.Job.Track.Key()
}

// NewQueue 任务队列
func NewQueue() *queue.Queue[*Request] {
	return queue.New(func(r *Request) string { return r.Key() })
}

// Result 任务结束后发出的不可变结果
type Result struct {
	JobID    string
	Track    model.Track
	Status   model.JobStatus
	Path     string
	Reason   string
	Err      error
	Attempts int
	Size     int64
}

// Failed 是否应记为失败（用户取消不算）
func (r Result) Failed() bool {
	return r.Status == model.JobFailed
}

// RetryNotice 每次退避前的通知
type RetryNotice struct {
	JobID   string
	Track   model.Track
	Attempt int
	Delay   time.Duration
	Err     error
}

// Config worker配置
type Config struct {
	Naming    naming.Options
	Policy    retry.Policy
	IdleWait  time.Duration
	OnRetry   func(RetryNotice)
	OnStart   func(model.Job) // 进入Fetching时，传入的是副本
}

// Worker 单曲下载执行器
type Worker struct {
	adapter plugin.ServiceAdapter
	cache   *filecache.Store
	control *Control
	cfg     Config
	rename  func(oldpath, newpath string) error
}

// New 创建worker，cache可以为nil
func New(adapter plugin.ServiceAdapter, cache *filecache.Store, control *Control, cfg Config) *Worker {
	if control == nil {
		control = NewControl()
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = DefaultIdleWait
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.SingleTrackPolicy()
	}
	return &Worker{
		adapter: adapter,
		cache:   cache,
		control: control,
		cfg:     cfg,
		rename:  os.Rename,
	}
}

// Control 返回worker使用的控制器
func (w *Worker) Control() *Control {
	return w.control
}

// Destination 计算任务的目标路径
func (w *Worker) Destination(req *Request) string {
	if req.Destination != "" {
		return req.Destination
	}
	return filepath.Join(req.Dir, naming.Resolve(req.Job.Track, w.cfg.Naming, req.Parent))
}

// Run 循环消费队列直到停止或ctx取消。
// 队列为空时按IdleWait轮询。结果按出队顺序写入out。
func (w *Worker) Run(ctx context.Context, q *queue.Queue[*Request], out chan<- Result) error {
	for {
		if err := w.control.WaitWhilePaused(ctx); err != nil {
			return err
		}
		req, ok := q.Dequeue()
		if !ok {
			if err := w.control.Sleep(ctx, w.cfg.IdleWait); err != nil {
				return err
			}
			continue
		}
		res := w.Execute(ctx, req)
		select {
		case out <- res:
		case <-ctx.Done():
			return model.ErrUserCancelled
		}
		if res.Status == model.JobCancelled {
			return model.ErrUserCancelled
		}
	}
}

func (w *Worker) finish(job *model.Job, status model.JobStatus, path, reason string, err error) Result {
	job.SetStatus(status)
	job.Destination = path
	job.Reason = reason
	if err != nil {
		job.LastError = err.Error()
	}
	res := Result{
		JobID:    job.ID,
		Track:    job.Track,
		Status:   job.Status,
		Path:     path,
		Reason:   reason,
		Err:      err,
		Attempts: job.Attempts,
	}
	if status == model.JobDone {
		if info, serr := os.Stat(path); serr == nil {
			res.Size = info.Size()
		}
	}
	return res
}

// Execute 执行一个任务：
// 目标已存在则跳过；缓存命中则复制；否则按重试策略下载到临时目录再移动到目标。
func (w *Worker) Execute(ctx context.Context, req *Request) Result {
	job := req.Job
	track := job.Track
	dest := w.Destination(req)

	if filecache.Valid(dest) {
		logger.Debug("[Worker] 文件已存在，跳过", logger.String("path", dest))
		return w.finish(job, model.JobDone, dest, ReasonExists, nil)
	}

	if w.cache != nil && req.Destination == "" {
		if cached, ok := w.cache.Lookup(track); ok {
			err := filecache.CopyFile(cached, dest)
			if err == nil {
				job.CachedPath = cached
				logger.Debug("[Worker] 使用缓存文件", logger.String("cache", cached), logger.String("path", dest))
				return w.finish(job, model.JobDone, dest, ReasonCached, nil)
			}
			logger.Warn("[Worker] 复制缓存失败，改为下载", logger.String("cache", cached), logger.ErrorField(err))
		}
	}

	if err := w.control.WaitWhilePaused(ctx); err != nil {
		return w.finish(job, model.JobCancelled, "", "", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return w.finish(job, model.JobFailed, "", "", fmt.Errorf("%w: %v", model.ErrFilesystem, err))
	}
	staging, err := os.MkdirTemp(filepath.Dir(dest), ".qfetch-")
	if err != nil {
		return w.finish(job, model.JobFailed, "", "", fmt.Errorf("%w: %v", model.ErrFilesystem, err))
	}
	defer os.RemoveAll(staging)

	job.SetStatus(model.JobFetching)
	if w.cfg.OnStart != nil {
		w.cfg.OnStart(*job)
	}

	var fetched string
	attempts, err := retry.Do(ctx, w.cfg.Policy, w.control.RetrySleep,
		func(attempt int) error {
			if werr := w.control.WaitWhilePaused(ctx); werr != nil {
				return werr
			}
			job.Attempts = attempt
			p, ferr := w.adapter.Fetch(ctx, track, staging, w.control)
			if ferr != nil {
				return ferr
			}
			if !filecache.Valid(p) {
				os.Remove(p)
				return fmt.Errorf("%w: empty file from %s", model.ErrTransient, w.adapter.Name())
			}
			fetched = p
			return nil
		},
		func(attempt int, ferr error, delay time.Duration) {
			logger.Info("[Worker] 下载失败，稍后重试",
				logger.Track(track.Title, track.Artist),
				logger.Int("attempt", attempt),
				logger.Duration("delay", delay),
				logger.ErrorField(ferr))
			if w.cfg.OnRetry != nil {
				w.cfg.OnRetry(RetryNotice{JobID: job.ID, Track: track, Attempt: attempt, Delay: delay, Err: ferr})
			}
		})
	job.Attempts = attempts
	if err != nil {
		// ctx 结束导致的错误同样是取消，不记为失败
		if model.IsCancelled(err) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
			return w.finish(job, model.JobCancelled, "", "", model.ErrUserCancelled)
		}
		logger.Warn("[Worker] 下载失败",
			logger.Track(track.Title, track.Artist),
			logger.Int("attempts", attempts),
			logger.ErrorField(err))
		return w.finish(job, model.JobFailed, "", "", err)
	}

	job.SetStatus(model.JobWriting)
	if err := w.moveIntoPlace(fetched, dest); err != nil {
		return w.finish(job, model.JobFailed, "", "", err)
	}
	logger.Info("[Worker] 下载完成", logger.Track(track.Title, track.Artist), logger.String("path", dest))
	return w.finish(job, model.JobDone, dest, ReasonFetched, nil)
}

// moveIntoPlace 先尝试改名，失败（如跨文件系统）时复制后删除源文件
func (w *Worker) moveIntoPlace(src, dest string) error {
	if src == dest {
		return nil
	}
	renameErr := w.rename(src, dest)
	if renameErr == nil {
		return nil
	}
	logger.Debug("[Worker] 改名失败，改为复制", logger.ErrorField(renameErr))
	if err := filecache.CopyFile(src, dest); err != nil {
		return fmt.Errorf("%w: %v", model.ErrFilesystem, errors.Join(renameErr, err))
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("[Worker] 删除源文件失败", logger.String("path", src), logger.ErrorField(err))
	}
	return nil
}
