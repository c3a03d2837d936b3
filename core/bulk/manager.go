package bulk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"QFetch/core/filecache"
	"QFetch/core/plugin"
	"QFetch/logger"
	"QFetch/model"

	"github.com/google/uuid"
)

// 运行状态
const (
	StateRunning  = "running"
	StatePaused   = "paused"
	StateStopping = "stopping"
	StateStopped  = "stopped"
	StateFinished = "finished"
)

// Run 管理器中的一次运行
type Run struct {
	*Orchestrator
	Name      string
	CreatedAt time.Time
}

// RunInfo 运行概览
type RunInfo struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	State     string                 `json:"state"`
	CreatedAt time.Time              `json:"createdAt"`
	Progress  model.ProgressEvent    `json:"progress"`
	Result    *model.CompletionEvent `json:"result,omitempty"`
	Items     []model.SourceItem     `json:"items,omitempty"`
}

// State 当前状态
func (r *Run) State() string {
	if res := r.Result(); res != nil {
		if res.Stopped {
			return StateStopped
		}
		return StateFinished
	}
	switch {
	case r.IsStopped():
		return StateStopping
	case r.IsPaused():
		return StatePaused
	default:
		return StateRunning
	}
}

// Info withItems 为 true 时附带条目快照
func (r *Run) Info(withItems bool) RunInfo {
	info := RunInfo{
		ID:        r.ID(),
		Name:      r.Name,
		State:     r.State(),
		CreatedAt: r.CreatedAt,
		Progress:  r.Progress(),
		Result:    r.Result(),
	}
	if withItems {
		info.Items = r.Items()
	}
	return info
}

// Manager 保存进程内的全部运行，服务端和收件目录监听共用
type Manager struct {
	provider plugin.MetadataProvider
	adapter  plugin.ServiceAdapter
	cache    *filecache.Store
	opts     Options
	sink     Sink

	mu   sync.RWMutex
	runs map[string]*Run
	wg   sync.WaitGroup
}

// NewManager 所有运行共用同一组适配器、缓存和事件Sink
func NewManager(provider plugin.MetadataProvider, adapter plugin.ServiceAdapter, cache *filecache.Store, opts Options, sink Sink) *Manager {
	return &Manager{
		provider: provider,
		adapter:  adapter,
		cache:    cache,
		opts:     opts,
		sink:     sink,
		runs:     make(map[string]*Run),
	}
}

// Start 在后台启动一次运行，立即返回
func (m *Manager) Start(ctx context.Context, name string, items []*model.SourceItem) (*Run, error) {
	if len(items) == 0 {
		return nil, model.ErrNoValidSources
	}
	id := uuid.NewString()
	run := &Run{
		Orchestrator: New(id, m.provider, m.adapter, m.cache, m.opts, m.sink),
		Name:         name,
		CreatedAt:    time.Now(),
	}
	if run.Name == "" {
		run.Name = fmt.Sprintf("run-%s", id[:8])
	}

	// 条目在返回前登记，调用方立即可以看到完整的运行概览
	if err := run.Prepare(items); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.runs[id] = run
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := run.Run(ctx, nil); err != nil {
			logger.Error("[Manager] 运行异常结束", logger.Run(id), logger.ErrorField(err))
		}
	}()
	logger.Info("[Manager] 运行已启动", logger.Run(id), logger.String("name", run.Name), logger.Int("items", len(items)))
	return run, nil
}

// Get 按ID查找
func (m *Manager) Get(id string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	return r, ok
}

// List 按创建时间排序的概览，不含条目
func (m *Manager) List() []RunInfo {
	m.mu.RLock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	out := make([]RunInfo, len(runs))
	for i, r := range runs {
		out[i] = r.Info(false)
	}
	return out
}

// StopAll 停止所有未结束的运行
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		r.Stop()
	}
}

// Wait 等待所有运行结束
func (m *Manager) Wait() {
	m.wg.Wait()
}
