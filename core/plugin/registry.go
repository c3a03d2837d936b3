package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"QFetch/model"
)

// Signals 适配器在长时间下载中轮询的暂停/停止状态
type Signals interface {
	IsPaused() bool
	IsStopped() bool
}

// ServiceAdapter 下载服务接口，每个后端一个实现
type ServiceAdapter interface {
	// Name 服务标识，如 "tidal"、"qobuz"
	Name() string

	// Fetch 把曲目下载到destDir，返回文件路径。
	// 可能的错误：ErrMissingIdentifier、ErrNotFound、ErrTransient；
	// 用户停止时返回 ErrUserCancelled。
	Fetch(ctx context.Context, track model.Track, destDir string, sig Signals) (string, error)
}

// MetadataProvider 把来源链接解析为条目类型和曲目列表
type MetadataProvider interface {
	Resolve(ctx context.Context, uri string) (*model.Resolution, error)
}

// AdapterFunc 便于用函数实现ServiceAdapter
type AdapterFunc struct {
	ServiceName string
	Fn          func(ctx context.Context, track model.Track, destDir string, sig Signals) (string, error)
}

func (a AdapterFunc) Name() string { return a.ServiceName }

func (a AdapterFunc) Fetch(ctx context.Context, track model.Track, destDir string, sig Signals) (string, error) {
	return a.Fn(ctx, track, destDir, sig)
}

// ProviderFunc 便于用函数实现MetadataProvider
type ProviderFunc func(ctx context.Context, uri string) (*model.Resolution, error)

func (f ProviderFunc) Resolve(ctx context.Context, uri string) (*model.Resolution, error) {
	return f(ctx, uri)
}

// NoSignals 不会暂停也不会停止
type NoSignals struct{}

func (NoSignals) IsPaused() bool  { return false }
func (NoSignals) IsStopped() bool { return false }

// Registry 服务适配器注册表，在配置阶段选定适配器
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]ServiceAdapter
	def      string
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]ServiceAdapter)}
}

// Register 注册适配器，第一个注册的作为默认
func (r *Registry) Register(a ServiceAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToLower(a.Name())
	r.adapters[name] = a
	if r.def == "" {
		r.def = name
	}
}

// SetDefault 指定默认服务
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name = strings.ToLower(name)
	if _, ok := r.adapters[name]; !ok {
		return fmt.Errorf("service %q not registered", name)
	}
	r.def = name
	return nil
}

// Get 获取指定服务
func (r *Registry) Get(name string) (ServiceAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(name)]
	return a, ok
}

// Default 获取默认服务
func (r *Registry) Default() ServiceAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[r.def]
}

// Names 已注册的服务名，按字母排序
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Select 按首选服务和回退顺序组装适配器。
// 只有一个可用服务时直接返回它，否则返回FallbackAdapter。
func (r *Registry) Select(preferred string, fallback []string) (ServiceAdapter, error) {
	order := append([]string{preferred}, fallback...)
	seen := make(map[string]bool)
	var chain []ServiceAdapter
	for _, name := range order {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if a, ok := r.Get(name); ok {
			chain = append(chain, a)
		}
	}
	switch len(chain) {
	case 0:
		return nil, fmt.Errorf("no registered service among %v", order)
	case 1:
		return chain[0], nil
	}
	return NewFallbackAdapter(chain...), nil
}
