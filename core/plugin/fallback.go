package plugin

import (
	"context"
	"errors"
	"strings"

	"QFetch/logger"
	"QFetch/model"
)

// FallbackAdapter 按顺序尝试多个服务。
// NotFound/Transient 换下一个服务；缺少标识和用户取消立即返回。
type FallbackAdapter struct {
	chain []ServiceAdapter
}

// NewFallbackAdapter 创建回退链
func NewFallbackAdapter(chain ...ServiceAdapter) *FallbackAdapter {
	return &FallbackAdapter{chain: chain}
}

func (f *FallbackAdapter) Name() string {
	names := make([]string, len(f.chain))
	for i, a := range f.chain {
		names[i] = a.Name()
	}
	return strings.Join(names, ">")
}

func (f *FallbackAdapter) Fetch(ctx context.Context, track model.Track, destDir string, sig Signals) (string, error) {
	var lastErr error = model.ErrNotFound
	for _, a := range f.chain {
		if sig != nil && sig.IsStopped() {
			return "", model.ErrUserCancelled
		}
		path, err := a.Fetch(ctx, track, destDir, sig)
		if err == nil {
			return path, nil
		}
		if errors.Is(err, model.ErrUserCancelled) || errors.Is(err, model.ErrMissingIdentifier) {
			return "", err
		}
		logger.Debug("[Fallback] 服务失败，尝试下一个",
			logger.String("service", a.Name()),
			logger.Track(track.Title, track.Artist),
			logger.ErrorField(err))
		lastErr = err
	}
	return "", lastErr
}
