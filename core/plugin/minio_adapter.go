package plugin

import (
	"context"
	"fmt"
	"path/filepath"

	"QFetch/core/naming"
	"QFetch/model"
)

// ObjectSource 按ISRC组织的对象存储
type ObjectSource interface {
	ObjectKey(isrc, ext string) string
	Download(ctx context.Context, key, dst string) (int64, error)
}

// MirrorAdapter 从对象存储镜像中取曲目
type MirrorAdapter struct {
	src ObjectSource
	ext string
}

// NewMirrorAdapter 创建镜像适配器
func NewMirrorAdapter(src ObjectSource) *MirrorAdapter {
	return &MirrorAdapter{src: src, ext: naming.DefaultExtension}
}

func (m *MirrorAdapter) Name() string { return "mirror" }

func (m *MirrorAdapter) Fetch(ctx context.Context, track model.Track, destDir string, sig Signals) (string, error) {
	if !track.HasISRC() {
		return "", fmt.Errorf("%w: mirror lookup needs ISRC", model.ErrMissingIdentifier)
	}
	if sig != nil && sig.IsStopped() {
		return "", model.ErrUserCancelled
	}
	dst := filepath.Join(destDir, naming.CacheName(track, m.ext))
	if _, err := m.src.Download(ctx, m.src.ObjectKey(track.ISRC, m.ext), dst); err != nil {
		return "", err
	}
	return dst, nil
}
