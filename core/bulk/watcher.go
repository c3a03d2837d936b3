package bulk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"QFetch/logger"
	"QFetch/model"

	"github.com/fsnotify/fsnotify"
)

const (
	inboxExt    = ".txt"
	settleDelay = 200 * time.Millisecond
	checkEvery  = 50 * time.Millisecond
	acceptedExt = ".accepted"
	rejectedExt = ".rejected"
)

// StartFunc 收到一个有效的批量文件后启动运行
type StartFunc func(ctx context.Context, name string, items []*model.SourceItem) error

// Watcher 监听收件目录，新出现的 .txt 批量文件在写入稳定后启动一次运行。
// 处理过的文件改名为 .accepted 或 .rejected。
type Watcher struct {
	dir    string
	marker string
	start  StartFunc
}

// NewWatcher 创建收件目录监听
func NewWatcher(dir, marker string, start StartFunc) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}
	return &Watcher{dir: dir, marker: marker, start: start}, nil
}

// Run 阻塞直到ctx取消。启动时已存在的文件也会被处理。
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听器失败: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("监听目录失败: %w", err)
	}

	// 等待写入稳定的文件
	pending := make(map[string]time.Time)
	if entries, err := os.ReadDir(w.dir); err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), inboxExt) {
				pending[filepath.Join(w.dir, e.Name())] = time.Time{}
			}
		}
	}

	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	logger.Info("[Watcher] 开始监听收件目录", logger.String("dir", w.dir))
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && strings.EqualFold(filepath.Ext(event.Name), inboxExt) {
				pending[event.Name] = time.Now()
			}

		case <-ticker.C:
			now := time.Now()
			for name, last := range pending {
				if now.Sub(last) < settleDelay {
					continue
				}
				delete(pending, name)
				w.handle(ctx, name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("[Watcher] 文件监听错误", logger.ErrorField(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, name string) {
	f, err := os.Open(name)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("[Watcher] 读取批量文件失败", logger.String("file", name), logger.ErrorField(err))
		}
		return
	}
	items, err := ParseBatch(f, w.marker)
	f.Close()
	if err == nil {
		err = w.start(ctx, filepath.Base(name), items)
	}

	suffix := acceptedExt
	if err != nil {
		suffix = rejectedExt
		logger.Warn("[Watcher] 批量文件被拒绝", logger.String("file", name), logger.ErrorField(err))
	} else {
		logger.Info("[Watcher] 批量文件已接收", logger.String("file", name), logger.Int("items", len(items)))
	}
	if rerr := os.Rename(name, name+suffix); rerr != nil {
		logger.Warn("[Watcher] 重命名批量文件失败", logger.String("file", name), logger.ErrorField(rerr))
	}
}
