// Package filecache 管理进程级的临时缓存目录。
package filecache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"QFetch/core/naming"
	"QFetch/logger"
	"QFetch/model"
)

// Store 缓存目录，首次使用时创建，Cleanup时整体删除。
// 文件名只由曲目字段决定，有效条目 = 存在且大小>0。
type Store struct {
	mu     sync.Mutex
	parent string
	ext    string
	dir    string
}

// New parent为空时使用系统临时目录
func New(parent, ext string) *Store {
	if ext == "" {
		ext = naming.DefaultExtension
	}
	return &Store{parent: parent, ext: ext}
}

// Dir 返回缓存目录，必要时创建
func (s *Store) Dir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir != "" {
		return s.dir, nil
	}
	if s.parent != "" {
		if err := os.MkdirAll(s.parent, 0755); err != nil {
			return "", fmt.Errorf("%w: create cache parent: %v", model.ErrFilesystem, err)
		}
	}
	dir, err := os.MkdirTemp(s.parent, "qfetch-cache-")
	if err != nil {
		return "", fmt.Errorf("%w: create cache dir: %v", model.ErrFilesystem, err)
	}
	s.dir = dir
	logger.Debug("[FileCache] 创建缓存目录", logger.String("dir", dir))
	return dir, nil
}

// Path 曲目在缓存中的路径
func (s *Store) Path(t model.Track) (string, error) {
	dir, err := s.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, naming.CacheName(t, s.ext)), nil
}

// Lookup 查询缓存，不会创建目录
func (s *Store) Lookup(t model.Track) (string, bool) {
	s.mu.Lock()
	dir := s.dir
	s.mu.Unlock()
	if dir == "" {
		return "", false
	}
	p := filepath.Join(dir, naming.CacheName(t, s.ext))
	if !Valid(p) {
		return "", false
	}
	return p, true
}

// Cleanup 删除整个缓存目录
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		return nil
	}
	err := os.RemoveAll(s.dir)
	if err == nil {
		logger.Debug("[FileCache] 缓存目录已删除", logger.String("dir", s.dir))
		s.dir = ""
	}
	return err
}

// Valid 文件存在且非空才算有效，中断写入留下的空文件不算
func Valid(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

// CopyFile 复制文件，先写临时文件再改名，避免留下半截文件
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
