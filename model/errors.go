package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidSourceURI 无法识别的来源链接，对该条目是致命的
	ErrInvalidSourceURI = errors.New("invalid source uri")
	// ErrMissingIdentifier 缺少必要标识（如ISRC），不重试
	ErrMissingIdentifier = errors.New("missing identifier")
	// ErrNotFound 404类错误，可重试
	ErrNotFound = errors.New("not found")
	// ErrTransient 其他网络/IO错误，可重试
	ErrTransient = errors.New("transient error")
	// ErrFilesystem 重命名或复制失败
	ErrFilesystem = errors.New("filesystem error")
	// ErrUserCancelled 用户主动停止，不计为失败
	ErrUserCancelled = errors.New("cancelled by user")
	// ErrNoValidSources 批量输入中没有任何有效行
	ErrNoValidSources = errors.New("no valid source uris found")
)

// HTTPStatusError 记录后端返回的非2xx状态码
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// Unwrap 404映射为ErrNotFound，其余映射为ErrTransient
func (e *HTTPStatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return ErrTransient
}

// IsCancelled 用户停止或 ctx 被取消
func IsCancelled(err error) bool {
	return errors.Is(err, ErrUserCancelled) || errors.Is(err, context.Canceled)
}
