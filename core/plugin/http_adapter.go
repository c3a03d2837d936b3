package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"QFetch/core/naming"
	"QFetch/logger"
	"QFetch/model"

	"golang.org/x/time/rate"
)

const copyChunk = 256 * 1024

// HTTPAdapter 通过 GET {base}/track/{isrc} 下载的通用服务适配器
type HTTPAdapter struct {
	name    string
	baseURL string
	ext     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPAdapter rps<=0 时不限速
func NewHTTPAdapter(name, baseURL string, timeout time.Duration, rps float64) *HTTPAdapter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &HTTPAdapter{
		name:    name,
		baseURL: baseURL,
		ext:     naming.DefaultExtension,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (a *HTTPAdapter) Name() string { return a.name }

func (a *HTTPAdapter) Fetch(ctx context.Context, track model.Track, destDir string, sig Signals) (string, error) {
	if !track.HasISRC() {
		return "", fmt.Errorf("%w: no ISRC available for %s", model.ErrMissingIdentifier, a.name)
	}
	if sig == nil {
		sig = NoSignals{}
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrUserCancelled, err)
	}

	endpoint := fmt.Sprintf("%s/track/%s", a.baseURL, url.PathEscape(track.ISRC))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrTransient, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", model.ErrUserCancelled
		}
		return "", fmt.Errorf("%w: %v", model.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &model.HTTPStatusError{StatusCode: resp.StatusCode, URL: endpoint}
	}

	dst := filepath.Join(destDir, naming.CacheName(track, a.ext))
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrFilesystem, err)
	}
	written, err := copyWithSignals(f, resp.Body, sig)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		if errors.Is(err, model.ErrUserCancelled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", model.ErrTransient, err)
	}

	logger.Debug("[HTTPAdapter] 下载完成",
		logger.String("service", a.name),
		logger.Track(track.Title, track.Artist),
		logger.Int64("bytes", written))
	return dst, nil
}

// copyWithSignals 分块复制，每块之间检查暂停和停止
func copyWithSignals(dst io.Writer, src io.Reader, sig Signals) (int64, error) {
	buf := make([]byte, copyChunk)
	var total int64
	for {
		for sig.IsPaused() && !sig.IsStopped() {
			time.Sleep(100 * time.Millisecond)
		}
		if sig.IsStopped() {
			return total, model.ErrUserCancelled
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
