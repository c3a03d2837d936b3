package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"QFetch/logger"
	"QFetch/model"

	"golang.org/x/time/rate"
)

var (
	urlPattern = regexp.MustCompile(`/(track|album|playlist)/([A-Za-z0-9]+)`)
	uriPattern = regexp.MustCompile(`^[a-z]+:(track|album|playlist):([A-Za-z0-9]+)$`)
)

// ParseSourceURI 从链接中提取条目类型和ID
func ParseSourceURI(uri string) (model.ItemType, string, error) {
	uri = strings.TrimSpace(uri)
	if m := uriPattern.FindStringSubmatch(uri); m != nil {
		return model.ItemType(m[1]), m[2], nil
	}
	if m := urlPattern.FindStringSubmatch(uri); m != nil {
		return model.ItemType(m[1]), m[2], nil
	}
	return "", "", fmt.Errorf("%w: %q", model.ErrInvalidSourceURI, uri)
}

type catalogTrack struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	Position   int    `json:"position"`
	DurationMs int    `json:"durationMs"`
	ISRC       string `json:"isrc"`
}

type catalogResponse struct {
	Type   string         `json:"type"`
	Title  string         `json:"title"`
	Tracks []catalogTrack `json:"tracks"`
}

// CatalogProvider 从JSON目录服务解析元数据：GET {base}/{type}s/{id}
type CatalogProvider struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewCatalogProvider rps<=0 时不限速
func NewCatalogProvider(baseURL string, timeout time.Duration, rps float64) *CatalogProvider {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &CatalogProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Resolve 解析来源链接
func (p *CatalogProvider) Resolve(ctx context.Context, uri string) (*model.Resolution, error) {
	itemType, id, err := ParseSourceURI(uri)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUserCancelled, err)
	}

	endpoint := fmt.Sprintf("%s/%ss/%s", p.baseURL, itemType, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransient, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &model.HTTPStatusError{StatusCode: resp.StatusCode, URL: endpoint}
	}

	var body catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode catalog response: %v", model.ErrTransient, err)
	}

	res := &model.Resolution{Type: itemType, Title: body.Title, Tracks: make([]model.Track, 0, len(body.Tracks))}
	for i, t := range body.Tracks {
		pos := t.Position
		if pos <= 0 {
			pos = i + 1
		}
		trackID := t.ID
		if trackID == "" {
			trackID = fmt.Sprintf("%s:%d", id, pos)
		}
		res.Tracks = append(res.Tracks, model.Track{
			ID:       trackID,
			Title:    t.Title,
			Artist:   t.Artist,
			Album:    t.Album,
			Position: pos,
			Duration: time.Duration(t.DurationMs) * time.Millisecond,
			ISRC:     t.ISRC,
			RawID:    t.ID,
		})
	}
	if res.Title == "" && itemType == model.ItemTrack && len(res.Tracks) > 0 {
		res.Title = res.Tracks[0].Title
	}
	logger.Debug("[Catalog] 元数据解析完成",
		logger.String("type", string(itemType)),
		logger.String("title", res.Title),
		logger.Int("tracks", len(res.Tracks)))
	return res, nil
}
