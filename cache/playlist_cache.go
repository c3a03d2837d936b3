package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"QFetch/model"

	"github.com/go-redis/redis/v8"
)

// QueueItem 播放队列中的一项
type QueueItem struct {
	Track    model.Track `json:"track"`
	Position int         `json:"position"` // 在队列中的位置
}

// PlaylistStore 播放器队列持久化，有序集合按位置打分
type PlaylistStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPlaylistStore ttl<=0 时使用24小时
func NewPlaylistStore(client *redis.Client, ttl time.Duration) *PlaylistStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PlaylistStore{client: client, ttl: ttl}
}

func playlistKey(session string) string { return fmt.Sprintf("player:%s:queue", session) }
func currentKey(session string) string  { return fmt.Sprintf("player:%s:current", session) }

// Save 整体替换队列并记录当前位置
func (s *PlaylistStore) Save(ctx context.Context, session string, tracks []model.Track, current int) error {
	key := playlistKey(session)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	for i, t := range tracks {
		itemJSON, err := json.Marshal(QueueItem{Track: t, Position: i})
		if err != nil {
			return fmt.Errorf("failed to marshal queue item: %w", err)
		}
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(i), Member: itemJSON})
	}
	pipe.Expire(ctx, key, s.ttl)
	pipe.Set(ctx, currentKey(session), current, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}
	return nil
}

// SetCurrent 只更新当前位置
func (s *PlaylistStore) SetCurrent(ctx context.Context, session string, current int) error {
	if err := s.client.Set(ctx, currentKey(session), current, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save current index: %w", err)
	}
	return nil
}

// Load 按位置读取队列，不存在时返回空队列
func (s *PlaylistStore) Load(ctx context.Context, session string) ([]model.Track, int, error) {
	result, err := s.client.ZRangeByScore(ctx, playlistKey(session), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("failed to get queue: %w", err)
	}

	tracks := make([]model.Track, 0, len(result))
	for _, itemJSON := range result {
		var item QueueItem
		if err := json.Unmarshal([]byte(itemJSON), &item); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal queue item: %w", err)
		}
		tracks = append(tracks, item.Track)
	}

	current := 0
	raw, err := s.client.Get(ctx, currentKey(session)).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, 0, fmt.Errorf("failed to get current index: %w", err)
	default:
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			current = n
		}
	}
	return tracks, current, nil
}

// Clear 删除队列
func (s *PlaylistStore) Clear(ctx context.Context, session string) error {
	if err := s.client.Del(ctx, playlistKey(session), currentKey(session)).Err(); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}
