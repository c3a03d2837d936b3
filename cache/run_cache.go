package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"QFetch/logger"
	"QFetch/model"

	"github.com/go-redis/redis/v8"
)

// RunEvent 发布到 run:{id}:events 频道的消息
type RunEvent struct {
	Type string          `json:"type"` // item, track, progress, complete
	Data json.RawMessage `json:"data"`
}

// RunCache 把一次运行的条目、进度和完成事件写入Redis，供其他进程查询。
// 实现 bulk.Sink；写失败只记日志，不影响下载。
type RunCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRunCache ttl<=0 时使用24小时
func NewRunCache(client *redis.Client, ttl time.Duration) *RunCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RunCache{client: client, ttl: ttl}
}

func runKey(runID string) string      { return fmt.Sprintf("run:%s", runID) }
func itemsKey(runID string) string    { return fmt.Sprintf("run:%s:items", runID) }
func ChannelKey(runID string) string  { return fmt.Sprintf("run:%s:events", runID) }
func completeKey(runID string) string { return fmt.Sprintf("run:%s:complete", runID) }

func (c *RunCache) publish(ctx context.Context, runID, typ string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn("[RunCache] 序列化事件失败", logger.Run(runID), logger.ErrorField(err))
		return
	}
	msg, _ := json.Marshal(RunEvent{Type: typ, Data: data})
	if err := c.client.Publish(ctx, ChannelKey(runID), msg).Err(); err != nil {
		logger.Warn("[RunCache] 发布事件失败", logger.Run(runID), logger.ErrorField(err))
	}
}

func (c *RunCache) OnItem(runID string, item model.SourceItem) {
	ctx := context.Background()
	data, err := json.Marshal(item)
	if err != nil {
		return
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, itemsKey(runID), strconv.Itoa(item.Line), data)
	pipe.Expire(ctx, itemsKey(runID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("[RunCache] 保存条目失败", logger.Run(runID), logger.Line(item.Line), logger.ErrorField(err))
	}
	c.publish(ctx, runID, "item", item)
}

func (c *RunCache) OnTrack(runID string, ev model.TrackEvent) {
	c.publish(context.Background(), runID, "track", ev)
}

func (c *RunCache) OnProgress(runID string, ev model.ProgressEvent) {
	ctx := context.Background()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, runKey(runID), data, c.ttl).Err(); err != nil {
		logger.Warn("[RunCache] 保存进度失败", logger.Run(runID), logger.ErrorField(err))
	}
	c.publish(ctx, runID, "progress", ev)
}

func (c *RunCache) OnComplete(runID string, ev model.CompletionEvent) {
	ctx := context.Background()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, completeKey(runID), data, c.ttl).Err(); err != nil {
		logger.Warn("[RunCache] 保存完成事件失败", logger.Run(runID), logger.ErrorField(err))
	}
	c.publish(ctx, runID, "complete", ev)
}

// Progress 读取最新进度，不存在时返回 model.ErrNotFound
func (c *RunCache) Progress(ctx context.Context, runID string) (*model.ProgressEvent, error) {
	var ev model.ProgressEvent
	if err := c.getJSON(ctx, runKey(runID), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Completion 读取完成事件，运行未结束时返回 model.ErrNotFound
func (c *RunCache) Completion(ctx context.Context, runID string) (*model.CompletionEvent, error) {
	var ev model.CompletionEvent
	if err := c.getJSON(ctx, completeKey(runID), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Items 按行号排序的条目快照
func (c *RunCache) Items(ctx context.Context, runID string) ([]model.SourceItem, error) {
	raw, err := c.client.HGetAll(ctx, itemsKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load run items: %w", err)
	}
	items := make([]model.SourceItem, 0, len(raw))
	for _, v := range raw {
		var item model.SourceItem
		if err := json.Unmarshal([]byte(v), &item); err != nil {
			logger.Warn("[RunCache] 条目解析失败", logger.Run(runID), logger.ErrorField(err))
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Line < items[j].Line })
	return items, nil
}

// Subscribe 订阅运行事件，调用方负责Close
func (c *RunCache) Subscribe(ctx context.Context, runID string) *redis.PubSub {
	return c.client.Subscribe(ctx, ChannelKey(runID))
}

func (c *RunCache) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	return json.Unmarshal(data, v)
}
