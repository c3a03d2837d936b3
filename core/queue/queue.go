// Package queue 提供带去重和优先插入的并发安全FIFO队列。
package queue

import "sync"

// Queue 互斥锁保护的FIFO，同一个key同时只会排队一次
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	keys  map[string]struct{}
	keyOf func(T) string
}

// New 创建队列，keyOf用于去重
func New[T any](keyOf func(T) string) *Queue[T] {
	return &Queue[T]{
		keys:  make(map[string]struct{}),
		keyOf: keyOf,
	}
}

// Enqueue 追加到队尾，已在队列中时返回false
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := q.keyOf(item)
	if _, ok := q.keys[k]; ok {
		return false
	}
	q.keys[k] = struct{}{}
	q.items = append(q.items, item)
	return true
}

// PushFront 插到队首；已在队列中则提到队首
func (q *Queue[T]) PushFront(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := q.keyOf(item)
	if _, ok := q.keys[k]; ok {
		q.removeLocked(k)
	}
	q.keys[k] = struct{}{}
	q.items = append([]T{item}, q.items...)
}

// Dequeue 取出队首，队列为空时ok为false
func (q *Queue[T]) Dequeue() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return item, false
	}
	item = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	delete(q.keys, q.keyOf(item))
	return item, true
}

// Contains 是否仍在排队
func (q *Queue[T]) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.keys[key]
	return ok
}

// Remove 按key移除
func (q *Queue[T]) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(key)
}

func (q *Queue[T]) removeLocked(key string) bool {
	if _, ok := q.keys[key]; !ok {
		return false
	}
	for i, it := range q.items {
		if q.keyOf(it) == key {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	delete(q.keys, key)
	return true
}

// Len 当前长度
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear 清空队列，返回被丢弃的元素
func (q *Queue[T]) Clear() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := q.items
	q.items = nil
	q.keys = make(map[string]struct{})
	return dropped
}

// Keys 队列中元素的key快照，按出队顺序
func (q *Queue[T]) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, q.keyOf(it))
	}
	return out
}
