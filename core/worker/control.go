package worker

import (
	"context"
	"sync"
	"time"

	"QFetch/model"
)

// Control 协作式的暂停/停止开关。
// 每次状态变化都会关闭并替换wake通道，等待方因此可以立即醒来。
type Control struct {
	mu      sync.Mutex
	paused  bool
	stopped bool
	wake    chan struct{}
}

// NewControl 创建控制器
func NewControl() *Control {
	return &Control{wake: make(chan struct{})}
}

func (c *Control) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// Pause 暂停
func (c *Control) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.paused = true
		c.broadcastLocked()
	}
}

// Resume 恢复
func (c *Control) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.paused = false
		c.broadcastLocked()
	}
}

// Stop 停止，不可恢复
func (c *Control) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		c.broadcastLocked()
	}
}

func (c *Control) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Control) IsStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Control) state() (paused, stopped bool, wake <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused, c.stopped, c.wake
}

// WaitWhilePaused 暂停期间阻塞；已停止或ctx取消时返回 ErrUserCancelled
func (c *Control) WaitWhilePaused(ctx context.Context) error {
	for {
		paused, stopped, wake := c.state()
		if stopped {
			return model.ErrUserCancelled
		}
		if ctx.Err() != nil {
			return model.ErrUserCancelled
		}
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return model.ErrUserCancelled
		case <-wake:
		}
	}
}

// Sleep 可被停止打断的等待。暂停不会打断等待。
func (c *Control) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		_, stopped, wake := c.state()
		if stopped || ctx.Err() != nil {
			return model.ErrUserCancelled
		}
		select {
		case <-ctx.Done():
			return model.ErrUserCancelled
		case <-t.C:
			return nil
		case <-wake:
		}
	}
}

// RetrySleep 重试前先等暂停结束再退避
func (c *Control) RetrySleep(ctx context.Context, d time.Duration) error {
	if err := c.WaitWhilePaused(ctx); err != nil {
		return err
	}
	return c.Sleep(ctx, d)
}
