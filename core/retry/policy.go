// Package retry 实现带上限的指数退避重试策略。
package retry

import (
	"context"
	"errors"
	"time"

	"QFetch/model"
)

const (
	DefaultMultiplier = 1.5
	DefaultMaxDelay   = 30 * time.Second
)

// Class 错误分类
type Class int

const (
	ClassTransient Class = iota
	ClassNotFound
	ClassFatal
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassNotFound:
		return "not_found"
	case ClassFatal:
		return "fatal"
	case ClassCancelled:
		return "cancelled"
	default:
		return "transient"
	}
}

// Classify 根据哨兵错误分类，未知错误视为Transient
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, model.ErrUserCancelled), errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, model.ErrMissingIdentifier),
		errors.Is(err, model.ErrInvalidSourceURI),
		errors.Is(err, model.ErrFilesystem):
		return ClassFatal
	case errors.Is(err, model.ErrNotFound):
		return ClassNotFound
	default:
		return ClassTransient
	}
}

// Policy 重试策略。不加抖动。
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	RetryNotFound bool
}

// MetadataPolicy 元数据解析：最多5次，从2秒开始
func MetadataPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: DefaultMaxDelay, Multiplier: DefaultMultiplier, RetryNotFound: true}
}

// TrackPolicy 批量下载单曲：最多10次，从3秒开始
func TrackPolicy() Policy {
	return Policy{MaxAttempts: 10, BaseDelay: 3 * time.Second, MaxDelay: DefaultMaxDelay, Multiplier: DefaultMultiplier, RetryNotFound: true}
}

// SingleTrackPolicy 单曲下载：最多10次，从2秒开始
func SingleTrackPolicy() Policy {
	return Policy{MaxAttempts: 10, BaseDelay: 2 * time.Second, MaxDelay: DefaultMaxDelay, Multiplier: DefaultMultiplier, RetryNotFound: true}
}

// PrefetchPolicy 播放预取：最多3次，固定2秒间隔
func PrefetchPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: DefaultMaxDelay, Multiplier: 1, RetryNotFound: true}
}

func (p Policy) multiplier() float64 {
	if p.Multiplier < 1 {
		return 1
	}
	return p.Multiplier
}

func (p Policy) ceiling() time.Duration {
	if p.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return p.MaxDelay
}

// Delay 第attempt次失败后等待的时间（attempt从1开始）。
// delay(1)=BaseDelay，delay(k+1)=min(delay(k)*Multiplier, MaxDelay)。
func (p Policy) Delay(attempt int) time.Duration {
	maxDelay := p.ceiling()
	d := p.BaseDelay
	if d > maxDelay {
		d = maxDelay
	}
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(d) * p.multiplier())
		if next >= maxDelay {
			return maxDelay
		}
		d = next
	}
	return d
}

// Action 下一步动作
type Action struct {
	Retry bool
	Delay time.Duration
	Class Class
}

// Next 已经尝试attempt次且最后一次返回err时，决定是否继续
func (p Policy) Next(attempt int, err error) Action {
	class := Classify(err)
	switch class {
	case ClassFatal, ClassCancelled:
		return Action{Class: class}
	case ClassNotFound:
		if !p.RetryNotFound {
			return Action{Class: class}
		}
	}
	if attempt >= p.MaxAttempts {
		return Action{Class: class}
	}
	return Action{Retry: true, Delay: p.Delay(attempt), Class: class}
}

// SleepFunc 可取消的等待，返回非nil表示应当停止
type SleepFunc func(ctx context.Context, d time.Duration) error

// ContextSleep 只响应ctx取消的等待
func ContextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do 按策略执行fn，返回实际尝试次数和最后一次的错误。
// onRetry在每次等待前调用，可为nil。
func Do(ctx context.Context, p Policy, sleep SleepFunc, fn func(attempt int) error, onRetry func(attempt int, err error, delay time.Duration)) (int, error) {
	if sleep == nil {
		sleep = ContextSleep
	}
	attempt := 0
	for {
		attempt++
		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		act := p.Next(attempt, err)
		if !act.Retry {
			return attempt, err
		}
		if onRetry != nil {
			onRetry(attempt, err, act.Delay)
		}
		if serr := sleep(ctx, act.Delay); serr != nil {
			return attempt, serr
		}
	}
}
