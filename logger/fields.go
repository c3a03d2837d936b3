package logger

import (
	"time"

	"go.uber.org/zap"
)

func String(key string, val string) zap.Field { return zap.String(key, val) }

func Int(key string, val int) zap.Field { return zap.Int(key, val) }

func Int64(key string, val int64) zap.Field { return zap.Int64(key, val) }

func Float64(key string, val float64) zap.Field { return zap.Float64(key, val) }

func Bool(key string, val bool) zap.Field { return zap.Bool(key, val) }

// ErrorField 错误字段
func ErrorField(err error) zap.Field { return zap.Error(err) }

func Any(key string, val interface{}) zap.Field { return zap.Any(key, val) }

func Duration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }

// Run 批量任务ID
func Run(id string) zap.Field { return zap.String("run", id) }

// Track 曲目的简要信息
func Track(title, artist string) zap.Field {
	return zap.String("track", title+" - "+artist)
}

// Line 批量输入中的行号
func Line(n int) zap.Field { return zap.Int("line", n) }
