package cmd

import (
	"context"
	"fmt"

	"QFetch/cache"
	"QFetch/config"
	"QFetch/core/bulk"
	"QFetch/core/filecache"
	"QFetch/core/plugin"
	"QFetch/db"
	"QFetch/logger"
	"QFetch/repository"
	"QFetch/server"
	"QFetch/storage"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// app 各子命令共用的组件。可选依赖（Redis/数据库/MinIO）连接失败时降级为未启用。
type app struct {
	cfg      *config.Config
	provider plugin.MetadataProvider
	adapter  plugin.ServiceAdapter
	cache    *filecache.Store

	redis   *redis.Client
	gdb     *gorm.DB
	minio   *storage.MinioClient
	history repository.HistoryRepository
	runs    *cache.RunCache
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		provider: plugin.NewCatalogProvider(cfg.MetadataBaseURL, cfg.HTTPTimeout, cfg.ServiceRateLimit),
		cache:    filecache.New(cfg.CacheDir, cfg.FileExtension),
	}

	if cfg.MinioEndpoint != "" {
		mc, err := storage.NewMinioClient(cfg)
		if err != nil {
			logger.Warn("[App] MinIO不可用，跳过镜像", logger.ErrorField(err))
		} else {
			a.minio = mc
		}
	}

	var mirror plugin.ObjectSource
	if a.minio != nil {
		mirror = a.minio
	}
	reg := plugin.BuildRegistry(cfg, mirror)
	adapter, err := plugin.SelectAdapter(cfg, reg)
	if err != nil {
		return nil, fmt.Errorf("no download service available: %w", err)
	}
	a.adapter = adapter
	logger.Info("[App] 下载服务", logger.String("service", adapter.Name()))

	if cfg.RedisEnabled {
		client, err := cache.NewRedisClient(ctx, cfg)
		if err != nil {
			logger.Warn("[App] Redis不可用，运行状态只保存在内存", logger.ErrorField(err))
		} else {
			a.redis = client
			a.runs = cache.NewRunCache(client, cfg.RunTTL)
		}
	}

	gdb, err := db.Open(cfg)
	if err != nil {
		logger.Warn("[App] 数据库不可用，不记录下载历史", logger.ErrorField(err))
	} else {
		a.gdb = gdb
		a.history = repository.NewGormHistoryRepository(gdb)
	}
	return a, nil
}

// sinks 运行事件的持久化Sink，extra 追加在后
func (a *app) sinks(extra ...bulk.Sink) bulk.MultiSink {
	var out bulk.MultiSink
	if a.history != nil {
		out = append(out, repository.NewHistorySink(a.history))
	}
	if a.runs != nil {
		out = append(out, a.runs)
	}
	return append(out, extra...)
}

func (a *app) bulkOptions() bulk.Options {
	return bulk.Options{
		OutputDir:      a.cfg.OutputDir,
		Naming:         a.cfg.NamingOptions(),
		TrackPolicy:    a.cfg.TrackPolicy(),
		MetadataPolicy: a.cfg.MetadataPolicy(),
		MaxConcurrent:  a.cfg.MaxConcurrent,
	}
}

// healthChecks 已启用依赖的检查
func (a *app) healthChecks() map[string]server.HealthCheck {
	checks := map[string]server.HealthCheck{}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	if a.gdb != nil {
		checks["database"] = func(ctx context.Context) error {
			sqlDB, err := a.gdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}
	if a.minio != nil {
		checks["minio"] = a.minio.EnsureBucket
	}
	return checks
}

func (a *app) close() {
	if err := a.cache.Cleanup(); err != nil {
		logger.Warn("[App] 清理缓存目录失败", logger.ErrorField(err))
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if err := db.Close(a.gdb); err != nil {
		logger.Warn("[App] 关闭数据库失败", logger.ErrorField(err))
	}
}
