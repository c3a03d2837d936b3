package repository

import (
	"context"
	"errors"

	"QFetch/logger"
	"QFetch/model"

	"gorm.io/gorm"
)

// HistoryRepository 下载历史数据访问接口
type HistoryRepository interface {
	Create(ctx context.Context, rec *model.DownloadRecord) error
	ListRecent(ctx context.Context, limit int) ([]*model.DownloadRecord, error)
	ListByRun(ctx context.Context, runID string) ([]*model.DownloadRecord, error)
	FindByISRC(ctx context.Context, isrc string) (*model.DownloadRecord, error)
	CountByStatus(ctx context.Context, runID string) (map[model.JobStatus]int64, error)
}

// gormHistoryRepository GORM 实现
type gormHistoryRepository struct {
	db *gorm.DB
}

// NewGormHistoryRepository 创建 GORM 历史仓库
func NewGormHistoryRepository(db *gorm.DB) HistoryRepository {
	return &gormHistoryRepository{db: db}
}

// Create 写入一条记录
func (r *gormHistoryRepository) Create(ctx context.Context, rec *model.DownloadRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// ListRecent 最近的记录，limit<=0 时取50条
func (r *gormHistoryRepository) ListRecent(ctx context.Context, limit int) ([]*model.DownloadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []*model.DownloadRecord
	err := r.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// ListByRun 某次运行的全部记录，按写入顺序
func (r *gormHistoryRepository) ListByRun(ctx context.Context, runID string) ([]*model.DownloadRecord, error) {
	var recs []*model.DownloadRecord
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&recs).Error
	return recs, err
}

// FindByISRC 最近一次成功下载，不存在时返回 nil, nil
func (r *gormHistoryRepository) FindByISRC(ctx context.Context, isrc string) (*model.DownloadRecord, error) {
	var rec model.DownloadRecord
	err := r.db.WithContext(ctx).
		Where("isrc = ? AND status = ?", isrc, model.JobDone).
		Order("id DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// CountByStatus 按状态统计某次运行的记录数
func (r *gormHistoryRepository) CountByStatus(ctx context.Context, runID string) (map[model.JobStatus]int64, error) {
	var rows []struct {
		Status model.JobStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&model.DownloadRecord{}).
		Select("status, COUNT(*) AS count").
		Where("run_id = ?", runID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[model.JobStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// HistorySink 把结束的单曲事件写入历史表，满足 bulk.Sink。
// 只记录 done 和 failed；写失败只记日志。
type HistorySink struct {
	repo HistoryRepository
}

// NewHistorySink 创建历史记录Sink
func NewHistorySink(repo HistoryRepository) *HistorySink {
	return &HistorySink{repo: repo}
}

func (h *HistorySink) OnItem(string, model.SourceItem)          {}
func (h *HistorySink) OnProgress(string, model.ProgressEvent)   {}
func (h *HistorySink) OnComplete(string, model.CompletionEvent) {}

func (h *HistorySink) OnTrack(runID string, ev model.TrackEvent) {
	if ev.Status != model.JobDone && ev.Status != model.JobFailed {
		return
	}
	rec := &model.DownloadRecord{
		RunID:     runID,
		ISRC:      ev.ISRC,
		TrackID:   ev.JobID,
		Title:     ev.Title,
		Artist:    ev.Artist,
		Album:     ev.Album,
		Service:   ev.Service,
		Path:      ev.Path,
		Status:    ev.Status,
		SizeBytes: ev.Size,
		Attempts:  ev.Attempts,
	}
	if ev.Status == model.JobFailed {
		rec.Error = ev.Message
	}
	if err := h.repo.Create(context.Background(), rec); err != nil {
		logger.Warn("[History] 写入下载历史失败", logger.Run(runID), logger.String("title", ev.Title), logger.ErrorField(err))
	}
}
