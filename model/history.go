package model

import "time"

// DownloadRecord 下载历史记录
type DownloadRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID     string    `gorm:"type:varchar(64);index" json:"runId"`
	ISRC      string    `gorm:"type:varchar(32);index" json:"isrc"`
	TrackID   string    `gorm:"type:varchar(128)" json:"trackId"`
	Title     string    `gorm:"type:varchar(255)" json:"title"`
	Artist    string    `gorm:"type:varchar(255)" json:"artist"`
	Album     string    `gorm:"type:varchar(255)" json:"album"`
	Service   string    `gorm:"type:varchar(32)" json:"service"`
	Path      string    `gorm:"type:varchar(1024)" json:"path"`
	Status    JobStatus `gorm:"type:varchar(16);index" json:"status"`
	SizeBytes int64     `json:"sizeBytes"`
	Attempts  int       `json:"attempts"`
	Error     string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定表名
func (DownloadRecord) TableName() string {
	return "download_history"
}
