package model

// ItemStatus 来源条目在批量任务中的状态
type ItemStatus string

const (
	ItemPending             ItemStatus = "pending"
	ItemMetadataFetch       ItemStatus = "metadata_fetch"
	ItemTrackDownload       ItemStatus = "track_download"
	ItemCompleted           ItemStatus = "completed"
	ItemCompletedWithErrors ItemStatus = "completed_with_errors"
	ItemFailed              ItemStatus = "failed"
)

// IsFinished 是否为终态
func (s ItemStatus) IsFinished() bool {
	return s == ItemCompleted || s == ItemCompletedWithErrors || s == ItemFailed
}

// FailedTrack 下载失败的曲目及原因
type FailedTrack struct {
	Track Track  `json:"track"`
	Error string `json:"error"`
}

// SourceItem 批量输入中的一行
type SourceItem struct {
	RawURI       string        `json:"rawUri"`
	Line         int           `json:"line"`
	Type         ItemType      `json:"type,omitempty"`
	Title        string        `json:"title,omitempty"`
	OutputDir    string        `json:"outputDir,omitempty"`
	Jobs         []*Job        `json:"-"`
	Status       ItemStatus    `json:"status"`
	TracksCount  int           `json:"tracksCount"`
	Downloaded   int           `json:"downloaded"`
	Skipped      int           `json:"skipped"`
	FailedTracks []FailedTrack `json:"failedTracks,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// NewSourceItem 由一行输入创建条目
func NewSourceItem(rawURI string, line int) *SourceItem {
	return &SourceItem{RawURI: rawURI, Line: line, Status: ItemPending}
}

// Processed 已处理（成功或失败）的曲目数
func (s *SourceItem) Processed() int {
	return s.Downloaded + len(s.FailedTracks)
}

// Outcome 曲目处理完后的终态。
// 只要元数据解析成功，即使全部曲目失败也算 completed_with_errors；
// ItemFailed 只由元数据阶段设置。
func (s *SourceItem) Outcome() ItemStatus {
	if len(s.FailedTracks) == 0 {
		return ItemCompleted
	}
	return ItemCompletedWithErrors
}

// Snapshot 返回不含任务列表的副本，可安全跨goroutine传递
func (s *SourceItem) Snapshot() SourceItem {
	c := *s
	c.Jobs = nil
	c.FailedTracks = append([]FailedTrack(nil), s.FailedTracks...)
	return c
}
