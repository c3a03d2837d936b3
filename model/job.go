package model

import "time"

// JobStatus 单个下载任务的状态
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobFetching  JobStatus = "fetching"
	JobWriting   JobStatus = "writing"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

var jobStatusRank = map[JobStatus]int{
	JobPending:   0,
	JobFetching:  1,
	JobWriting:   2,
	JobDone:      3,
	JobFailed:    3,
	JobCancelled: 3,
}

// IsFinished 是否为终态
func (s JobStatus) IsFinished() bool {
	return s == JobDone || s == JobFailed || s == JobCancelled
}

// CanTransition 状态只能单调前进，终态不再变化
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.IsFinished() {
		return false
	}
	cur, ok1 := jobStatusRank[s]
	nxt, ok2 := jobStatusRank[next]
	if !ok1 || !ok2 {
		return false
	}
	return nxt > cur
}

// Job 一首曲目的执行状态，同一时刻只属于一个worker
type Job struct {
	ID          string    `json:"id"`
	Track       Track     `json:"track"`
	Status      JobStatus `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	Destination string    `json:"destination,omitempty"`
	CachedPath  string    `json:"cachedPath,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewJob 创建一个待执行的任务
func NewJob(id string, track Track) *Job {
	return &Job{
		ID:        id,
		Track:     track,
		Status:    JobPending,
		UpdatedAt: time.Now(),
	}
}

// SetStatus 推进状态，非法转换返回false且不修改
func (j *Job) SetStatus(next JobStatus) bool {
	if !j.Status.CanTransition(next) {
		return false
	}
	j.Status = next
	j.UpdatedAt = time.Now()
	return true
}
