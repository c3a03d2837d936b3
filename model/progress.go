package model

import "time"

// ProgressEvent 运行过程中反复推送的进度
type ProgressEvent struct {
	TotalURLs               int     `json:"totalUrls"`
	ProcessedURLs           int     `json:"processedUrls"`
	SuccessfulURLs          int     `json:"successfulUrls"`
	FailedURLs              int     `json:"failedUrls"`
	TotalTracks             int     `json:"totalTracks"`
	DownloadedTracks        int     `json:"downloadedTracks"`
	FailedTracks            int     `json:"failedTracks"`
	ProgressPercentage      float64 `json:"progressPercentage"`
	TrackProgressPercentage float64 `json:"trackProgressPercentage"`
	EstimatedTimeRemaining  *string `json:"estimatedTimeRemaining"`
}

// CompletionEvent 运行结束时推送一次
type CompletionEvent struct {
	TotalURLs        int           `json:"totalUrls"`
	SuccessfulURLs   int           `json:"successfulUrls"`
	FailedURLs       int           `json:"failedUrls"`
	TotalTracks      int           `json:"totalTracks"`
	DownloadedTracks int           `json:"downloadedTracks"`
	FailedTracks     int           `json:"failedTracks"`
	Duration         time.Duration `json:"duration"`
	Stopped          bool          `json:"stopped"`
	Error            string        `json:"error,omitempty"`
}

// TrackEvent 单曲状态变化
type TrackEvent struct {
	Line     int       `json:"line"`
	Index    int       `json:"index"`
	Total    int       `json:"total"`
	JobID    string    `json:"jobId"`
	Title    string    `json:"title"`
	Artist   string    `json:"artist,omitempty"`
	Album    string    `json:"album,omitempty"`
	ISRC     string    `json:"isrc,omitempty"`
	Service  string    `json:"service,omitempty"`
	Status   JobStatus `json:"status"`
	Attempts int       `json:"attempts"`
	Path     string    `json:"path,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Message  string    `json:"message,omitempty"`
}
