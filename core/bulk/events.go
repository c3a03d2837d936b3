package bulk

import "QFetch/model"

// Sink 接收一次运行的事件。
// 同一条目的事件按发生顺序送达；MaxConcurrent>1 时不同条目的事件可能交错，实现需并发安全。
type Sink interface {
	OnItem(runID string, item model.SourceItem)
	OnTrack(runID string, ev model.TrackEvent)
	OnProgress(runID string, ev model.ProgressEvent)
	OnComplete(runID string, ev model.CompletionEvent)
}

// MultiSink 依次分发给多个Sink
type MultiSink []Sink

func (m MultiSink) OnItem(runID string, item model.SourceItem) {
	for _, s := range m {
		s.OnItem(runID, item)
	}
}

func (m MultiSink) OnTrack(runID string, ev model.TrackEvent) {
	for _, s := range m {
		s.OnTrack(runID, ev)
	}
}

func (m MultiSink) OnProgress(runID string, ev model.ProgressEvent) {
	for _, s := range m {
		s.OnProgress(runID, ev)
	}
}

func (m MultiSink) OnComplete(runID string, ev model.CompletionEvent) {
	for _, s := range m {
		s.OnComplete(runID, ev)
	}
}

// FuncSink 只关心部分事件时使用，未设置的回调忽略
type FuncSink struct {
	Item     func(runID string, item model.SourceItem)
	Track    func(runID string, ev model.TrackEvent)
	Progress func(runID string, ev model.ProgressEvent)
	Complete func(runID string, ev model.CompletionEvent)
}

func (f FuncSink) OnItem(runID string, item model.SourceItem) {
	if f.Item != nil {
		f.Item(runID, item)
	}
}

func (f FuncSink) OnTrack(runID string, ev model.TrackEvent) {
	if f.Track != nil {
		f.Track(runID, ev)
	}
}

func (f FuncSink) OnProgress(runID string, ev model.ProgressEvent) {
	if f.Progress != nil {
		f.Progress(runID, ev)
	}
}

func (f FuncSink) OnComplete(runID string, ev model.CompletionEvent) {
	if f.Complete != nil {
		f.Complete(runID, ev)
	}
}
