package model

import (
	"strings"
	"time"
)

// ItemType 来源条目的类型
type ItemType string

const (
	ItemTrack    ItemType = "track"
	ItemAlbum    ItemType = "album"
	ItemPlaylist ItemType = "playlist"
)

// Valid 判断类型是否为已知值
func (t ItemType) Valid() bool {
	switch t {
	case ItemTrack, ItemAlbum, ItemPlaylist:
		return true
	}
	return false
}

// Track 描述一首待下载的曲目。
// 元数据解析后创建，之后只按值传递，不再修改。
type Track struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Artist   string        `json:"artist"`
	Album    string        `json:"album"`
	Position int           `json:"position"` // 在专辑/歌单中的序号，从1开始
	Duration time.Duration `json:"duration"`
	ISRC     string        `json:"isrc,omitempty"`
	RawID    string        `json:"rawId,omitempty"` // 来源服务自身的ID
}

// HasISRC 是否可以使用以ISRC为键的服务
func (t Track) HasISRC() bool {
	return strings.TrimSpace(t.ISRC) != ""
}

// Key 队列去重用的键
func (t Track) Key() string {
	if t.ID != "" {
		return t.ID
	}
	if t.HasISRC() {
		return "isrc:" + t.ISRC
	}
	return t.Artist + "\x00" + t.Title
}

// Resolution 元数据解析结果
type Resolution struct {
	Type   ItemType `json:"type"`
	Title  string   `json:"title"`
	Tracks []Track  `json:"tracks"`
}
