// Package naming 根据曲目信息和命名配置生成输出路径。
package naming

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"QFetch/model"
)

// Format 文件名模板
type Format string

const (
	FormatTitleArtist Format = "title_artist" // {title} - {artist}
	FormatArtistTitle Format = "artist_title" // {artist} - {title}
	FormatTitleOnly   Format = "title_only"   // {title}
)

// DefaultExtension 默认扩展名
const DefaultExtension = ".flac"

// ParseFormat 解析配置中的模板名
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTitleArtist, FormatArtistTitle, FormatTitleOnly:
		return f, nil
	case "":
		return FormatTitleArtist, nil
	}
	return "", fmt.Errorf("unknown filename format %q", s)
}

// Options 命名配置
type Options struct {
	Format          Format
	TrackNumbers    bool
	AlbumSubfolders bool
	Extension       string
}

// DefaultOptions 与批量下载的默认配置一致
func DefaultOptions() Options {
	return Options{
		Format:          FormatTitleArtist,
		TrackNumbers:    true,
		AlbumSubfolders: true,
		Extension:       DefaultExtension,
	}
}

var invalidChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// Sanitize 去掉路径片段中的非法字符。重复调用结果不变。
func Sanitize(segment string) string {
	s := invalidChars.ReplaceAllString(segment, "")
	s = strings.TrimLeft(s, " ")
	s = strings.TrimRight(s, " .")
	if s == "" {
		return "untitled"
	}
	return s
}

func (o Options) ext() string {
	if o.Extension == "" {
		return DefaultExtension
	}
	if !strings.HasPrefix(o.Extension, ".") {
		return "." + o.Extension
	}
	return o.Extension
}

func baseName(t model.Track, f Format) string {
	switch f {
	case FormatArtistTitle:
		return t.Artist + " - " + t.Title
	case FormatTitleOnly:
		return t.Title
	default:
		return t.Title + " - " + t.Artist
	}
}

// Resolve 返回曲目相对于条目输出目录的路径
func Resolve(t model.Track, opts Options, parent model.ItemType) string {
	name := baseName(t, opts.Format)

	numbered := parent == model.ItemAlbum || (parent == model.ItemPlaylist && opts.AlbumSubfolders)
	if numbered && opts.TrackNumbers {
		name = fmt.Sprintf("%02d - %s", t.Position, name)
	}
	file := Sanitize(name) + opts.ext()

	if parent == model.ItemPlaylist && opts.AlbumSubfolders && strings.TrimSpace(t.Album) != "" {
		return filepath.Join(Sanitize(t.Album), file)
	}
	return file
}

// ItemDir 条目的输出目录：专辑和歌单各自建子目录，单曲直接放在根目录
func ItemDir(base string, item *model.SourceItem) string {
	switch item.Type {
	case model.ItemAlbum, model.ItemPlaylist:
		return filepath.Join(base, Sanitize(item.Title))
	}
	return base
}

// CacheName 缓存文件名，只由曲目字段决定
func CacheName(t model.Track, ext string) string {
	if ext == "" {
		ext = DefaultExtension
	}
	return Sanitize(t.Title+" - "+t.Artist) + ext
}
