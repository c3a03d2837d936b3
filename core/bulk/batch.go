package bulk

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"QFetch/model"
)

// DefaultSourceMarker 有效行必须包含的来源域名
const DefaultSourceMarker = "spotify.com"

// ParseBatch 解析按行分隔的来源链接。
// 空行和 # 开头的行忽略；不含来源标记的行跳过；行号从1开始。
// 没有任何有效行时返回 ErrNoValidSources。
func ParseBatch(r io.Reader, marker string) ([]*model.SourceItem, error) {
	if marker == "" {
		marker = DefaultSourceMarker
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var items []*model.SourceItem
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if !strings.Contains(text, marker) {
			continue
		}
		items = append(items, model.NewSourceItem(text, line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch input: %w", err)
	}
	if len(items) == 0 {
		return nil, model.ErrNoValidSources
	}
	return items, nil
}

// ParseBatchString 同 ParseBatch
func ParseBatchString(s, marker string) ([]*model.SourceItem, error) {
	return ParseBatch(strings.NewReader(s), marker)
}
