package watcher

import (
	"strings"
	"time"
)

type EventType string

const (
	EventCreate EventType = "create"
	EventWrite  EventType = "write"
	EventRemove EventType = "remove"
	EventRename EventType = "rename"
)

// FileEvent is one debounced change under the watched share source.
type FileEvent struct {
	Type      EventType
	Path      string
	Timestamp time.Time
}

// FilterConfig selects which filesystem changes count as source drift.
type FilterConfig struct {
	IgnoreSuffixes      []string
	IgnoreDirPrefixes   []string
	WatchSubdirectories bool
}

// DefaultFilterConfig ignores editor droppings and session working
// directories.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		IgnoreSuffixes:      []string{".tmp", ".swp", ".DS_Store", "~"},
		IgnoreDirPrefixes:   []string{".sendmer-send-", ".sendmer-recv-"},
		WatchSubdirectories: true,
	}
}

// ShouldProcess reports whether a change to filePath counts as drift.
func (fc *FilterConfig) ShouldProcess(filePath string) bool {
	for _, suffix := range fc.IgnoreSuffixes {
		if strings.HasSuffix(filePath, suffix) {
			return false
		}
	}
	for _, prefix := range fc.IgnoreDirPrefixes {
		if prefix != "" && strings.Contains(filePath, prefix) {
			return false
		}
	}
	return true
}
