package internal

import (
	"time"
)

// Entry is one fully assembled log record. A single entry may span several
// physical lines (stack traces, wrapped messages).
type Entry struct {
	Timestamp time.Time
	Level     string
	Message   string
	RawData   string
	Fields    map[string]any
	Metadata  Metadata
}

type Metadata struct {
	ServerID string
	Source   string
	Host     string
	Tag      string
	// LineNum is the line number of the first physical line of the entry.
	LineNum   int64
	LineCount int
}

// Plugin interface that all plugins must implement
type Plugin interface {
	Name() string
	Init(config map[string]any) error
	Exit() error
}
