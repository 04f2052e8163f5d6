package processor

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MuchTitan/go-log-tailer/internal"
	"github.com/MuchTitan/go-log-tailer/internal/util"
)

// DefaultStartPattern matches the first line of entries written by the
// common media stack loggers: ISO dates ("2024-05-01 10:00:00.1|Info|..."),
// bracketed prefixes ("[2024-05-01 10:00:00] [INF] ...") and Plex style
// dates ("May 01, 2024 10:00:00.123 [0x7f] DEBUG - ...").
const DefaultStartPattern = `^(\[?\d{4}-\d{2}-\d{2}[ T]|\[|[A-Z][a-z]{2} \d{1,2}, \d{4} )`

const defaultMaxLines = 500

// Multiline groups a start line and its continuation lines (stack traces,
// wrapped messages) into one entry. Named groups of StartPattern become
// fields; "level" and "message" groups fill the entry's Level and Message.
type Multiline struct {
	name       string
	start      *regexp.Regexp
	timeKey    string
	timeFormat string
	maxLines   int
	allowEmpty bool

	mu      sync.Mutex
	pending *internal.Entry
	lines   []string
}

func (m *Multiline) Name() string {
	return m.name
}

func (m *Multiline) Init(config map[string]any) error {
	m.name = util.MustString(config["Name"])
	if m.name == "" {
		m.name = "multiline"
	}

	pattern := util.MustString(config["StartPattern"])
	if pattern == "" {
		pattern = DefaultStartPattern
	}
	var err error
	m.start, err = regexp.Compile(pattern)
	if err != nil {
		return err
	}

	m.allowEmpty = config["AllowEmpty"] == true

	m.timeKey = util.MustString(config["TimeKey"])

	m.timeFormat = util.MustString(config["TimeFormat"])
	if m.timeFormat != "" {
		if err := validateTimeFormat(m.timeFormat); err != nil {
			return err
		}
	} else {
		m.timeFormat = time.RFC3339
	}

	m.maxLines = defaultMaxLines
	if maxLines, exists := config["MaxLines"]; exists {
		var ok bool
		if m.maxLines, ok = maxLines.(int); !ok || m.maxLines < 1 {
			return errors.New("MaxLines has to be a positive integer")
		}
	}

	return nil
}

func (m *Multiline) ProcessLine(_ context.Context, line string, lineNumber int64) (*internal.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil && strings.TrimSpace(line) == "" {
		return nil, nil
	}

	if m.pending == nil || m.start.MatchString(line) {
		completed := m.finish()
		m.begin(line, lineNumber)
		// with MaxLines 1 nothing is ever pending here
		if completed == nil && len(m.lines) >= m.maxLines {
			return m.finish(), nil
		}
		return completed, nil
	}

	m.lines = append(m.lines, line)
	if len(m.lines) >= m.maxLines {
		return m.finish(), nil
	}
	return nil, nil
}

func (m *Multiline) Flush(context.Context) (*internal.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finish(), nil
}

func (m *Multiline) Exit() error {
	return nil
}

func (m *Multiline) begin(line string, lineNumber int64) {
	entry := &internal.Entry{
		Timestamp: time.Now(),
		Message:   line,
		Fields:    make(map[string]any),
		Metadata:  internal.Metadata{LineNum: lineNumber},
	}

	if matches := m.start.FindStringSubmatch(line); matches != nil {
		for i, name := range m.start.SubexpNames() {
			if i == 0 || name == "" {
				continue
			}
			value := matches[i]
			if value == "" && !m.allowEmpty {
				continue
			}
			entry.Fields[name] = value
		}
	}

	if level, ok := entry.Fields["level"].(string); ok {
		entry.Level = NormalizeLevel(level)
	}
	if entry.Level == "" {
		entry.Level = guessLevel(line)
	}
	if message, ok := entry.Fields["message"].(string); ok && message != "" {
		entry.Message = message
	}
	if m.timeKey != "" {
		ExtractTime(entry, m.timeKey, m.timeFormat)
	}

	m.pending = entry
	m.lines = append(m.lines[:0], line)
}

func (m *Multiline) finish() *internal.Entry {
	if m.pending == nil {
		return nil
	}
	entry := m.pending
	entry.RawData = strings.Join(m.lines, "\n")
	entry.Metadata.LineCount = len(m.lines)
	if len(m.lines) > 1 {
		entry.Message += "\n" + strings.Join(m.lines[1:], "\n")
	}

	m.pending = nil
	m.lines = m.lines[:0]
	return entry
}
