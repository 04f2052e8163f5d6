package processor

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/MuchTitan/go-log-tailer/internal"
	"github.com/MuchTitan/go-log-tailer/internal/util"
)

// Json turns every line into its own entry. Lines that are not JSON objects
// still produce an entry carrying the raw text.
type Json struct {
	name       string
	levelKey   string
	messageKey string
	timeKey    string
	timeFormat string
}

func (j *Json) Name() string {
	return j.name
}

func (j *Json) Init(config map[string]any) error {
	j.name = util.MustString(config["Name"])
	if j.name == "" {
		j.name = "json"
	}

	j.levelKey = util.MustString(config["LevelKey"])
	if j.levelKey == "" {
		j.levelKey = "level"
	}

	j.messageKey = util.MustString(config["MessageKey"])
	if j.messageKey == "" {
		j.messageKey = "message"
	}

	j.timeKey = util.MustString(config["TimeKey"])

	j.timeFormat = util.MustString(config["TimeFormat"])
	if j.timeFormat != "" {
		if err := validateTimeFormat(j.timeFormat); err != nil {
			return err
		}
	} else {
		j.timeFormat = time.RFC3339
	}

	return nil
}

func (j *Json) ProcessLine(_ context.Context, line string, lineNumber int64) (*internal.Entry, error) {
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}

	entry := &internal.Entry{
		Timestamp: time.Now(),
		RawData:   line,
		Message:   line,
		Metadata:  internal.Metadata{LineNum: lineNumber, LineCount: 1},
	}

	var parsedData map[string]any
	if err := json.Unmarshal([]byte(line), &parsedData); err != nil {
		entry.Level = guessLevel(line)
		return entry, nil
	}
	entry.Fields = parsedData

	if level, ok := parsedData[j.levelKey].(string); ok {
		entry.Level = NormalizeLevel(level)
	}
	if message, ok := parsedData[j.messageKey].(string); ok {
		entry.Message = message
	}
	if j.timeKey != "" {
		ExtractTime(entry, j.timeKey, j.timeFormat)
	}
	return entry, nil
}

func (j *Json) Flush(context.Context) (*internal.Entry, error) {
	return nil, nil
}

func (j *Json) Exit() error {
	return nil
}
