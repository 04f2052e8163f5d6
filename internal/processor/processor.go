package processor

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MuchTitan/go-log-tailer/internal"
	"github.com/MuchTitan/go-log-tailer/internal/tailer"
	"github.com/MuchTitan/go-log-tailer/internal/util"
)

// Plugin is a configurable tailer.Processor. Every tailed file gets its own
// instance since multi-line state is per file.
type Plugin interface {
	internal.Plugin
	tailer.Processor
}

// New builds and initialises the processor named by config["Type"].
// An empty type selects multiline.
func New(config map[string]any) (Plugin, error) {
	var p Plugin

	switch strings.ToLower(util.MustString(config["Type"])) {
	case "", "multiline":
		p = &Multiline{}
	case "json":
		p = &Json{}
	default:
		return nil, fmt.Errorf("unknown processor type: %s", config["Type"])
	}

	if err := p.Init(config); err != nil {
		return nil, err
	}
	return p, nil
}

func ExtractTime(entry *internal.Entry, timeKey, timeFormat string) {
	if timeValue, ok := entry.Fields[timeKey].(string); ok {
		ts, err := time.Parse(timeFormat, timeValue)
		if err != nil {
			return
		}
		entry.Timestamp = ts
	}
}

func validateTimeFormat(format string) error {
	if time.Now().Format(format) == format {
		return fmt.Errorf("not a valid time format: %q", format)
	}
	return nil
}

var levelRe = regexp.MustCompile(`(?i)\b(trace|trc|debug|dbg|info|inf|warn|warning|wrn|error|err|eror|fatal|ftl|critical|crit)\b`)

// NormalizeLevel maps the spellings used by the usual media server and
// downloader loggers onto trace, debug, info, warn, error and fatal.
func NormalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "trc", "verbose", "vrb":
		return "trace"
	case "debug", "dbg":
		return "debug"
	case "info", "inf", "information":
		return "info"
	case "warn", "warning", "wrn":
		return "warn"
	case "error", "err", "eror":
		return "error"
	case "fatal", "ftl", "critical", "crit":
		return "fatal"
	default:
		return ""
	}
}

// guessLevel looks for the first level token in a line.
func guessLevel(line string) string {
	if m := levelRe.FindString(line); m != "" {
		return NormalizeLevel(m)
	}
	return ""
}
