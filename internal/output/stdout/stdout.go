package outputstdout

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/MuchTitan/go-log-tailer/internal"
	"github.com/MuchTitan/go-log-tailer/internal/util"
)

var ValidFormats = []string{"json", "plain", "template"}

// templateData is what a custom Template is rendered against.
type templateData struct {
	Timestamp time.Time
	Level     string
	Message   string
	Tag       string
	Server    string
	Source    string
	Line      int64
	Fields    map[string]any
}

type Stdout struct {
	name       string
	format     string
	template   *template.Template
	jsonIndent bool
	colors     bool
	match      string

	mu  sync.Mutex
	out io.Writer
}

func (s *Stdout) Name() string {
	return s.name
}

func (s *Stdout) Init(config map[string]any) error {
	s.name = util.MustString(config["Name"])
	if s.name == "" {
		s.name = "stdout"
	}

	s.match = util.MustString(config["Match"])
	if s.match == "" {
		s.match = "*"
	}

	s.format = util.MustString(config["Format"])
	if s.format == "" {
		s.format = "json"
	}
	if !slices.Contains(ValidFormats, s.format) {
		return fmt.Errorf("not a valid format for stdout provided: %s", s.format)
	}

	if indent, exists := config["JsonIndent"]; exists && s.format == "json" {
		var ok bool
		if s.jsonIndent, ok = indent.(bool); !ok {
			return errors.New("cant convert json indent parameter to bool")
		}
	}

	if colors, exists := config["Colors"]; exists {
		var ok bool
		if s.colors, ok = colors.(bool); !ok {
			return errors.New("cant convert colors parameter to bool")
		}
	}

	if raw := util.MustString(config["Template"]); raw != "" {
		tmpl, err := template.New("output").Parse(raw)
		if err != nil {
			return fmt.Errorf("failed to parse template: %w", err)
		}
		s.template = tmpl
		s.format = "template"
	}
	if s.format == "template" && s.template == nil {
		return errors.New("format template needs a Template")
	}

	if s.out == nil {
		s.out = os.Stdout
	}
	return nil
}

func (s *Stdout) MatchTag(inputTag string) bool {
	return util.TagMatch(inputTag, s.match)
}

func (s *Stdout) Write(entries []internal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if !s.MatchTag(entry.Metadata.Tag) {
			continue
		}

		var line string
		var err error
		switch s.format {
		case "json":
			line, err = s.formatJSON(entry)
		case "template":
			line, err = s.formatTemplate(entry)
		default:
			line = s.formatPlain(entry)
		}
		if err != nil {
			return fmt.Errorf("failed to format entry from %s:%d: %w", entry.Metadata.Source, entry.Metadata.LineNum, err)
		}

		if s.colors {
			line = colorize(entry.Level, line)
		}
		if _, err := fmt.Fprintln(s.out, line); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stdout) formatJSON(entry internal.Entry) (string, error) {
	formatted := map[string]any{
		"timestamp": entry.Timestamp.Format(time.RFC3339Nano),
		"level":     entry.Level,
		"message":   entry.Message,
		"tag":       entry.Metadata.Tag,
		"server":    entry.Metadata.ServerID,
		"path":      entry.Metadata.Source,
		"lineNum":   entry.Metadata.LineNum,
	}
	if entry.Metadata.Host != "" {
		formatted["host"] = entry.Metadata.Host
	}
	if entry.Metadata.LineCount > 1 {
		formatted["lineCount"] = entry.Metadata.LineCount
	}
	if len(entry.Fields) > 0 {
		formatted["fields"] = entry.Fields
	}

	var data []byte
	var err error
	if s.jsonIndent {
		data, err = json.MarshalIndent(formatted, "", "  ")
	} else {
		data, err = json.Marshal(formatted)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Stdout) formatTemplate(entry internal.Entry) (string, error) {
	builder := &strings.Builder{}
	err := s.template.Execute(builder, templateData{
		Timestamp: entry.Timestamp,
		Level:     entry.Level,
		Message:   entry.Message,
		Tag:       entry.Metadata.Tag,
		Server:    entry.Metadata.ServerID,
		Source:    entry.Metadata.Source,
		Line:      entry.Metadata.LineNum,
		Fields:    entry.Fields,
	})
	if err != nil {
		return "", err
	}
	return builder.String(), nil
}

// formatPlain renders "timestamp [tag] LEVEL message key=value ..." with the
// fields in key order.
func (s *Stdout) formatPlain(entry internal.Entry) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s [%s] %s %s",
		entry.Timestamp.Format(time.RFC3339),
		entry.Metadata.Tag,
		strings.ToUpper(entry.Level),
		entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for key := range entry.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&builder, " %s=%v", key, entry.Fields[key])
	}
	return builder.String()
}

func colorize(level, line string) string {
	const (
		colorReset  = "\033[0m"
		colorRed    = "\033[31m"
		colorGreen  = "\033[32m"
		colorYellow = "\033[33m"
		colorBlue   = "\033[34m"
	)

	switch level {
	case "error", "fatal":
		return colorRed + line + colorReset
	case "warn":
		return colorYellow + line + colorReset
	case "info":
		return colorGreen + line + colorReset
	default:
		return colorBlue + line + colorReset
	}
}

func (s *Stdout) Flush() error {
	return nil
}

func (s *Stdout) Exit() error {
	return nil
}
