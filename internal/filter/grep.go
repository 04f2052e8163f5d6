package filter

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/MuchTitan/go-log-tailer/internal"
	"github.com/MuchTitan/go-log-tailer/internal/util"
)

// Grep keeps or drops entries by regular expression. With "and" every
// Regex has to match, with "or" one is enough. An entry matching any
// Exclude pattern is always dropped.
type Grep struct {
	name    string
	match   string
	op      string
	key     string
	regex   []*regexp.Regexp
	exclude []*regexp.Regexp
}

func (g *Grep) Name() string {
	return g.name
}

func (g *Grep) MatchTag(inputTag string) bool {
	return util.TagMatch(inputTag, g.match)
}

func (g *Grep) Init(config map[string]any) error {
	g.op = util.MustString(config["Op"])
	if g.op == "" {
		g.op = "and"
	}
	if g.op != "and" && g.op != "or" {
		return fmt.Errorf("unsupported logic operator '%s' in Grep Filter", g.op)
	}

	g.name = util.MustString(config["Name"])
	if g.name == "" {
		g.name = "grep"
	}

	g.match = util.MustString(config["Match"])
	if g.match == "" {
		g.match = "*"
	}

	// Key selects a field to test instead of the message. "level" and
	// "raw" address the entry's own level and raw text.
	g.key = util.MustString(config["Key"])

	var err error
	if g.regex, err = compilePatterns(config["Regex"]); err != nil {
		return fmt.Errorf("grep Regex: %w", err)
	}
	if g.exclude, err = compilePatterns(config["Exclude"]); err != nil {
		return fmt.Errorf("grep Exclude: %w", err)
	}
	return nil
}

func compilePatterns(raw any) ([]*regexp.Regexp, error) {
	var patterns []string
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		patterns = []string{v}
	case []string:
		patterns = v
	case []any:
		for _, p := range v {
			s, ok := p.(string)
			if !ok {
				return nil, errors.New("cant convert patterns to string array")
			}
			patterns = append(patterns, s)
		}
	default:
		return nil, errors.New("cant convert patterns to string array")
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func (g *Grep) subject(entry *internal.Entry) string {
	switch g.key {
	case "":
		return entry.Message
	case "level":
		return entry.Level
	case "raw":
		return entry.RawData
	}
	if value, ok := entry.Fields[g.key]; ok {
		return fmt.Sprint(value)
	}
	return ""
}

func (g *Grep) Process(entry *internal.Entry) (*internal.Entry, error) {
	if entry == nil {
		return nil, nil
	}
	subject := g.subject(entry)

	for _, re := range g.exclude {
		if re.MatchString(subject) {
			return nil, nil
		}
	}
	if len(g.regex) == 0 {
		return entry, nil
	}

	matches := 0
	for _, re := range g.regex {
		if re.MatchString(subject) {
			if g.op == "or" {
				return entry, nil
			}
			matches++
		}
	}
	if matches != len(g.regex) {
		return nil, nil
	}
	return entry, nil
}

func (g *Grep) Exit() error {
	return nil
}
