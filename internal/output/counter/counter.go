package outputcounter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/MuchTitan/go-log-tailer/internal"
	"github.com/MuchTitan/go-log-tailer/internal/util"
)

// Counter prints a running total per level for every matching entry. It is
// meant for smoke testing a source without a real sink.
type Counter struct {
	match  string
	name   string
	mu     sync.Mutex
	count  uint64
	levels map[string]uint64
	out    io.Writer
}

func (c *Counter) Name() string {
	return c.name
}

func (c *Counter) Init(config map[string]any) error {
	c.name = util.MustString(config["Name"])
	if c.name == "" {
		c.name = "counter"
	}

	c.match = util.MustString(config["Match"])
	if c.match == "" {
		c.match = "*"
	}

	c.levels = make(map[string]uint64)
	if c.out == nil {
		c.out = os.Stdout
	}

	return nil
}

func (c *Counter) increment(level string) (uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if level == "" {
		level = "unknown"
	}
	c.count++
	c.levels[level]++
	return c.count, c.levels[level]
}

func (c *Counter) Count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Counter) LevelCount(level string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.levels[level]
}

func (c *Counter) Write(entries []internal.Entry) error {
	for _, entry := range entries {
		if !util.TagMatch(entry.Metadata.Tag, c.match) {
			continue
		}
		total, perLevel := c.increment(entry.Level)
		jsonData, _ := json.Marshal(map[string]any{
			"count":      total,
			"server":     entry.Metadata.ServerID,
			"level":      entry.Level,
			"levelCount": perLevel,
		})
		if _, err := fmt.Fprintln(c.out, string(jsonData)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Counter) Flush() error {
	return nil
}

func (c *Counter) Exit() error {
	return nil
}
