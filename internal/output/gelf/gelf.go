package outputgelf

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MuchTitan/go-log-tailer/internal"
	"github.com/MuchTitan/go-log-tailer/internal/util"
	"github.com/sirupsen/logrus"

	"gopkg.in/Graylog2/go-gelf.v2/gelf"
)

const flushThreshold = 100

// GELF ships entries to a Graylog input over UDP or TCP.
type GELF struct {
	name    string
	match   string
	host    string
	hostKey string
	port    int
	mode    string

	mu     sync.Mutex
	buffer []*gelf.Message
	writer gelf.Writer
}

func (g *GELF) Name() string {
	return g.name
}

func (g *GELF) Init(config map[string]any) error {
	g.name = util.MustString(config["Name"])
	if g.name == "" {
		g.name = "gelf"
	}

	g.match = util.MustString(config["Match"])
	if g.match == "" {
		g.match = "*"
	}

	g.host = util.MustString(config["Host"])
	if g.host == "" {
		g.host = "127.0.0.1"
	}

	g.hostKey = util.MustString(config["HostKey"])
	if g.hostKey == "" {
		return errors.New("please provide a valid HostKey for the gelf output")
	}

	g.mode = util.MustString(config["Mode"])
	if g.mode == "" {
		g.mode = "udp"
	}
	if g.mode != "udp" && g.mode != "tcp" {
		return fmt.Errorf("mode: '%v' is not supported", g.mode)
	}

	g.port = 12201
	if port, exists := config["Port"]; exists {
		var ok bool
		if g.port, ok = port.(int); !ok {
			return errors.New("cant convert port to int")
		}
	}

	g.buffer = make([]*gelf.Message, 0, flushThreshold)

	if g.writer != nil {
		return nil
	}
	return g.setupWriter()
}

func (g *GELF) setupWriter() error {
	addr := fmt.Sprintf("%s:%d", g.host, g.port)
	var w gelf.Writer
	var err error

	switch g.mode {
	case "udp":
		w, err = gelf.NewUDPWriter(addr)
	case "tcp":
		w, err = gelf.NewTCPWriter(addr)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s writer: %w", g.mode, err)
	}

	g.writer = w
	return nil
}

// syslogLevel maps a normalized entry level to its syslog severity.
func syslogLevel(level string) int32 {
	switch level {
	case "trace", "debug":
		return gelf.LOG_DEBUG
	case "warn":
		return gelf.LOG_WARNING
	case "error":
		return gelf.LOG_ERR
	case "fatal":
		return gelf.LOG_CRIT
	default:
		return gelf.LOG_INFO
	}
}

func (g *GELF) toMessage(entry internal.Entry) *gelf.Message {
	short, _, _ := strings.Cut(entry.Message, "\n")

	extra := map[string]any{
		"_server": entry.Metadata.ServerID,
		"_source": entry.Metadata.Source,
		"_line":   entry.Metadata.LineNum,
		"_tag":    entry.Metadata.Tag,
	}
	for key, value := range entry.Fields {
		// "id" is reserved by the GELF spec
		if key == "id" {
			continue
		}
		extra["_"+key] = value
	}

	msg := &gelf.Message{
		Version:  "1.1",
		Host:     g.hostKey,
		Short:    short,
		TimeUnix: float64(entry.Timestamp.UnixNano()) / 1e9,
		Level:    syslogLevel(entry.Level),
		Extra:    extra,
	}
	if entry.Metadata.LineCount > 1 || short != entry.Message {
		msg.Full = entry.RawData
	}
	return msg
}

func (g *GELF) Write(entries []internal.Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, entry := range entries {
		if !util.TagMatch(entry.Metadata.Tag, g.match) {
			continue
		}
		g.buffer = append(g.buffer, g.toMessage(entry))

		if len(g.buffer) >= flushThreshold {
			if err := g.flushLocked(); err != nil {
				logrus.WithError(err).WithField("output", g.name).Error("could not flush gelf output")
			}
		}
	}
	return nil
}

func (g *GELF) Flush() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flushLocked()
}

// flushLocked sends buffered messages in order. On failure the unsent
// messages stay buffered for the next flush.
func (g *GELF) flushLocked() error {
	for i, msg := range g.buffer {
		if err := g.writer.WriteMessage(msg); err != nil {
			g.buffer = append(g.buffer[:0], g.buffer[i:]...)
			return err
		}
	}
	g.buffer = g.buffer[:0]
	return nil
}

func (g *GELF) Exit() error {
	if err := g.Flush(); err != nil {
		logrus.WithError(err).WithField("output", g.name).Warn("dropping unsent gelf messages")
	}
	if g.writer != nil {
		return g.writer.Close()
	}
	return nil
}
