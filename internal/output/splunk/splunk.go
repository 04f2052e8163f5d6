package outputsplunk

import (
	"bytes"
	"compress/gzip"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MuchTitan/go-log-tailer/internal"
	"github.com/MuchTitan/go-log-tailer/internal/util"
	"github.com/sirupsen/logrus"
)

const flushBytes = 64 * 1024

// Splunk posts entries to a HTTP Event Collector.
type Splunk struct {
	name       string
	token      string
	match      string
	url        string
	sourceType string
	index      string
	compress   bool
	sendRaw    bool
	httpClient *http.Client

	mu     sync.Mutex
	buffer bytes.Buffer
}

type splunkEvent struct {
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
	Index      string         `json:"index,omitempty"`
	Source     string         `json:"source"`
	Sourcetype string         `json:"sourcetype"`
	Host       string         `json:"host,omitempty"`
	Time       float64        `json:"time"`
}

func (s *Splunk) Name() string {
	return s.name
}

func (s *Splunk) MatchTag(inputTag string) bool {
	return util.TagMatch(inputTag, s.match)
}

func (s *Splunk) Init(config map[string]any) error {
	s.token = util.MustString(config["Token"])
	if s.token == "" {
		return errors.New("splunk token is required")
	}

	s.name = util.MustString(config["Name"])
	if s.name == "" {
		s.name = "splunk"
	}

	s.match = util.MustString(config["Match"])
	if s.match == "" {
		s.match = "*"
	}

	s.index = util.MustString(config["EventIndex"])

	s.sourceType = util.MustString(config["EventSourcetype"])
	if s.sourceType == "" {
		s.sourceType = "_json"
	}

	// URL wins over Host and Port
	s.url = strings.TrimSuffix(util.MustString(config["URL"]), "/")
	if s.url == "" {
		host := util.MustString(config["Host"])
		if host == "" {
			host = "localhost"
		}
		port := 8088
		if rawPort, exists := config["Port"]; exists {
			var ok bool
			if port, ok = rawPort.(int); !ok {
				return errors.New("cant convert port to int")
			}
		}
		s.url = fmt.Sprintf("https://%s:%d", host, port)
	}

	s.compress = config["Compress"] == true
	s.sendRaw = config["SendRaw"] == true
	verifyTLS := config["VerifyTLS"] == true

	s.httpClient = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: !verifyTLS,
			},
		},
		Timeout: 30 * time.Second,
	}

	return nil
}

func (s *Splunk) newSplunkEvent(entry internal.Entry) splunkEvent {
	event := splunkEvent{
		Index:      s.index,
		Source:     entry.Metadata.Source,
		Sourcetype: s.sourceType,
		Host:       entry.Metadata.Host,
		Time:       float64(entry.Timestamp.UnixMilli()) / 1000,
		Fields: map[string]any{
			"server": entry.Metadata.ServerID,
			"tag":    entry.Metadata.Tag,
			"line":   entry.Metadata.LineNum,
		},
	}

	if s.sendRaw {
		event.Event = entry.RawData
		return event
	}

	event.Event = util.MergeMaps(map[string]any{
		"level":   entry.Level,
		"message": entry.Message,
	}, entry.Fields)
	return event
}

func (s *Splunk) Write(entries []internal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoder := json.NewEncoder(&s.buffer)
	for _, entry := range entries {
		if !s.MatchTag(entry.Metadata.Tag) {
			continue
		}
		if err := encoder.Encode(s.newSplunkEvent(entry)); err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
	}

	if s.buffer.Len() >= flushBytes {
		return s.flushLocked()
	}
	return nil
}

func (s *Splunk) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked posts the buffered events. The buffer is dropped even when the
// request fails.
func (s *Splunk) flushLocked() error {
	if s.buffer.Len() == 0 {
		return nil
	}
	defer s.buffer.Reset()

	var body io.Reader = bytes.NewReader(s.buffer.Bytes())
	if s.compress {
		var compressed bytes.Buffer
		gz := gzip.NewWriter(&compressed)
		if _, err := gz.Write(s.buffer.Bytes()); err != nil {
			return fmt.Errorf("error during gzip compress: %w", err)
		}
		if err := gz.Close(); err != nil {
			return err
		}
		body = &compressed
	}

	req, err := http.NewRequest(http.MethodPost, s.url+"/services/collector/event", body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")
	if s.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	res, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		logrus.WithFields(logrus.Fields{
			"output": s.name,
			"status": res.Status,
			"body":   string(respBody),
		}).Debug("splunk rejected events")
		return fmt.Errorf("splunk returned status: %s", res.Status)
	}

	return nil
}

func (s *Splunk) Exit() error {
	return nil
}
