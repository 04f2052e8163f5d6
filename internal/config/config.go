package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MuchTitan/go-log-tailer/internal/engine"
	"github.com/MuchTitan/go-log-tailer/internal/filter"
	"github.com/MuchTitan/go-log-tailer/internal/metrics"
	"github.com/MuchTitan/go-log-tailer/internal/output"
	outputcounter "github.com/MuchTitan/go-log-tailer/internal/output/counter"
	outputgelf "github.com/MuchTitan/go-log-tailer/internal/output/gelf"
	outputsplunk "github.com/MuchTitan/go-log-tailer/internal/output/splunk"
	outputstdout "github.com/MuchTitan/go-log-tailer/internal/output/stdout"
	"github.com/MuchTitan/go-log-tailer/internal/processor"
	"github.com/MuchTitan/go-log-tailer/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"gopkg.in/yaml.v3"
)

const defaultCleanUpThreshold = 3

// Config represents the complete configuration
type Config struct {
	System  SystemConfig     `yaml:"System"`
	Sources []SourceConfig   `yaml:"Sources"`
	Filters []map[string]any `yaml:"Filters"`
	Outputs []map[string]any `yaml:"Outputs"`
}

// SystemConfig holds system-wide configuration
type SystemConfig struct {
	LogLevel    string `yaml:"logLevel"`
	LogFile     string `yaml:"logFile"`
	DBFile      string `yaml:"dbFile"`
	MetricsAddr string `yaml:"metricsAddr"`
	// CleanUpThreshold is the age in days after which inactive file states
	// are removed. Negative disables the cleanup.
	CleanUpThreshold *int `yaml:"cleanUpThreshold"`
	// PruneRemovedSources forgets the read positions of sources that were
	// removed from the configuration.
	PruneRemovedSources bool `yaml:"pruneRemovedSources"`
}

// SourceConfig describes one tailed file.
type SourceConfig struct {
	ServerID     string         `yaml:"ServerID"`
	Path         string         `yaml:"Path"`
	Tag          string         `yaml:"Tag"`
	Fields       map[string]any `yaml:"Fields"`
	PollInterval time.Duration  `yaml:"PollInterval"`
	DrainTimeout time.Duration  `yaml:"DrainTimeout"`
	BufferSize   int            `yaml:"BufferSize"`
	Notify       bool           `yaml:"Notify"`
	Processor    map[string]any `yaml:"Processor"`
}

func (c *SystemConfig) GetLogLevel() logrus.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "TRACE":
		return logrus.TraceLevel
	case "DEBUG":
		return logrus.DebugLevel
	case "WARNING", "WARN":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func (c *SystemConfig) GetCleanUpThreshold() int {
	if c.CleanUpThreshold == nil {
		return defaultCleanUpThreshold
	}
	if *c.CleanUpThreshold < 0 {
		return 0
	}
	return *c.CleanUpThreshold
}

// Load reads the YAML file at path, expanding ${VAR} references from the
// environment first.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Sources) == 0 {
		return errors.New("no Sources configured")
	}
	for i, src := range c.Sources {
		if src.Path == "" {
			return fmt.Errorf("source %d has no Path", i)
		}
		if src.PollInterval < 0 || src.DrainTimeout < 0 || src.BufferSize < 0 {
			return fmt.Errorf("source %s: PollInterval, DrainTimeout and BufferSize must not be negative", src.Path)
		}
	}
	for _, plugins := range [][]map[string]any{c.Filters, c.Outputs} {
		for _, plugin := range plugins {
			if _, ok := plugin["Type"].(string); !ok {
				return fmt.Errorf("plugin without Type: %v", plugin)
			}
		}
	}
	return nil
}

// PluginEngine wraps the engine with everything built from configuration.
type PluginEngine struct {
	*engine.Engine
	config  Config
	logFile *os.File
	metrics *http.Server
}

// NewPluginEngine creates a new engine with configuration
func NewPluginEngine(configPath string) (*PluginEngine, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	return newPluginEngine(cfg)
}

func newPluginEngine(cfg Config) (*PluginEngine, error) {
	pe := &PluginEngine{config: cfg}

	if err := pe.setupLogging(); err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}

	var repository state.Repository
	if cfg.System.DBFile != "" {
		sqliteRepo, err := state.NewSQLiteRepository(cfg.System.DBFile)
		if err != nil {
			return nil, err
		}
		repository = sqliteRepo
	} else {
		logrus.Warn("no dbFile configured, read positions will not survive a restart")
	}
	pe.Engine = engine.NewEngine(repository, cfg.System.GetCleanUpThreshold())
	pe.Engine.PruneRemovedSources = cfg.System.PruneRemovedSources

	if err := pe.initializePlugins(); err != nil {
		if repository != nil {
			repository.Close()
		}
		return nil, err
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if cfg.System.MetricsAddr != "" {
		pe.metrics = metrics.NewServer(cfg.System.MetricsAddr, prometheus.DefaultGatherer)
	}

	return pe, nil
}

func (e *PluginEngine) setupLogging() error {
	writers := []io.Writer{os.Stderr}

	if e.config.System.LogFile != "" {
		file, err := os.OpenFile(e.config.System.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		e.logFile = file
		writers = append(writers, file)
	}

	logrus.SetLevel(e.config.System.GetLogLevel())
	logrus.SetOutput(io.MultiWriter(writers...))
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	return nil
}

func (e *PluginEngine) initializePlugins() error {
	for _, sourceConfig := range e.config.Sources {
		if err := e.initializeSource(sourceConfig); err != nil {
			return fmt.Errorf("failed to initialize source %s: %w", sourceConfig.Path, err)
		}
	}

	for _, filterConfig := range e.config.Filters {
		if err := e.initializeFilter(filterConfig); err != nil {
			return fmt.Errorf("failed to initialize filter: %w", err)
		}
	}

	for _, outputConfig := range e.config.Outputs {
		if err := e.initializeOutput(outputConfig); err != nil {
			return fmt.Errorf("failed to initialize output: %w", err)
		}
	}

	return nil
}

func (e *PluginEngine) initializeSource(config SourceConfig) error {
	proc, err := processor.New(config.Processor)
	if err != nil {
		return err
	}

	return e.RegisterSource(engine.Source{
		ServerID:     config.ServerID,
		Path:         config.Path,
		Tag:          config.Tag,
		Fields:       config.Fields,
		PollInterval: config.PollInterval,
		DrainTimeout: config.DrainTimeout,
		BufferSize:   config.BufferSize,
		Notify:       config.Notify,
		Processor:    proc,
	})
}

func (e *PluginEngine) initializeFilter(config map[string]any) error {
	var filterObject filter.Plugin

	switch strings.ToLower(config["Type"].(string)) {
	case "grep":
		filterObject = &filter.Grep{}
	default:
		return fmt.Errorf("unknown filter type: %s", config["Type"])
	}

	if err := filterObject.Init(config); err != nil {
		return err
	}

	e.RegisterFilter(filterObject)
	return nil
}

func (e *PluginEngine) initializeOutput(config map[string]any) error {
	var outputObject output.Plugin

	switch strings.ToLower(config["Type"].(string)) {
	case "stdout":
		outputObject = &outputstdout.Stdout{}
	case "counter":
		outputObject = &outputcounter.Counter{}
	case "gelf":
		outputObject = &outputgelf.GELF{}
	case "splunk":
		outputObject = &outputsplunk.Splunk{}
	default:
		return fmt.Errorf("unknown output type: %s", config["Type"])
	}

	if err := outputObject.Init(config); err != nil {
		return err
	}

	e.RegisterOutput(outputObject)
	return nil
}

// Start starts the engine and, if configured, the metrics endpoint.
func (e *PluginEngine) Start() error {
	if err := e.Engine.Start(); err != nil {
		return err
	}

	if e.metrics != nil {
		go func() {
			logrus.WithField("addr", e.metrics.Addr).Info("Serving metrics")
			if err := e.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Error("metrics server failed")
			}
		}()
	}
	return nil
}

func (e *PluginEngine) Stop() error {
	err := e.Engine.Stop()

	if e.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if shutdownErr := e.metrics.Shutdown(ctx); shutdownErr != nil {
			logrus.WithError(shutdownErr).Warn("could not shut down metrics server")
		}
		cancel()
	}
	if e.logFile != nil {
		logrus.SetOutput(os.Stderr)
		e.logFile.Close()
	}
	return err
}
