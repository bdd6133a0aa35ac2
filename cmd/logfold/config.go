package main

import (
	"time"

	"github.com/logfold/logfold/internal/model"
)

const (
	defaultBindHost       = "0.0.0.0"
	defaultAPIPort        = 8080
	defaultQueryTimeout   = 30 * time.Second
	defaultFlushInterval  = model.DefaultFlushInterval
	defaultFlushMaxSize   = model.DefaultFlushMaxPatterns
	defaultSampleCap      = model.DefaultSampleCap
	defaultScanInterval   = model.DefaultDetectorInterval
	defaultScanBatchSize  = model.DefaultDetectorBatchSize
	defaultPollInterval   = model.DefaultPollInterval
	defaultWorkerCount    = model.DefaultWorkerCount
	defaultEmbedTimeout   = 15 * time.Second
	defaultAnalyzeTimeout = 10 * time.Second
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	APIPort  int    `mapstructure:"api-port"`
	APIAddr  string `mapstructure:"api-addr"`
	DBPath   string `mapstructure:"db-path"`
	RulePath string `mapstructure:"rule-path"` // optional normalization rule table

	QueryTimeout time.Duration `mapstructure:"query-timeout"`

	FlushInterval time.Duration `mapstructure:"flush-interval"`
	FlushMaxSize  int           `mapstructure:"flush-max-patterns"`
	FlushOnError  bool          `mapstructure:"flush-on-error"`
	SampleCap     int           `mapstructure:"sample-cap"`

	ScanInterval  time.Duration `mapstructure:"scan-interval"`
	ScanBatchSize int           `mapstructure:"scan-batch-size"`

	PollInterval time.Duration `mapstructure:"poll-interval"`
	WorkerCount  int           `mapstructure:"worker-count"`

	EmbedURL       string        `mapstructure:"embed-url"`
	EmbedTimeout   time.Duration `mapstructure:"embed-timeout"`
	AnalyzeURL     string        `mapstructure:"analyze-url"`
	AnalyzeTimeout time.Duration `mapstructure:"analyze-timeout"`

	ConfigPath string `mapstructure:"-"` // not from config file
}
