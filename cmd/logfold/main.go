package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/logfold/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("Logfold - Log Deduplication Pipeline\n")
		fmt.Printf("  Version: %s\n", version)
		fmt.Printf("  Commit:  %s\n", commit)
		fmt.Printf("  Built:   %s\n", buildTime)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	defaultDBPath := filepath.Join(home, ".local", "share", "logfold", "logfold.duckdb")

	v := viper.New()
	v.SetEnvPrefix("LOGFOLD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("db-path", defaultDBPath)
	v.SetDefault("rule-path", "")
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("flush-interval", defaultFlushInterval)
	v.SetDefault("flush-max-patterns", defaultFlushMaxSize)
	v.SetDefault("flush-on-error", true)
	v.SetDefault("sample-cap", defaultSampleCap)
	v.SetDefault("scan-interval", defaultScanInterval)
	v.SetDefault("scan-batch-size", defaultScanBatchSize)
	v.SetDefault("poll-interval", defaultPollInterval)
	v.SetDefault("worker-count", defaultWorkerCount)
	v.SetDefault("embed-url", "http://127.0.0.1:8001/embed")
	v.SetDefault("embed-timeout", defaultEmbedTimeout)
	v.SetDefault("analyze-url", "http://127.0.0.1:8002/analyze/pre-storage")
	v.SetDefault("analyze-timeout", defaultAnalyzeTimeout)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "logfold", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.WorkerCount <= 0 {
		return cfg, fmt.Errorf("invalid worker-count: %d", cfg.WorkerCount)
	}
	if cfg.ScanBatchSize <= 0 {
		return cfg, fmt.Errorf("invalid scan-batch-size: %d", cfg.ScanBatchSize)
	}

	// Expand ~ in db-path
	if strings.HasPrefix(cfg.DBPath, "~/") {
		cfg.DBPath = filepath.Join(home, cfg.DBPath[2:])
	}

	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}
