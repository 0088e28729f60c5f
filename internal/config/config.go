// Package config loads the YAML-backed configuration shared by the
// raito-api and raito-worker processes.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifeMins int    `yaml:"connMaxLifeMinutes"`
}

// WorkerConfig controls the C7 main loop: polling cadence, heartbeat
// cadence, expiry-scan cadence, and the idle-browser and wall-clock
// bounds spec.md §4.6/§5 mandate. DefaultLockTimeoutSecs is decoded and
// defaulted but not passed to the queue; queue.Enqueue applies its own
// 3600-second default.
type WorkerConfig struct {
	PollIntervalSeconds      int `yaml:"pollIntervalSeconds"`
	DefaultLockTimeoutSecs   int `yaml:"defaultLockTimeoutSeconds"`
	HeartbeatIntervalSeconds int `yaml:"heartbeatIntervalSeconds"`
	IdleBrowserTimeoutMins   int `yaml:"idleBrowserTimeoutMinutes"`
	MaxScrapeWallClockMins   int `yaml:"maxScrapeWallClockMinutes"`
	ExpiryScanIntervalMins   int `yaml:"expiryScanIntervalMinutes"`
}

// CrawlerConfig controls C6 settings the worker passes to every crawl:
// page cap, politeness jitter, request rate, robots.txt, and the per-page
// link cap. DefaultDepth is decoded and defaulted but no process reads
// it; every crawl uses its Source's own crawl_depth.
type CrawlerConfig struct {
	DefaultDepth     int     `yaml:"defaultDepth"`
	PageCap          int     `yaml:"pageCap"`
	PolitenessMinMs  int     `yaml:"politenessMinMs"`
	PolitenessMaxMs  int     `yaml:"politenessMaxMs"`
	RequestsPerSec   float64 `yaml:"requestsPerSecond"`
	RespectRobotsTxt bool    `yaml:"respectRobotsTxt"`
	MaxLinksPerPage  int     `yaml:"maxLinksPerPage"`
}

// DomainConfig controls the C4 Domain Coordinator's busy-wait polling.
type DomainConfig struct {
	WaitPollIntervalSeconds int `yaml:"waitPollIntervalSeconds"`
}

// BootstrapConfig controls the C8 periodic scan for never-scraped
// active sources.
type BootstrapConfig struct {
	ScanIntervalMinutes int `yaml:"scanIntervalMinutes"`
}

// RetentionConfig controls terminal-job cleanup (spec.md §3, §9 open
// question: centralized in queue.CleanupCompleted).
type RetentionConfig struct {
	CleanupIntervalMinutes int `yaml:"cleanupIntervalMinutes"`
	TerminalJobTTLDays     int `yaml:"terminalJobTTLDays"`
}

// BrowserConfig controls the C5 Browser Session's navigation timeout and
// persistent user-data root. Headless is decoded but not read; the
// Browser Session always launches headless.
type BrowserConfig struct {
	DataDir        string `yaml:"dataDir"`
	NavTimeoutSecs int    `yaml:"navTimeoutSeconds"`
	Headless       bool   `yaml:"headless"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Worker    WorkerConfig    `yaml:"worker"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Domain    DomainConfig    `yaml:"domain"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Retention RetentionConfig `yaml:"retention"`
	Browser   BrowserConfig   `yaml:"browser"`
}

// Load reads and decodes a YAML config file, exiting the process on any
// failure — config is only read at startup, so there is no recovery path
// a caller could usefully take.
func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}
	cfg.applyDefaults()

	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Worker.PollIntervalSeconds <= 0 {
		cfg.Worker.PollIntervalSeconds = 5
	}
	if cfg.Worker.DefaultLockTimeoutSecs <= 0 {
		cfg.Worker.DefaultLockTimeoutSecs = 3600
	}
	if cfg.Worker.HeartbeatIntervalSeconds <= 0 {
		cfg.Worker.HeartbeatIntervalSeconds = 30
	}
	if cfg.Worker.IdleBrowserTimeoutMins <= 0 {
		cfg.Worker.IdleBrowserTimeoutMins = 5
	}
	if cfg.Worker.MaxScrapeWallClockMins <= 0 {
		cfg.Worker.MaxScrapeWallClockMins = 60
	}
	if cfg.Worker.ExpiryScanIntervalMins <= 0 {
		cfg.Worker.ExpiryScanIntervalMins = 5
	}
	if cfg.Crawler.DefaultDepth <= 0 {
		cfg.Crawler.DefaultDepth = 2
	}
	if cfg.Crawler.PageCap <= 0 {
		cfg.Crawler.PageCap = 1000
	}
	if cfg.Crawler.PolitenessMinMs <= 0 {
		cfg.Crawler.PolitenessMinMs = 500
	}
	if cfg.Crawler.PolitenessMaxMs <= 0 {
		cfg.Crawler.PolitenessMaxMs = 1500
	}
	if cfg.Crawler.MaxLinksPerPage <= 0 {
		cfg.Crawler.MaxLinksPerPage = 500
	}
	if cfg.Domain.WaitPollIntervalSeconds <= 0 {
		cfg.Domain.WaitPollIntervalSeconds = 1
	}
	if cfg.Bootstrap.ScanIntervalMinutes <= 0 {
		cfg.Bootstrap.ScanIntervalMinutes = 30
	}
	if cfg.Retention.CleanupIntervalMinutes <= 0 {
		cfg.Retention.CleanupIntervalMinutes = 60
	}
	if cfg.Retention.TerminalJobTTLDays <= 0 {
		cfg.Retention.TerminalJobTTLDays = 7
	}
	if cfg.Browser.DataDir == "" {
		cfg.Browser.DataDir = "./data/browser"
	}
	if cfg.Browser.NavTimeoutSecs <= 0 {
		cfg.Browser.NavTimeoutSecs = 30
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifeMins <= 0 {
		cfg.Database.ConnMaxLifeMins = 30
	}
}

// ConnMaxLifetime returns Database.ConnMaxLifeMins as a time.Duration.
func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifeMins) * time.Minute
}

// Validate performs startup sanity checks so misconfiguration fails fast
// rather than during the first request or lease attempt.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn must be set")
	}
	if cfg.Crawler.PolitenessMinMs > cfg.Crawler.PolitenessMaxMs {
		return fmt.Errorf("crawler.politenessMinMs (%d) must be <= crawler.politenessMaxMs (%d)",
			cfg.Crawler.PolitenessMinMs, cfg.Crawler.PolitenessMaxMs)
	}
	if cfg.Crawler.PageCap <= 0 {
		return errors.New("crawler.pageCap must be positive")
	}
	if cfg.Browser.DataDir == "" {
		return errors.New("browser.dataDir must be set")
	}
	return nil
}
