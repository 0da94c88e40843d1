package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"

	"github.com/tinytelemetry/errtally/internal/enrich"
	"github.com/tinytelemetry/errtally/internal/model"
	"github.com/tinytelemetry/errtally/internal/otlpreceiver"
	"github.com/tinytelemetry/errtally/internal/retry"
	"github.com/tinytelemetry/errtally/internal/sheets"
	"github.com/tinytelemetry/errtally/internal/tui"
)

const (
	storeDuckDB = "duckdb"
	storeSheets = "sheets"

	defaultBindHost            = "127.0.0.1"
	defaultAPIPort             = 3000
	defaultTCPPort             = 4000
	defaultQueryTimeout        = 30 * time.Second
	defaultRunInterval         = 10 * time.Minute
	defaultInsertBatchSize     = 500
	defaultInsertFlushInterval = 250 * time.Millisecond
	defaultInsertFlushQueue    = 64
	defaultMuxBufferSize       = DefaultMuxBuffer
	defaultRetentionDays       = 30
	defaultInboxRetentionDays  = 30
	defaultSnapshotKeep        = 24
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	DBPath       string        `mapstructure:"db-path"`
	QueryTimeout time.Duration `mapstructure:"query-timeout"`

	RawStore              string `mapstructure:"raw-store"`
	GroupStore            string `mapstructure:"group-store"`
	ReportStore           string `mapstructure:"report-store"`
	SheetsSpreadsheetID   string `mapstructure:"sheets-spreadsheet-id"`
	SheetsCredentialsFile string `mapstructure:"sheets-credentials-file"`
	SheetsGroupsTitle     string `mapstructure:"sheets-groups-title"`
	SheetsRawTitle        string `mapstructure:"sheets-raw-title"`
	SheetsReportTitle     string `mapstructure:"sheets-report-title"`

	AppRoot            string        `mapstructure:"app-root"`
	RulesPath          string        `mapstructure:"rules-path"`
	RetentionDays      int           `mapstructure:"retention-days"`
	InboxRetentionDays int           `mapstructure:"inbox-retention-days"`
	FetchLimit         int           `mapstructure:"fetch-limit"`
	RunInterval        time.Duration `mapstructure:"run-interval"`
	EnrichInterval     time.Duration `mapstructure:"enrich-interval"`

	RetryAttempts  int           `mapstructure:"retry-attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry-base-delay"`
	RetryFactor    float64       `mapstructure:"retry-factor"`
	RetryJitter    time.Duration `mapstructure:"retry-jitter"`

	SnapshotDir  string `mapstructure:"snapshot-dir"`
	SnapshotKeep int    `mapstructure:"snapshot-keep"`

	Host                string        `mapstructure:"host"`
	APIEnabled          bool          `mapstructure:"api-enabled"`
	APIPort             int           `mapstructure:"api-port"`
	APIAddr             string        `mapstructure:"api-addr"`
	APIURL              string        `mapstructure:"api-url"`
	TCPEnabled          bool          `mapstructure:"tcp-enabled"`
	TCPPort             int           `mapstructure:"tcp-port"`
	TCPAddr             string        `mapstructure:"tcp-addr"`
	OTLPEnabled         bool          `mapstructure:"otlp-enabled"`
	OTLPAddr            string        `mapstructure:"otlp-addr"`
	OTLPMinSeverity     string        `mapstructure:"otlp-min-severity"`
	StdinParagraphs     bool          `mapstructure:"stdin-paragraphs"`
	MuxBufferSize       int           `mapstructure:"mux-buffer-size"`
	InsertBatchSize     int           `mapstructure:"insert-batch-size"`
	InsertFlushInterval time.Duration `mapstructure:"insert-flush-interval"`
	InsertFlushQueue    int           `mapstructure:"insert-flush-queue-size"`

	BitbucketURL         string  `mapstructure:"bitbucket-url"`
	BitbucketRepo        string  `mapstructure:"bitbucket-repo"`
	BitbucketBranch      string  `mapstructure:"bitbucket-branch"`
	BitbucketUsername    string  `mapstructure:"bitbucket-username"`
	BitbucketAppPassword string  `mapstructure:"bitbucket-app-password"`
	BitbucketContext     int     `mapstructure:"bitbucket-context-lines"`
	BitbucketConcurrency int     `mapstructure:"bitbucket-concurrency"`
	BitbucketRPS         float64 `mapstructure:"bitbucket-requests-per-second"`
	SourcePrefix         string  `mapstructure:"source-prefix"`

	OpenAIAPIKey            string  `mapstructure:"openai-api-key"`
	OpenAIBaseURL           string  `mapstructure:"openai-base-url"`
	OpenAIModel             string  `mapstructure:"openai-model"`
	OpenAITemperature       float64 `mapstructure:"openai-temperature"`
	OpenAIMaxTokens         int     `mapstructure:"openai-max-tokens"`
	OpenAIRequestsPerMinute int     `mapstructure:"openai-requests-per-minute"`

	TelegramURL    string `mapstructure:"telegram-url"`
	TelegramToken  string `mapstructure:"telegram-token"`
	TelegramChatID string `mapstructure:"telegram-chat-id"`
	DigestLink     string `mapstructure:"digest-link"`

	TUIRefreshInterval time.Duration `mapstructure:"tui-refresh-interval"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	defaultDBPath := filepath.Join(home, ".local", "share", "errtally", "errtally.duckdb")
	policy := retry.DefaultPolicy()

	v := viper.New()
	v.SetEnvPrefix("ERRTALLY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("db-path", defaultDBPath)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("raw-store", storeDuckDB)
	v.SetDefault("group-store", storeDuckDB)
	v.SetDefault("report-store", storeDuckDB)
	v.SetDefault("sheets-spreadsheet-id", "")
	v.SetDefault("sheets-credentials-file", "")
	v.SetDefault("sheets-groups-title", sheets.DefaultGroupsTitle)
	v.SetDefault("sheets-raw-title", sheets.DefaultRawTitle)
	v.SetDefault("sheets-report-title", sheets.DefaultReportTitle)
	v.SetDefault("app-root", model.DefaultAppRoot)
	v.SetDefault("rules-path", filepath.Join(home, ".config", "errtally", "rules.yml"))
	v.SetDefault("retention-days", defaultRetentionDays)
	v.SetDefault("inbox-retention-days", defaultInboxRetentionDays)
	v.SetDefault("fetch-limit", model.DefaultFetchLimit)
	v.SetDefault("run-interval", defaultRunInterval)
	v.SetDefault("enrich-interval", 0)
	v.SetDefault("retry-attempts", policy.Attempts)
	v.SetDefault("retry-base-delay", policy.BaseDelay)
	v.SetDefault("retry-factor", policy.Factor)
	v.SetDefault("retry-jitter", policy.Jitter)
	v.SetDefault("snapshot-dir", "")
	v.SetDefault("snapshot-keep", defaultSnapshotKeep)
	v.SetDefault("host", defaultBindHost)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("api-url", "")
	v.SetDefault("tcp-enabled", true)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("otlp-enabled", false)
	v.SetDefault("otlp-addr", otlpreceiver.DefaultAddr)
	v.SetDefault("otlp-min-severity", "error")
	v.SetDefault("stdin-paragraphs", false)
	v.SetDefault("mux-buffer-size", defaultMuxBufferSize)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("insert-flush-queue-size", defaultInsertFlushQueue)
	v.SetDefault("bitbucket-url", enrich.DefaultBitbucketURL)
	v.SetDefault("bitbucket-repo", "")
	v.SetDefault("bitbucket-branch", enrich.DefaultBranch)
	v.SetDefault("bitbucket-username", "")
	v.SetDefault("bitbucket-app-password", "")
	v.SetDefault("bitbucket-context-lines", enrich.DefaultSnippetLines)
	v.SetDefault("bitbucket-concurrency", 4)
	v.SetDefault("bitbucket-requests-per-second", 5.0)
	v.SetDefault("source-prefix", "app/")
	v.SetDefault("openai-api-key", "")
	v.SetDefault("openai-base-url", "")
	v.SetDefault("openai-model", enrich.DefaultExplainModel)
	v.SetDefault("openai-temperature", enrich.DefaultExplainTemperature)
	v.SetDefault("openai-max-tokens", 0)
	v.SetDefault("openai-requests-per-minute", 20)
	v.SetDefault("telegram-url", enrich.DefaultTelegramURL)
	v.SetDefault("telegram-token", "")
	v.SetDefault("telegram-chat-id", "")
	v.SetDefault("digest-link", "")
	v.SetDefault("tui-refresh-interval", tui.DefaultRefreshInterval)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		defaultConfigPath := filepath.Join(home, ".config", "errtally", "config.yml")
		v.SetConfigFile(defaultConfigPath)
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

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	// Expand ~ in paths
	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.RulesPath = expandHome(home, cfg.RulesPath)
	cfg.SnapshotDir = expandHome(home, cfg.SnapshotDir)
	cfg.SheetsCredentialsFile = expandHome(home, cfg.SheetsCredentialsFile)

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}
	if cfg.APIURL == "" {
		host := cfg.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = defaultBindHost
		}
		cfg.APIURL = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

func (cfg appConfig) validate() error {
	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp-port: %d", cfg.TCPPort)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	for key, kind := range map[string]string{"raw-store": cfg.RawStore, "group-store": cfg.GroupStore, "report-store": cfg.ReportStore} {
		if kind != storeDuckDB && kind != storeSheets {
			return fmt.Errorf("invalid %s: %q (want %s or %s)", key, kind, storeDuckDB, storeSheets)
		}
	}
	if cfg.usesSheets() && cfg.SheetsSpreadsheetID == "" {
		return fmt.Errorf("sheets-spreadsheet-id is required when a sheets store is selected")
	}
	if cfg.RetentionDays <= 0 {
		return fmt.Errorf("invalid retention-days: %d", cfg.RetentionDays)
	}
	if cfg.FetchLimit <= 0 {
		return fmt.Errorf("invalid fetch-limit: %d", cfg.FetchLimit)
	}
	if cfg.RunInterval <= 0 {
		return fmt.Errorf("invalid run-interval: %s", cfg.RunInterval)
	}
	if cfg.EnrichInterval < 0 {
		return fmt.Errorf("invalid enrich-interval: %s", cfg.EnrichInterval)
	}
	if _, err := cfg.otlpMinSeverity(); err != nil {
		return err
	}
	if err := cfg.retryPolicy().Validate(); err != nil {
		return fmt.Errorf("invalid retry settings: %w", err)
	}
	return nil
}

func (cfg appConfig) usesSheets() bool {
	return cfg.RawStore == storeSheets || cfg.GroupStore == storeSheets || cfg.ReportStore == storeSheets
}

func (cfg appConfig) retryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:  cfg.RetryAttempts,
		BaseDelay: cfg.RetryBaseDelay,
		Factor:    cfg.RetryFactor,
		Jitter:    cfg.RetryJitter,
	}
}

// otlpMinSeverity maps names such as "warn" or "error" to OTLP severity
// numbers.
func (cfg appConfig) otlpMinSeverity() (logspb.SeverityNumber, error) {
	name := strings.ToUpper(strings.TrimSpace(cfg.OTLPMinSeverity))
	switch name {
	case "":
		return logspb.SeverityNumber_SEVERITY_NUMBER_ERROR, nil
	case "WARNING":
		name = "WARN"
	case "CRITICAL":
		name = "FATAL"
	}
	n, ok := logspb.SeverityNumber_value["SEVERITY_NUMBER_"+name]
	if !ok {
		return 0, fmt.Errorf("invalid otlp-min-severity: %q", cfg.OTLPMinSeverity)
	}
	return logspb.SeverityNumber(n), nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
