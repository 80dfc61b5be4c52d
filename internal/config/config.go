// Package config loads the Haze TOML configuration and environment secrets.
package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all Haze configuration.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Logging       LoggingConfig       `toml:"logging"`
	Observability ObservabilityConfig `toml:"observability"`
	Catalog       CatalogConfig       `toml:"catalog"`
	Quota         QuotaConfig         `toml:"quota"`
	Admission     AdmissionConfig     `toml:"admission"`
	Storage       StorageConfig       `toml:"storage"`
	Audit         AuditConfig         `toml:"audit"`
	Ingest        IngestConfig        `toml:"ingest"`
	Admin         AdminConfig         `toml:"admin"`
	Limits        LimitsConfig        `toml:"limits"`
}

type ServerConfig struct {
	ListenAddress           string `toml:"listen_address"`
	TLS                     bool   `toml:"tls"`
	CertFile                string `toml:"cert_file"`
	KeyFile                 string `toml:"key_file"`
	ManagementListenAddress string `toml:"management_listen_address"`
	ShutdownTimeoutSeconds  int    `toml:"shutdown_timeout_seconds"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool `toml:"metrics_enabled"`
}

type CatalogConfig struct {
	// Source is "file" or "http".
	Source                 string  `toml:"source"`
	Path                   string  `toml:"path"`
	URL                    string  `toml:"url"`
	RefreshIntervalSeconds int     `toml:"refresh_interval_seconds"`
	FetchTimeoutSeconds    int     `toml:"fetch_timeout_seconds"`
	WaitForRefresh         bool    `toml:"wait_for_refresh"`
	StrictIntervals        bool    `toml:"strict_intervals"`
	DefaultHumidity        float64 `toml:"default_humidity"`
	MaxRetries             int     `toml:"max_retries"`
	InitialBackoffMS       int     `toml:"initial_backoff_ms"`
	MaxBackoffMS           int     `toml:"max_backoff_ms"`
	BreakerFailures        uint32  `toml:"breaker_failures"`
	BreakerOpenSeconds     int     `toml:"breaker_open_seconds"`
}

type QuotaConfig struct {
	// Store is "badger" or "memory".
	Store               string `toml:"store"`
	BadgerDir           string `toml:"badger_dir"`
	CommitMaxRetries    int    `toml:"commit_max_retries"`
	ResetEnabled        bool   `toml:"reset_enabled"`
	ResetTimeoutSeconds int    `toml:"reset_timeout_seconds"`
}

type AdmissionConfig struct {
	// TrustedPeers are IPs, CIDRs or "localhost", matched against the TCP peer address.
	TrustedPeers    []string `toml:"trusted_peers"`
	LedgerTimeoutMS int      `toml:"ledger_timeout_ms"`
	CommitTimeoutMS int      `toml:"commit_timeout_ms"`
}

type StorageConfig struct {
	// Type is "duckdb" or "memory".
	Type                string `toml:"type"`
	DuckDBPath          string `toml:"duckdb_path"`
	Table               string `toml:"table"`
	QueryTimeoutSeconds int    `toml:"query_timeout_seconds"`
}

type AuditConfig struct {
	Enabled    bool             `toml:"enabled"`
	QueueSize  int              `toml:"queue_size"`
	Output     OutputConfig     `toml:"output"`
	Enrichment EnrichmentConfig `toml:"enrichment"`
}

type OutputConfig struct {
	Type                 string       `toml:"type"`
	ElasticsearchURL     string       `toml:"elasticsearch_url"`
	ElasticsearchIndex   string       `toml:"elasticsearch_index"`
	ElasticsearchUser    string       `toml:"elasticsearch_user"`
	ElasticsearchPass    string       `toml:"elasticsearch_pass"`
	BatchSize            int          `toml:"batch_size"`
	FlushIntervalSeconds int          `toml:"flush_interval_seconds"`
	TimeoutSeconds       int          `toml:"timeout_seconds"`
	Outbox               OutboxConfig `toml:"outbox"`
}

type OutboxConfig struct {
	Enabled           bool   `toml:"enabled"`
	Dir               string `toml:"dir"`
	MaxBytes          int64  `toml:"max_bytes"`
	MaxBatchSize      int    `toml:"max_batch_size"`
	RetryBackoffMS    int    `toml:"retry_backoff_ms"`
	RetryMaxBackoffMS int    `toml:"retry_max_backoff_ms"`
}

type EnrichmentConfig struct {
	GeoIPDBPath string    `toml:"geoip_db_path"`
	ASNDBPath   string    `toml:"asn_db_path"`
	DNS         DNSConfig `toml:"dns"`
}

type DNSConfig struct {
	Enabled  bool `toml:"enabled"`
	CacheTTL int  `toml:"cache_ttl_seconds"`
	MaxQPS   int  `toml:"max_qps"`
}

type IngestConfig struct {
	Enabled bool `toml:"enabled"`
	// TokenFile lines are "token,connector_id".
	TokenFile           string            `toml:"token_file"`
	Tokens              map[string]string `toml:"tokens"`
	StoreTimeoutSeconds int               `toml:"store_timeout_seconds"`
}

type AdminConfig struct {
	TokenFile string            `toml:"token_file"`
	Tokens    map[string]string `toml:"tokens"`
}

type LimitsConfig struct {
	MaxBodySizeBytes    int64   `toml:"max_body_size_bytes"`
	MaxReadingsPerBatch int     `toml:"max_readings_per_batch"`
	PerConnectorRPS     int     `toml:"per_connector_rps"`
	PerConnectorBurst   int     `toml:"per_connector_burst"`
	MaxRadiusMeters     float64 `toml:"max_radius_meters"`
}

// Load reads config from path (TOML) and applies environment overrides (secrets).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes a TOML document, then applies defaults, environment and validation.
func Parse(doc string) (*Config, error) {
	var c Config
	md, err := toml.Decode(doc, &c)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse config: unknown key %q", undecoded[0].String())
	}
	c.setDefaults(md)
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return &c, c.validate()
}

func (c *Config) setDefaults(md toml.MetaData) {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Catalog.Source == "" {
		c.Catalog.Source = "file"
	}
	if c.Catalog.RefreshIntervalSeconds == 0 {
		c.Catalog.RefreshIntervalSeconds = 300
	}
	if c.Catalog.FetchTimeoutSeconds == 0 {
		c.Catalog.FetchTimeoutSeconds = 30
	}
	if !md.IsDefined("catalog", "wait_for_refresh") {
		c.Catalog.WaitForRefresh = true
	}
	if c.Catalog.MaxRetries == 0 {
		c.Catalog.MaxRetries = 3
	}
	if c.Catalog.InitialBackoffMS == 0 {
		c.Catalog.InitialBackoffMS = 500
	}
	if c.Catalog.MaxBackoffMS == 0 {
		c.Catalog.MaxBackoffMS = 10000
	}
	if c.Catalog.BreakerFailures == 0 {
		c.Catalog.BreakerFailures = 5
	}
	if c.Catalog.BreakerOpenSeconds == 0 {
		c.Catalog.BreakerOpenSeconds = 60
	}

	if c.Quota.Store == "" {
		c.Quota.Store = "badger"
	}
	if c.Quota.BadgerDir == "" && c.Quota.Store == "badger" {
		c.Quota.BadgerDir = "data/quota"
	}
	if !md.IsDefined("quota", "reset_enabled") {
		c.Quota.ResetEnabled = true
	}

	if !md.IsDefined("admission", "trusted_peers") {
		c.Admission.TrustedPeers = []string{"localhost"}
	}
	if c.Admission.LedgerTimeoutMS == 0 {
		c.Admission.LedgerTimeoutMS = 2000
	}
	if c.Admission.CommitTimeoutMS == 0 {
		c.Admission.CommitTimeoutMS = 5000
	}

	if c.Storage.Type == "" {
		c.Storage.Type = "duckdb"
	}
	if c.Storage.DuckDBPath == "" && c.Storage.Type == "duckdb" {
		c.Storage.DuckDBPath = "data/haze.duckdb"
	}
	if c.Storage.Table == "" {
		c.Storage.Table = "readings"
	}
	if c.Storage.QueryTimeoutSeconds == 0 {
		c.Storage.QueryTimeoutSeconds = 30
	}

	if !md.IsDefined("audit", "enabled") {
		c.Audit.Enabled = true
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = 1024
	}
	if c.Audit.Output.Type == "" {
		c.Audit.Output.Type = "stdout"
	}

	if c.Limits.MaxBodySizeBytes == 0 {
		c.Limits.MaxBodySizeBytes = 2 * 1024 * 1024
	}
	if c.Limits.MaxReadingsPerBatch == 0 {
		c.Limits.MaxReadingsPerBatch = 5000
	}
	if c.Limits.PerConnectorRPS == 0 {
		c.Limits.PerConnectorRPS = 10
	}
	if c.Limits.MaxRadiusMeters == 0 {
		c.Limits.MaxRadiusMeters = 100000
	}

	if c.Ingest.Tokens == nil {
		c.Ingest.Tokens = make(map[string]string)
	}
	if c.Admin.Tokens == nil {
		c.Admin.Tokens = make(map[string]string)
	}
}

func (c *Config) applyEnv() error {
	// HAZE_CONNECTOR_<id>=<token> and HAZE_ADMIN_<name>=<token>
	for _, e := range os.Environ() {
		key, val, _ := strings.Cut(e, "=")
		if val == "" {
			continue
		}
		switch {
		case strings.HasPrefix(key, "HAZE_CONNECTOR_"):
			c.Ingest.Tokens[val] = envName(strings.TrimPrefix(key, "HAZE_CONNECTOR_"))
		case strings.HasPrefix(key, "HAZE_ADMIN_"):
			c.Admin.Tokens[val] = envName(strings.TrimPrefix(key, "HAZE_ADMIN_"))
		}
	}
	if err := readTokenFile(c.Ingest.TokenFile, c.Ingest.Tokens); err != nil {
		return fmt.Errorf("ingest token_file: %w", err)
	}
	if err := readTokenFile(c.Admin.TokenFile, c.Admin.Tokens); err != nil {
		return fmt.Errorf("admin token_file: %w", err)
	}
	if u := os.Getenv("HAZE_ELASTICSEARCH_USER"); u != "" {
		c.Audit.Output.ElasticsearchUser = u
	}
	if p := os.Getenv("HAZE_ELASTICSEARCH_PASS"); p != "" {
		c.Audit.Output.ElasticsearchPass = p
	}
	return nil
}

func envName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", "-"))
}

// readTokenFile adds "token,name" lines from path to dst.
func readTokenFile(path string, dst map[string]string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		token, name, ok := strings.Cut(line, ",")
		if !ok {
			continue
		}
		token, name = strings.TrimSpace(token), strings.TrimSpace(name)
		if token != "" && name != "" {
			dst[token] = name
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.TLS {
		if c.Server.CertFile == "" || c.Server.KeyFile == "" {
			return fmt.Errorf("server: tls enabled but cert_file or key_file missing")
		}
		if _, err := os.Stat(c.Server.CertFile); err != nil {
			return fmt.Errorf("server: cert_file %q not readable: %w", c.Server.CertFile, err)
		}
		if _, err := os.Stat(c.Server.KeyFile); err != nil {
			return fmt.Errorf("server: key_file %q not readable: %w", c.Server.KeyFile, err)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}

	switch c.Catalog.Source {
	case "file":
		if c.Catalog.Path == "" {
			return fmt.Errorf("catalog: path required when source=file")
		}
	case "http":
		if u, err := url.Parse(c.Catalog.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("catalog: url must be an http(s) URL when source=http")
		}
	default:
		return fmt.Errorf("catalog: unknown source %q", c.Catalog.Source)
	}
	if c.Catalog.DefaultHumidity < 0 || c.Catalog.DefaultHumidity > 100 {
		return fmt.Errorf("catalog: default_humidity must be within [0, 100]")
	}

	if c.Quota.Store != "badger" && c.Quota.Store != "memory" {
		return fmt.Errorf("quota: unknown store %q", c.Quota.Store)
	}
	if c.Storage.Type != "duckdb" && c.Storage.Type != "memory" {
		return fmt.Errorf("storage: unknown type %q", c.Storage.Type)
	}

	for _, p := range c.Admission.TrustedPeers {
		if !validPeer(p) {
			return fmt.Errorf("admission: trusted_peers entry %q is not an IP, CIDR or localhost", p)
		}
	}
	if c.Audit.Output.Outbox.Enabled && c.Audit.Output.Outbox.Dir == "" {
		return fmt.Errorf("audit.output.outbox: dir required when enabled")
	}
	switch c.Audit.Output.Type {
	case "stdout", "none":
	case "elasticsearch":
		if c.Audit.Output.ElasticsearchURL == "" {
			return fmt.Errorf("audit.output: elasticsearch_url required when type=elasticsearch")
		}
	default:
		return fmt.Errorf("audit.output: unknown type %q", c.Audit.Output.Type)
	}

	if c.Ingest.Enabled && len(c.Ingest.Tokens) == 0 {
		return fmt.Errorf("ingest: no connector tokens configured (use token_file or HAZE_CONNECTOR_* env)")
	}
	// one token per connector
	seen := make(map[string]string)
	for token, id := range c.Ingest.Tokens {
		if prev, ok := seen[id]; ok && prev != token {
			return fmt.Errorf("ingest: connector %q has multiple tokens", id)
		}
		seen[id] = token
	}
	for token := range c.Admin.Tokens {
		if _, ok := c.Ingest.Tokens[token]; ok {
			return fmt.Errorf("admin: token shared with an ingest connector")
		}
	}
	if c.Limits.MaxRadiusMeters < 0 {
		return fmt.Errorf("limits: max_radius_meters must be positive")
	}
	return nil
}

// Seconds converts an integer seconds field.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts an integer milliseconds field.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func validPeer(p string) bool {
	p = strings.TrimSpace(p)
	if strings.EqualFold(p, "localhost") {
		return true
	}
	if _, err := netip.ParsePrefix(p); err == nil {
		return true
	}
	_, err := netip.ParseAddr(p)
	return err == nil
}
