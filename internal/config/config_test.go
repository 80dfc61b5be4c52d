package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimal = `
[server]
listen_address = ":9090"

[catalog]
path = "regions.json"
`

func TestLoad_MinimalDefaults(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "haze.toml")
	if err := os.WriteFile(cfgPath, []byte(minimal), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddress != ":9090" {
		t.Errorf("listen_address = %q", cfg.Server.ListenAddress)
	}
	if cfg.Catalog.Source != "file" || !cfg.Catalog.WaitForRefresh || cfg.Catalog.RefreshIntervalSeconds != 300 {
		t.Errorf("catalog defaults = %+v", cfg.Catalog)
	}
	if got := strings.Join(cfg.Admission.TrustedPeers, ","); got != "localhost" {
		t.Errorf("trusted_peers = %s", got)
	}
	if cfg.Quota.Store != "badger" || cfg.Quota.BadgerDir == "" || !cfg.Quota.ResetEnabled {
		t.Errorf("quota defaults = %+v", cfg.Quota)
	}
	if cfg.Storage.Type != "duckdb" || cfg.Storage.Table != "readings" {
		t.Errorf("storage defaults = %+v", cfg.Storage)
	}
	if !cfg.Audit.Enabled || cfg.Audit.Output.Type != "stdout" || cfg.Limits.MaxRadiusMeters != 100000 {
		t.Errorf("audit/limits defaults: %+v %+v", cfg.Audit.Output, cfg.Limits)
	}
}

func TestParse_ExplicitFalseKept(t *testing.T) {
	cfg, err := Parse(minimal + `wait_for_refresh = false
strict_intervals = true

[quota]
store = "memory"
reset_enabled = false

[admission]
trusted_peers = []
`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Catalog.WaitForRefresh || !cfg.Catalog.StrictIntervals {
		t.Errorf("catalog = %+v", cfg.Catalog)
	}
	if cfg.Quota.ResetEnabled || cfg.Quota.BadgerDir != "" {
		t.Errorf("quota = %+v", cfg.Quota)
	}
	if len(cfg.Admission.TrustedPeers) != 0 {
		t.Errorf("explicit empty trusted_peers replaced: %v", cfg.Admission.TrustedPeers)
	}
}

func TestLoad_EnvTokens(t *testing.T) {
	t.Setenv("HAZE_CONNECTOR_PURPLE_AIR", "connector-token")
	t.Setenv("HAZE_ADMIN_OPS", "admin-token")
	t.Setenv("HAZE_ELASTICSEARCH_PASS", "s3cret")

	cfg, err := Parse(minimal + "\n[ingest]\nenabled = true\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Ingest.Tokens["connector-token"] != "purple-air" {
		t.Errorf("ingest tokens = %v", cfg.Ingest.Tokens)
	}
	if cfg.Admin.Tokens["admin-token"] != "ops" {
		t.Errorf("admin tokens = %v", cfg.Admin.Tokens)
	}
	if cfg.Audit.Output.ElasticsearchPass != "s3cret" {
		t.Error("elasticsearch pass not taken from env")
	}
}

func TestLoad_TokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens")
	content := "# connectors\nalpha-token, airnow\n\nmalformed\nbeta-token,purpleair\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Parse(minimal + "\n[ingest]\nenabled = true\ntoken_file = \"" + filepath.ToSlash(path) + "\"\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Ingest.Tokens) != 2 || cfg.Ingest.Tokens["alpha-token"] != "airnow" {
		t.Errorf("tokens = %v", cfg.Ingest.Tokens)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nonexistent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"bad toml", "invalid toml [[[", "parse config"},
		{"unknown key", minimal + "bogus = 1\n", "unknown key"},
		{"file source without path", "[catalog]\nsource = \"file\"\n", "path required"},
		{"http source without url", "[catalog]\nsource = \"http\"\n", "url must be"},
		{"unknown source", "[catalog]\nsource = \"ftp\"\n", "unknown source"},
		{"ingest without tokens", minimal + "\n[ingest]\nenabled = true\n", "no connector tokens"},
		{"es without url", minimal + "\n[audit.output]\ntype = \"elasticsearch\"\n", "elasticsearch_url"},
		{"unknown output", minimal + "\n[audit.output]\ntype = \"kafka\"\n", "unknown type"},
		{"unknown storage", minimal + "\n[storage]\ntype = \"bigquery\"\n", "unknown type"},
		{"tls without files", "[server]\ntls = true\n[catalog]\npath = \"r.json\"\n", "cert_file"},
		{"bad humidity", minimal + "default_humidity = 120\n", "default_humidity"},
		{"bad level", minimal + "\n[logging]\nlevel = \"loud\"\n", "unknown level"},
		{"hostname as trusted peer", minimal + "\n[admission]\ntrusted_peers = [\"gateway.internal\"]\n", "trusted_peers"},
		{"outbox without dir", minimal + "\n[audit.output.outbox]\nenabled = true\n", "dir required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.doc)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ConnectorWithTwoTokens(t *testing.T) {
	c, err := Parse(minimal)
	if err != nil {
		t.Fatal(err)
	}
	c.Ingest.Tokens = map[string]string{"a": "purpleair", "b": "purpleair"}
	if err := c.validate(); err == nil {
		t.Fatal("expected error for a connector with two tokens")
	}
}

func TestDurations(t *testing.T) {
	if Seconds(3) != 3*time.Second || Millis(250) != 250*time.Millisecond {
		t.Fatal("conversion")
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "haze.example.toml"))
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if cfg.Server.ManagementListenAddress == "" || !cfg.Observability.MetricsEnabled {
		t.Errorf("server = %+v", cfg.Server)
	}
}
