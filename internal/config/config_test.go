package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mts.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultValid(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.DCs) != 5 || cfg.Transport != "quic" || cfg.Timeout != 15*time.Second {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.Addrs()[3] != "127.0.0.1:7443" {
		t.Fatalf("addrs: %v", cfg.Addrs())
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
db_path = "/tmp/s.db"
transport = "WS"
timeout = "3s"
verbose = true
verbose_tables = true
seq_strategy = "monotonic"
gzip_threshold = 0
metrics_addr = "127.0.0.1:9100"

[client]
api_id = 42
country = "nl"

[[dc]]
id = 1
addr = "10.0.0.1:443"
country = "us"
rtt_ms = 80

[[dc]]
id = 2
addr = "10.0.0.2:443"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/tmp/s.db" || cfg.Transport != "ws" || cfg.Timeout != 3*time.Second {
		t.Fatalf("scalars: %+v", cfg)
	}
	if !cfg.Verbose || !cfg.VerboseTables || cfg.SeqStrategy != "monotonic" || cfg.GzipThreshold != 0 {
		t.Fatalf("flags: %+v", cfg)
	}
	if cfg.Client.APIID != 42 || cfg.Client.Country != "NL" || cfg.Client.DeviceModel != "mtsctl" {
		t.Fatalf("client: %+v", cfg.Client)
	}
	if len(cfg.DCs) != 2 || cfg.DCs[0].Country != "US" || cfg.DCs[0].RTT != 80*time.Millisecond {
		t.Fatalf("dcs: %+v", cfg.DCs)
	}
	if cfg.MetricsAddr != "127.0.0.1:9100" {
		t.Fatalf("metrics addr %q", cfg.MetricsAddr)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `transport = "http"`)
	t.Setenv(EnvTransport, "quic")
	t.Setenv(EnvTimeout, "750ms")
	t.Setenv(EnvVerbose, "1")
	t.Setenv(EnvDBPath, "env.db")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport != "quic" || cfg.Timeout != 750*time.Millisecond || !cfg.Verbose || cfg.DBPath != "env.db" {
		t.Fatalf("env: %+v", cfg)
	}

	t.Setenv(EnvTimeout, "soon")
	if _, err := Load(path); err == nil {
		t.Fatal("bad env timeout accepted")
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, `transprot = "quic"`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "transprot") {
		t.Fatalf("want unknown key error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, `
transport = "smoke"
seq_strategy = "random"

[[dc]]
id = 7
addr = ""

[[dc]]
id = 7
addr = "x:1"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"transport", "seq_strategy", "out of range", "listed twice", "no addr"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestBadTimeout(t *testing.T) {
	path := writeConfig(t, `timeout = "forever"`)
	if _, err := Load(path); err == nil {
		t.Fatal("bad timeout accepted")
	}
}
