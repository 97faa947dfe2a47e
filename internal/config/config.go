// Package config loads mtsctl/dcsim settings from TOML with MTS_* env overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
)

// Env overrides, applied after the file.
const (
	EnvDBPath      = "MTS_DB_PATH"
	EnvTransport   = "MTS_TRANSPORT"
	EnvTimeout     = "MTS_TIMEOUT"
	EnvInsecureTLS = "MTS_INSECURE_TLS"
	EnvVerbose     = "MTS_VERBOSE"
	EnvMetricsAddr = "MTS_METRICS_ADDR"
	EnvLogLevel    = "MTS_LOG_LEVEL"
)

// DC: one data center endpoint.
type DC struct {
	ID      int
	Addr    string
	Country string
	RTT     time.Duration
}

// Client: description sent with connection init.
type Client struct {
	APIID         int
	DeviceModel   string
	SystemVersion string
	AppVersion    string
	LangCode      string
	Country       string
}

// Sim: dcsim-only settings.
type Sim struct {
	CertHosts []string
}

type Config struct {
	DBPath        string
	Transport     string
	Timeout       time.Duration
	InsecureTLS   bool
	DCs           []DC
	Client        Client
	Verbose       bool
	VerboseTables bool
	SeqStrategy   string
	GzipThreshold int
	MetricsAddr   string
	LogLevel      string
	Sim           Sim
}

// Default: local dcsim cluster on 127.0.0.1:7441-7445 over QUIC.
func Default() Config {
	return Config{
		DBPath:    "mtsession.db",
		Transport: "quic",
		Timeout:   15 * time.Second,
		DCs: []DC{
			{ID: 1, Addr: "127.0.0.1:7441", Country: "US", RTT: 120 * time.Millisecond},
			{ID: 2, Addr: "127.0.0.1:7442", Country: "NL", RTT: 40 * time.Millisecond},
			{ID: 3, Addr: "127.0.0.1:7443", Country: "US", RTT: 90 * time.Millisecond},
			{ID: 4, Addr: "127.0.0.1:7444", Country: "NL", RTT: 60 * time.Millisecond},
			{ID: 5, Addr: "127.0.0.1:7445", Country: "SG", RTT: 200 * time.Millisecond},
		},
		Client: Client{
			APIID:         1,
			DeviceModel:   "mtsctl",
			SystemVersion: "go",
			AppVersion:    "0.1",
			LangCode:      "en",
		},
		SeqStrategy:   "parity",
		GzipThreshold: 1024,
		LogLevel:      "info",
		Sim:           Sim{CertHosts: []string{"127.0.0.1", "localhost"}},
	}
}

type fileDC struct {
	ID      int    `toml:"id"`
	Addr    string `toml:"addr"`
	Country string `toml:"country"`
	RTTMs   int64  `toml:"rtt_ms"`
}

type fileClient struct {
	APIID         int    `toml:"api_id"`
	DeviceModel   string `toml:"device_model"`
	SystemVersion string `toml:"system_version"`
	AppVersion    string `toml:"app_version"`
	LangCode      string `toml:"lang_code"`
	Country       string `toml:"country"`
}

type fileSim struct {
	CertHosts []string `toml:"cert_hosts"`
}

type fileConfig struct {
	DBPath        string     `toml:"db_path"`
	Transport     string     `toml:"transport"`
	Timeout       string     `toml:"timeout"`
	InsecureTLS   bool       `toml:"insecure_tls"`
	DC            []fileDC   `toml:"dc"`
	Client        fileClient `toml:"client"`
	Verbose       bool       `toml:"verbose"`
	VerboseTables bool       `toml:"verbose_tables"`
	SeqStrategy   string     `toml:"seq_strategy"`
	GzipThreshold int        `toml:"gzip_threshold"`
	MetricsAddr   string     `toml:"metrics_addr"`
	LogLevel      string     `toml:"log_level"`
	Sim           fileSim    `toml:"sim"`
}

// Load reads path over Default, then env overrides, then validates.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return fmt.Errorf("load config: unknown key %q", undec[0].String())
	}

	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("insecure_tls") {
		cfg.InsecureTLS = raw.InsecureTLS
	}
	if meta.IsDefined("dc") {
		cfg.DCs = cfg.DCs[:0:0]
		for _, d := range raw.DC {
			cfg.DCs = append(cfg.DCs, DC{
				ID:      d.ID,
				Addr:    strings.TrimSpace(d.Addr),
				Country: strings.ToUpper(strings.TrimSpace(d.Country)),
				RTT:     time.Duration(d.RTTMs) * time.Millisecond,
			})
		}
	}
	if meta.IsDefined("client", "api_id") {
		cfg.Client.APIID = raw.Client.APIID
	}
	if meta.IsDefined("client", "device_model") {
		cfg.Client.DeviceModel = raw.Client.DeviceModel
	}
	if meta.IsDefined("client", "system_version") {
		cfg.Client.SystemVersion = raw.Client.SystemVersion
	}
	if meta.IsDefined("client", "app_version") {
		cfg.Client.AppVersion = raw.Client.AppVersion
	}
	if meta.IsDefined("client", "lang_code") {
		cfg.Client.LangCode = raw.Client.LangCode
	}
	if meta.IsDefined("client", "country") {
		cfg.Client.Country = strings.ToUpper(strings.TrimSpace(raw.Client.Country))
	}
	if meta.IsDefined("verbose") {
		cfg.Verbose = raw.Verbose
	}
	if meta.IsDefined("verbose_tables") {
		cfg.VerboseTables = raw.VerboseTables
	}
	if meta.IsDefined("seq_strategy") {
		cfg.SeqStrategy = strings.TrimSpace(raw.SeqStrategy)
	}
	if meta.IsDefined("gzip_threshold") {
		cfg.GzipThreshold = raw.GzipThreshold
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("sim", "cert_hosts") {
		cfg.Sim.CertHosts = raw.Sim.CertHosts
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvDBPath)); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTransport)); v != "" {
		cfg.Transport = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvTimeout)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		cfg.Timeout = d
	}
	if v, ok := envBool(EnvInsecureTLS); ok {
		cfg.InsecureTLS = v
	}
	if v, ok := envBool(EnvVerbose); ok {
		cfg.Verbose = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMetricsAddr)); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

func envBool(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// Validate checks ranges and cross-field rules.
func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is empty"))
	}
	switch c.Transport {
	case "quic", "http", "ws":
	default:
		errs = append(errs, fmt.Errorf("transport %q: want quic, http or ws", c.Transport))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout %v must be positive", c.Timeout))
	}
	if len(c.DCs) == 0 {
		errs = append(errs, errors.New("no [[dc]] entries"))
	}
	seen := make(map[int]bool)
	for _, d := range c.DCs {
		if d.ID < 1 || d.ID > 5 {
			errs = append(errs, fmt.Errorf("dc id %d out of range 1..5", d.ID))
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("dc %d listed twice", d.ID))
		}
		seen[d.ID] = true
		if d.Addr == "" {
			errs = append(errs, fmt.Errorf("dc %d has no addr", d.ID))
		}
	}
	switch strings.ToLower(c.SeqStrategy) {
	case "", "parity", "monotonic":
	default:
		errs = append(errs, fmt.Errorf("seq_strategy %q: want parity or monotonic", c.SeqStrategy))
	}
	if c.GzipThreshold < 0 {
		errs = append(errs, errors.New("gzip_threshold must be >= 0"))
	}
	return multierr.Combine(errs...)
}

// Addrs DC id -> address.
func (c Config) Addrs() map[int]string {
	out := make(map[int]string, len(c.DCs))
	for _, d := range c.DCs {
		out[d.ID] = d.Addr
	}
	return out
}
