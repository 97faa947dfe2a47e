package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dev.c0redev.mtsession/internal/config"
	"dev.c0redev.mtsession/internal/kex"
	"dev.c0redev.mtsession/internal/logging"
	"dev.c0redev.mtsession/internal/metrics"
	"dev.c0redev.mtsession/internal/msgid"
	"dev.c0redev.mtsession/internal/proto"
	"dev.c0redev.mtsession/internal/session"
	"dev.c0redev.mtsession/internal/store"
	"dev.c0redev.mtsession/internal/transport"
)

var (
	configPath  string
	metricsAddr string
	verbose     bool
	tables      bool

	appCtx *appContext
)

// appContext: everything a subcommand needs, torn down in PersistentPostRunE.
type appContext struct {
	cfg     config.Config
	log     zerolog.Logger
	db      *store.DB
	tr      transport.Client
	engine  *session.Engine
	metrics *http.Server
}

func Execute() error {
	root := &cobra.Command{
		Use:          "mtsctl",
		Short:        "Drive an MTProto-style session against a DC cluster",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			rt, err := setup()
			if err != nil {
				return err
			}
			appCtx = rt
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if appCtx == nil {
				return nil
			}
			err := appCtx.close()
			appCtx = nil
			return err
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MTS_CONFIG"), "TOML config file (default: built-in local cluster)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address while the command runs")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every request and result")
	root.PersistentFlags().BoolVar(&tables, "tables", false, "with --verbose, add hex dumps of each message")

	root.AddCommand(statusCmd(), dcCmd(), authCmd(), callCmd(), resetCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}

func setup() (*appContext, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if verbose {
		cfg.Verbose = true
	}
	if tables {
		cfg.VerboseTables = true
	}

	logCfg := logging.FromEnv(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok && os.Getenv(logging.EnvLogLevel) == "" {
		logCfg.Level = lvl
	}
	if cfg.Verbose && logCfg.Level > zerolog.DebugLevel {
		logCfg.Level = zerolog.DebugLevel
	}
	log := logging.New(os.Stderr, "mtsctl", logCfg)

	strategy, err := msgid.StrategyByName(cfg.SeqStrategy)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	tr, err := transport.New(cfg.Transport, transport.Options{
		Addrs:       cfg.Addrs(),
		Timeout:     cfg.Timeout,
		InsecureTLS: cfg.InsecureTLS,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	rt := &appContext{cfg: cfg, log: log, db: db, tr: tr}
	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		rt.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg)}
		go func() {
			if err := rt.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics listener")
			}
		}()
	}

	ids := msgid.New(nil, strategy)
	engine, err := session.New(session.Options{
		Store:         db,
		Transport:     tr,
		Handshaker:    kex.New(tr, ids),
		Codec:         proto.Codec{GzipThreshold: cfg.GzipThreshold},
		IDs:           ids,
		Logger:        &log,
		Metrics:       m,
		Init:          initParams(cfg.Client),
		Verbose:       cfg.Verbose,
		VerboseTables: cfg.VerboseTables,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.engine = engine
	return rt, nil
}

func initParams(c config.Client) session.InitParams {
	return session.InitParams{
		APIID:         c.APIID,
		DeviceModel:   c.DeviceModel,
		SystemVersion: c.SystemVersion,
		AppVersion:    c.AppVersion,
		LangCode:      c.LangCode,
		Country:       c.Country,
	}
}

func (rt *appContext) close() error {
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		rt.metrics.Shutdown(ctx)
		cancel()
	}
	if rt.tr != nil {
		rt.tr.Close()
	}
	return rt.db.Close()
}
