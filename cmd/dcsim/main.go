// dcsim: local DC cluster (HTTP, WebSocket and QUIC per DC) for mtsctl.
package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"dev.c0redev.mtsession/internal/config"
	"dev.c0redev.mtsession/internal/dcsim"
	"dev.c0redev.mtsession/internal/logging"
	"dev.c0redev.mtsession/internal/transport"
)

func logRequest(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)
		if sw.code >= 400 {
			log.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", sw.code).Msg("request")
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack: the websocket upgrader needs the underlying conn.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("dcsim: response writer cannot hijack")
	}
	w.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func main() {
	log := logging.New(os.Stderr, "dcsim", logging.FromEnv(logging.ProfileRuntime))

	cfg, err := config.Load(os.Getenv("MTS_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok && os.Getenv(logging.EnvLogLevel) == "" {
		log = log.Level(lvl)
	}

	infos := make([]dcsim.Info, 0, len(cfg.DCs))
	for _, d := range cfg.DCs {
		infos = append(infos, dcsim.Info{ID: d.ID, Addr: d.Addr, Country: d.Country, RTT: d.RTT})
	}
	cluster, err := dcsim.NewCluster(infos, dcsim.Options{Logger: &log, GzipThreshold: cfg.GzipThreshold})
	if err != nil {
		log.Fatal().Err(err).Msg("cluster")
	}

	cert, err := transport.SelfSignedCert(cfg.Sim.CertHosts...)
	if err != nil {
		log.Fatal().Err(err).Msg("certificate")
	}
	tlsConfig := transport.ServerTLS(cert)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		wg       sync.WaitGroup
		httpSrvs []*http.Server
		quicLns  []*quic.Listener
	)
	for _, s := range cluster.Servers() {
		addr := s.Info().Addr
		l := log.With().Int("dc", s.ID()).Str("addr", addr).Logger()
		httpSrv := &http.Server{Addr: addr, Handler: logRequest(l, s.HTTPHandler())}
		httpSrvs = append(httpSrvs, httpSrv)
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Info().Msg("http/ws listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.Error().Err(err).Msg("http")
				stop()
			}
		}()

		ln, err := transport.ListenAddr(addr, tlsConfig)
		if err != nil {
			log.Fatal().Err(err).Int("dc", s.ID()).Msg("quic listen")
		}
		quicLns = append(quicLns, ln)
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Info().Msg("quic listening")
			if err := s.ServeQUIC(ctx, ln); err != nil && ctx.Err() == nil {
				l.Error().Err(err).Msg("quic")
				stop()
			}
		}()
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range httpSrvs {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("addr", srv.Addr).Msg("http shutdown")
		}
	}
	for _, ln := range quicLns {
		ln.Close()
	}
	wg.Wait()
	log.Info().Msg("stopped")
}
