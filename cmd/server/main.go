package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaypoint/mltunnel/internal/obs"
	"github.com/relaypoint/mltunnel/internal/state"
	"github.com/relaypoint/mltunnel/internal/tunnel"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{"entry_port": cfg.EntryPort, "metrics": cfg.MetricsAddr, "enabled": cfg.Enabled})

	pub := state.NewTunnelState()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := &healthState{}
	go startMetricsServer(cfg.MetricsAddr, pub, health)

	if !cfg.Enabled {
		obs.Info("tunnel.disabled", obs.Fields{})
		health.setReady(true)
		<-ctx.Done()
		return
	}

	entry, err := tunnel.Start(ctx, tunnel.Config{
		Addr:              fmt.Sprintf(":%d", cfg.EntryPort),
		Token:             cfg.Token,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		WriteTimeout:      cfg.WriteTimeout,
		ConnRateGlobal:    cfg.ConnRateGlobal,
		ConnRatePerHost:   cfg.ConnRatePerHost,
		ConnRateBurst:     cfg.ConnRateBurst,
	}, pub)
	if err != nil {
		obs.Error("tunnel.start", obs.Fields{"err": err.Error(), "port": cfg.EntryPort})
		os.Exit(1)
	}

	if cfg.RedisAddr != "" {
		mirror, err := state.NewMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			obs.Error("redis.mirror.connect", obs.Fields{"err": err.Error(), "addr": cfg.RedisAddr})
			os.Exit(1)
		}
		go mirror.Run(ctx, pub)
		obs.Info("redis.mirror.started", obs.Fields{"addr": cfg.RedisAddr})
	}

	health.setReady(true)
	obs.Info("server.ready", obs.Fields{"entry": entry.Addr().String()})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	health.setClosing(true)
	entry.Shutdown()
	obs.Info("server.shutdown.complete", obs.Fields{})
}

// healthState backs /readyz: not ready until listeners are up, not ready
// again once shutdown starts.
type healthState struct {
	mu      sync.Mutex
	ready   bool
	closing bool
}

func (h *healthState) setReady(v bool)   { h.mu.Lock(); h.ready = v; h.mu.Unlock() }
func (h *healthState) setClosing(v bool) { h.mu.Lock(); h.closing = v; h.mu.Unlock() }
func (h *healthState) ok() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready && !h.closing
}

// startMetricsServer serves Prometheus metrics, health endpoints and the
// published tunnel endpoint for HTTP callers.
func startMetricsServer(addr string, pub *state.TunnelState, health *healthState) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !health.ok() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/tunnelz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ep, ok := pub.Get(); ok {
			_ = json.NewEncoder(w).Encode(map[string]any{"active": true, "port": ep.Port})
			return
		}
		// A worker being unreachable is a transient condition for callers,
		// not an error of this process.
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"active": false})
	})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
