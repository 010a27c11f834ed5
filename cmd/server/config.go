package main

import (
	"flag"
	"time"
)

// Config holds all runtime configuration derived from flags (future: env vars / file).
type Config struct {
	Enabled     bool
	EntryPort   int
	MetricsAddr string
	Token       string

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration

	ConnRateGlobal  int
	ConnRatePerHost int
	ConnRateBurst   int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Debug bool
}

var cfg Config

// init registers flags into the global flag set. main() simply parses and uses cfg.
func init() {
	flag.BoolVar(&cfg.Enabled, "enabled", true, "enable the worker tunnel subsystem; when false only metrics/health are served")
	flag.IntVar(&cfg.EntryPort, "entry-port", 9000, "entry point port accepting outer connections from worker agents")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	flag.StringVar(&cfg.Token, "token", "", "shared secret token; if set agents must provide matching token")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", 10*time.Second, "time limit for the agent hello after connecting")
	flag.DurationVar(&cfg.KeepAliveInterval, "keepalive", 30*time.Second, "mux keepalive interval on the outer connection")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", 10*time.Second, "mux connection write timeout")
	flag.IntVar(&cfg.ConnRateGlobal, "conn-rate-global", 0, "max outer connection attempts per second across all remotes (0 = unlimited)")
	flag.IntVar(&cfg.ConnRatePerHost, "conn-rate-per-host", 5, "max outer connection attempts per second per remote host (0 = unlimited)")
	flag.IntVar(&cfg.ConnRateBurst, "conn-rate-burst", 10, "token bucket burst size for connection rate limits")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", "", "optional redis address to mirror the published endpoint to")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.Parse()
}
