package main

import (
	"flag"
	"time"
)

// Config holds agent runtime configuration.
type Config struct {
	ServerAddr string
	Name       string
	Token      string
	Target     string

	DialTimeout       time.Duration
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration
}

var cfg Config

// init registers all agent flags into the default flag set.
func init() {
	flag.StringVar(&cfg.ServerAddr, "server", "127.0.0.1:9000", "tunnel entry point address")
	flag.StringVar(&cfg.Name, "name", "ml-worker", "agent name reported during handshake")
	flag.StringVar(&cfg.Token, "token", "", "shared secret token")
	flag.StringVar(&cfg.Target, "target", "127.0.0.1:50051", "local worker address to expose through the tunnel")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 10*time.Second, "timeout for dialing the entry point")
	flag.DurationVar(&cfg.KeepAliveInterval, "keepalive", 30*time.Second, "mux keepalive interval on the outer connection")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", 10*time.Second, "mux connection write timeout")
	flag.Parse()
}
