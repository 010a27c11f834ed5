package tunnel

import (
	"io"
	"time"

	"github.com/hashicorp/yamux"
)

// Config holds tunnel entry point configuration. Read once at startup.
type Config struct {
	// Addr is the well-known entry point address remote worker agents dial,
	// e.g. ":9000".
	Addr string
	// Token, when non-empty, must be presented by agents during handshake.
	Token string

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration

	// Outer connection rate limits; 0 disables the corresponding check.
	ConnRateGlobal  int
	ConnRatePerHost int
	ConnRateBurst   int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ConnRateBurst <= 0 {
		c.ConnRateBurst = 10
	}
	return c
}

// MuxConfig builds the yamux configuration both ends of the outer connection
// use after the handshake. Shared with cmd/agent so the two sides cannot
// drift apart on keepalive behavior.
func MuxConfig(keepAlive, writeTimeout time.Duration) *yamux.Config {
	cfg := yamux.DefaultConfig()
	if keepAlive > 0 {
		cfg.KeepAliveInterval = keepAlive
	}
	if writeTimeout > 0 {
		cfg.ConnectionWriteTimeout = writeTimeout
	}
	cfg.LogOutput = io.Discard
	return cfg
}
