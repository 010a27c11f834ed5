package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/jpillora/backoff"

	"github.com/relaypoint/mltunnel/internal/proto"
	"github.com/relaypoint/mltunnel/internal/tunnel"
)

func main() {
	log.Printf("agent starting name=%s target=%s server=%s", cfg.Name, cfg.Target, cfg.ServerAddr)
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		if err := runOnce(&cfg, b); err != nil {
			log.Printf("session ended: %v", err)
		}
		d := b.Duration()
		log.Printf("reconnecting in %s", d.Round(time.Millisecond))
		time.Sleep(d)
	}
}

// runOnce dials the entry point, performs the handshake and serves logical
// streams until the outer connection ends. Reconnection is the agent's job;
// the server never dials back.
func runOnce(cfg *Config, b *backoff.Backoff) error {
	c, err := net.DialTimeout("tcp", cfg.ServerAddr, cfg.DialTimeout)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := proto.WriteLine(c, proto.Hello{Token: cfg.Token, Agent: cfg.Name, Version: proto.Version}); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}
	rd := bufio.NewReader(c)
	var ack struct {
		Session string `json:"session"`
		Error   string `json:"error"`
	}
	if err := proto.ReadLine(rd, &ack); err != nil {
		return fmt.Errorf("read hello ack: %w", err)
	}
	if ack.Error != "" {
		return fmt.Errorf("handshake rejected: %s", ack.Error)
	}
	log.Printf("attached session=%s", ack.Session)
	b.Reset()

	sess, err := yamux.Client(tunnel.BufferedConn{Rd: rd, Conn: c}, tunnel.MuxConfig(cfg.KeepAliveInterval, cfg.WriteTimeout))
	if err != nil {
		return fmt.Errorf("mux session: %w", err)
	}
	defer sess.Close()
	for {
		stream, err := sess.Accept()
		if err != nil {
			return err
		}
		go handleStream(stream, cfg.Target)
	}
}

// handleStream connects one incoming logical stream to the local worker.
func handleStream(stream net.Conn, target string) {
	local, err := net.Dial("tcp", target)
	if err != nil {
		log.Printf("dial worker %s: %v", target, err)
		_ = stream.Close()
		return
	}
	tunnel.Relay(local, stream)
}
