package tunnel

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/relaypoint/mltunnel/internal/obs"
	"github.com/relaypoint/mltunnel/internal/proto"
)

type sessionState int

const (
	stateAwaitingHandshake sessionState = iota
	stateActive
	stateClosed
)

// session owns one accepted outer connection end to end: handshake, the inner
// listener it spawns, and every logical stream multiplexed over the outer
// connection. Closing the session cascades to all of them.
type session struct {
	id      string
	cfg     Config
	conn    net.Conn
	rd      *bufio.Reader
	agent   string
	started time.Time

	mux   *yamux.Session
	inner *innerListener

	mu      sync.Mutex
	state   sessionState
	streams map[uint32]net.Conn // stream id -> inner connection

	closeOnce sync.Once
}

func newSession(c net.Conn, cfg Config) *session {
	id, _ := cryptoRandomID(8)
	return &session{
		id:      id,
		cfg:     cfg,
		conn:    c,
		rd:      bufio.NewReader(c),
		started: time.Now(),
		state:   stateAwaitingHandshake,
		streams: make(map[uint32]net.Conn),
	}
}

// handshake reads and validates the agent hello line. On failure the caller
// closes the connection; no inner listener exists yet at that point.
func (s *session) handshake() error {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	var hello proto.Hello
	if err := proto.ReadLine(s.rd, &hello); err != nil {
		obs.HandshakeFailuresTotal.WithLabelValues("read").Inc()
		return fmt.Errorf("read hello: %w", err)
	}
	if s.cfg.Token != "" && hello.Token != s.cfg.Token {
		obs.HandshakeFailuresTotal.WithLabelValues("token").Inc()
		_ = proto.WriteLine(s.conn, proto.HelloErr{Error: "unauthorized"})
		return fmt.Errorf("token mismatch from %s", s.conn.RemoteAddr())
	}
	if hello.Agent == "" {
		obs.HandshakeFailuresTotal.WithLabelValues("missing_agent").Inc()
		_ = proto.WriteLine(s.conn, proto.HelloErr{Error: "missing agent name"})
		return fmt.Errorf("missing agent name from %s", s.conn.RemoteAddr())
	}
	s.agent = hello.Agent
	_ = s.conn.SetReadDeadline(time.Time{})
	if err := proto.WriteLine(s.conn, proto.HelloOK{Session: s.id}); err != nil {
		obs.HandshakeFailuresTotal.WithLabelValues("ack_write").Inc()
		return fmt.Errorf("write hello ack: %w", err)
	}
	return nil
}

// activate binds the inner listener, switches the outer connection to
// multiplexed framing, and starts accepting inner connections. Returns the
// bound ephemeral port. The inner listener is bound only here, after a
// successful handshake, so an endpoint is never exposed for a worker that
// never attached.
func (s *session) activate() (int, error) {
	inner, err := bindInner()
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("inner_bind").Inc()
		return 0, fmt.Errorf("bind inner listener: %w", err)
	}
	mux, err := yamux.Server(BufferedConn{Rd: s.rd, Conn: s.conn}, MuxConfig(s.cfg.KeepAliveInterval, s.cfg.WriteTimeout))
	if err != nil {
		inner.Close()
		obs.ErrorsTotal.WithLabelValues("mux_setup").Inc()
		return 0, fmt.Errorf("mux session: %w", err)
	}
	s.mu.Lock()
	s.state = stateActive
	s.inner = inner
	s.mux = mux
	s.mu.Unlock()
	obs.ActiveSessions.Inc()
	obs.SessionsTotal.Inc()
	go inner.acceptLoop(s.handleInner)
	return inner.port, nil
}

// handleInner turns one accepted inner connection into a new logical stream
// on the outer connection.
func (s *session) handleInner(c net.Conn) {
	stream, err := s.mux.OpenStream()
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("stream_open").Inc()
		obs.Error("tunnel.stream.open", obs.Fields{"session": s.id, "err": err.Error()})
		_ = c.Close()
		return
	}
	id := stream.StreamID()
	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		_ = stream.Close()
		_ = c.Close()
		return
	}
	s.streams[id] = c
	open := len(s.streams)
	s.mu.Unlock()
	obs.StreamsTotal.Inc()
	obs.OpenStreams.Inc()
	obs.Debug("tunnel.stream.opened", obs.Fields{"session": s.id, "stream": id, "open": open})
	go s.runStream(id, c, stream)
}

// runStream relays one logical stream until either end closes. Errors here
// stay local to the stream; sibling streams and the session are unaffected.
func (s *session) runStream(id uint32, inner net.Conn, stream *yamux.Stream) {
	start := time.Now()
	inBytes, outBytes := Relay(inner, stream)
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
	obs.OpenStreams.Dec()
	obs.BytesForwardedTotal.WithLabelValues("inner_to_outer").Add(float64(inBytes))
	obs.BytesForwardedTotal.WithLabelValues("outer_to_inner").Add(float64(outBytes))
	obs.StreamDurationSeconds.Observe(time.Since(start).Seconds())
	obs.Debug("tunnel.stream.closed", obs.Fields{"session": s.id, "stream": id, "in": inBytes, "out": outBytes})
}

// wait blocks until the outer connection ends (remote close, I/O error or
// local Close) or ctx is cancelled. Must only be called after activate.
func (s *session) wait(ctx context.Context) {
	select {
	case <-s.mux.CloseChan():
	case <-ctx.Done():
	}
}

// Close tears the session down: inner listener first so no new streams
// arrive, then the mux (which cascades close to every logical stream), then
// any inner connections still tracked, then the outer connection. Idempotent.
func (s *session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasActive := s.state == stateActive
		s.state = stateClosed
		inner := s.inner
		mux := s.mux
		conns := make([]net.Conn, 0, len(s.streams))
		for _, c := range s.streams {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		if inner != nil {
			inner.Close()
		}
		if mux != nil {
			_ = mux.Close()
		}
		for _, c := range conns {
			_ = c.Close()
		}
		_ = s.conn.Close()
		if wasActive {
			obs.ActiveSessions.Dec()
			obs.SessionDurationSeconds.Observe(time.Since(s.started).Seconds())
		}
		obs.Info("tunnel.session.closed", obs.Fields{"session": s.id, "agent": s.agent})
	})
}

// BufferedConn lets the mux read through the handshake bufio.Reader so bytes
// the peer sent right behind its handshake line are not lost. Used by both
// ends of the outer connection.
type BufferedConn struct {
	Rd *bufio.Reader
	net.Conn
}

func (b BufferedConn) Read(p []byte) (int, error) { return b.Rd.Read(p) }

// cryptoRandomID returns a hex string of n random bytes (2n chars).
func cryptoRandomID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
