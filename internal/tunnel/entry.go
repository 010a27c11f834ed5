package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/relaypoint/mltunnel/internal/obs"
	"github.com/relaypoint/mltunnel/internal/ratelimit"
	"github.com/relaypoint/mltunnel/internal/state"
)

// EntryPoint is the single well-known listener remote worker agents dial.
// Every accepted outer connection gets its own session; at most one session
// owns the published endpoint at any time (a later agent supersedes an
// earlier one).
type EntryPoint struct {
	cfg     Config
	pub     *state.TunnelState
	limiter *ratelimit.ConnLimiter
	ln      net.Listener

	mu      sync.Mutex
	current *session

	wg sync.WaitGroup
}

// Start binds the entry point listener and begins accepting outer
// connections. A bind failure (port in use, permission denied) is returned to
// the caller as a fatal startup error; it is never retried internally.
func Start(ctx context.Context, cfg Config, pub *state.TunnelState) (*EntryPoint, error) {
	cfg = cfg.withDefaults()
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("bind tunnel entry point %s: %w", cfg.Addr, err)
	}
	e := &EntryPoint{
		cfg:     cfg,
		pub:     pub,
		ln:      ln,
		limiter: ratelimit.NewConnLimiter(cfg.ConnRateGlobal, cfg.ConnRatePerHost, cfg.ConnRateBurst),
	}
	obs.Info("tunnel.listening", obs.Fields{"addr": ln.Addr().String()})
	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.acceptLoop(ctx) }()
	go e.limiterSweep(ctx)
	return e, nil
}

// Addr returns the bound entry point address.
func (e *EntryPoint) Addr() net.Addr { return e.ln.Addr() }

func (e *EntryPoint) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := e.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				obs.Error("accept.outer.temp", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		host, _, _ := net.SplitHostPort(c.RemoteAddr().String())
		if !e.limiter.Allow(host) {
			obs.Warn("tunnel.outer.ratelimited", obs.Fields{"remote": c.RemoteAddr().String()})
			obs.ErrorsTotal.WithLabelValues("ratelimited").Inc()
			_ = c.Close()
			continue
		}
		go e.handleOuter(ctx, c)
	}
}

// handleOuter drives one outer connection through its whole lifecycle.
func (e *EntryPoint) handleOuter(ctx context.Context, c net.Conn) {
	s := newSession(c, e.cfg)
	obs.Info("tunnel.outer.connected", obs.Fields{"session": s.id, "remote": c.RemoteAddr().String()})
	if err := s.handshake(); err != nil {
		obs.Error("tunnel.handshake", obs.Fields{"session": s.id, "err": err.Error()})
		_ = c.Close()
		return
	}
	port, err := s.activate()
	if err != nil {
		// Never adopted, so it owns no published endpoint to clear.
		obs.Error("tunnel.session.activate", obs.Fields{"session": s.id, "err": err.Error()})
		s.Close()
		return
	}
	e.adopt(s, port)
	obs.Info("tunnel.session.active", obs.Fields{"session": s.id, "agent": s.agent, "port": port})
	s.wait(ctx)
	e.release(s)
	s.Close()
}

// adopt makes s the current session and publishes its endpoint. A prior
// active session is superseded and force-closed: the agent re-dialed, its old
// outer connection is presumed dead even if we have not noticed yet.
// Publishing under the lock keeps the endpoint owned by exactly one session.
func (e *EntryPoint) adopt(s *session, port int) {
	e.mu.Lock()
	prev := e.current
	e.current = s
	e.pub.Set(&state.Endpoint{Port: port})
	e.mu.Unlock()
	if prev != nil {
		obs.SessionsReplacedTotal.Inc()
		obs.Warn("tunnel.session.replaced", obs.Fields{"old": prev.id, "new": s.id})
		prev.Close()
	}
}

// release clears the published endpoint if s still owns it. Runs before
// s closes its inner listener, so readers at worst hit the narrow
// connect-refused window, never a silently stale port.
func (e *EntryPoint) release(s *session) {
	e.mu.Lock()
	if e.current == s {
		e.current = nil
		e.pub.Set(nil)
	}
	e.mu.Unlock()
}

// Close stops accepting new outer connections. An already established session
// keeps running; use Shutdown to also terminate it.
func (e *EntryPoint) Close() {
	_ = e.ln.Close()
	e.wg.Wait()
}

// Shutdown stops accepting and tears down the active session, if any.
func (e *EntryPoint) Shutdown() {
	_ = e.ln.Close()
	e.mu.Lock()
	s := e.current
	e.mu.Unlock()
	if s != nil {
		s.Close()
	}
	e.wg.Wait()
}

func (e *EntryPoint) limiterSweep(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.limiter.Cleanup(10 * time.Minute)
		}
	}
}
