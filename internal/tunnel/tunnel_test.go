package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/relaypoint/mltunnel/internal/proto"
	"github.com/relaypoint/mltunnel/internal/state"
)

func startEntry(t *testing.T, cfg Config) (*EntryPoint, *state.TunnelState) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	ctx, cancel := context.WithCancel(context.Background())
	pub := state.NewTunnelState()
	e, err := Start(ctx, cfg, pub)
	if err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		e.Shutdown()
	})
	return e, pub
}

// testAgent is a minimal in-test worker agent: handshake, mux, echo every
// logical stream back verbatim.
type testAgent struct {
	conn net.Conn
	sess *yamux.Session
}

func dialAgent(t *testing.T, addr, token string) *testAgent {
	t.Helper()
	return dialAgentWith(t, addr, token, func(s net.Conn) {
		_, _ = io.Copy(s, s)
		_ = s.Close()
	})
}

// dialAgentWith attaches an agent that serves every logical stream with
// handle.
func dialAgentWith(t *testing.T, addr, token string, handle func(net.Conn)) *testAgent {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial entry point: %v", err)
	}
	if err := proto.WriteLine(c, proto.Hello{Token: token, Agent: "test-agent", Version: proto.Version}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	rd := bufio.NewReader(c)
	var ack struct {
		Session string `json:"session"`
		Error   string `json:"error"`
	}
	if err := proto.ReadLine(rd, &ack); err != nil {
		t.Fatalf("read hello ack: %v", err)
	}
	if ack.Error != "" {
		t.Fatalf("handshake rejected: %s", ack.Error)
	}
	sess, err := yamux.Client(BufferedConn{Rd: rd, Conn: c}, MuxConfig(0, 0))
	if err != nil {
		t.Fatalf("mux client: %v", err)
	}
	a := &testAgent{conn: c, sess: sess}
	go func() {
		for {
			stream, err := sess.Accept()
			if err != nil {
				return
			}
			go handle(stream)
		}
	}()
	t.Cleanup(a.close)
	return a
}

func (a *testAgent) close() {
	_ = a.sess.Close()
	_ = a.conn.Close()
}

func waitForEndpoint(t *testing.T, pub *state.TunnelState, want bool) int {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ep, ok := pub.Get(); ok == want {
			return ep.Port
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("published endpoint did not reach present=%v in time", want)
	return 0
}

func dialInner(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial inner endpoint: %v", err)
	}
	return c
}

func TestSessionLifecyclePublishesEndpoint(t *testing.T) {
	e, pub := startEntry(t, Config{})

	if _, ok := pub.Get(); ok {
		t.Fatal("endpoint published before any worker attached")
	}

	agent := dialAgent(t, e.Addr().String(), "")
	port := waitForEndpoint(t, pub, true)

	c := dialInner(t, port)
	defer c.Close()
	payload := []byte("predict batch 42")
	if _, err := c.Write(payload); err != nil {
		t.Fatalf("write inner: %v", err)
	}
	got := make([]byte, len(payload))
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo mismatch: got %q want %q", got, payload)
	}

	agent.close()
	waitForEndpoint(t, pub, false)
}

func TestHandshakeFailureNeverPublishes(t *testing.T) {
	e, pub := startEntry(t, Config{Token: "secret"})

	c, err := net.Dial("tcp", e.Addr().String())
	if err != nil {
		t.Fatalf("dial entry point: %v", err)
	}
	defer c.Close()
	if err := proto.WriteLine(c, proto.Hello{Token: "wrong", Agent: "rogue", Version: proto.Version}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	rd := bufio.NewReader(c)
	var rej proto.HelloErr
	if err := proto.ReadLine(rd, &rej); err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	if rej.Error == "" {
		t.Fatal("expected a rejection error")
	}

	// Server closes the connection after rejecting.
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := rd.ReadByte(); err == nil {
		t.Fatal("expected connection close after rejection")
	}

	time.Sleep(150 * time.Millisecond)
	if _, ok := pub.Get(); ok {
		t.Fatal("endpoint published despite failed handshake")
	}
}

func TestStreamIsolation(t *testing.T) {
	e, pub := startEntry(t, Config{})
	dialAgent(t, e.Addr().String(), "")
	port := waitForEndpoint(t, pub, true)

	const streams = 8
	const chunk = 2048
	const chunks = 4
	var wg sync.WaitGroup
	errs := make(chan error, streams)
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				errs <- fmt.Errorf("stream %d dial: %w", i, err)
				return
			}
			defer c.Close()
			payload := bytes.Repeat([]byte{byte('a' + i)}, chunk*chunks)
			go func() {
				for off := 0; off < len(payload); off += chunk {
					if _, err := c.Write(payload[off : off+chunk]); err != nil {
						return
					}
				}
			}()
			got := make([]byte, len(payload))
			_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, err := io.ReadFull(c, got); err != nil {
				errs <- fmt.Errorf("stream %d read: %w", i, err)
				return
			}
			if !bytes.Equal(got, payload) {
				errs <- fmt.Errorf("stream %d observed foreign or reordered bytes", i)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestOuterCloseClosesAllStreams(t *testing.T) {
	e, pub := startEntry(t, Config{})
	agent := dialAgent(t, e.Addr().String(), "")
	port := waitForEndpoint(t, pub, true)

	const open = 5
	conns := make([]net.Conn, 0, open)
	for i := 0; i < open; i++ {
		c := dialInner(t, port)
		defer c.Close()
		// Force the stream open end to end before dropping the outer conn.
		if _, err := c.Write([]byte("x")); err != nil {
			t.Fatalf("write: %v", err)
		}
		one := make([]byte, 1)
		_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
		if _, err := io.ReadFull(c, one); err != nil {
			t.Fatalf("echo: %v", err)
		}
		conns = append(conns, c)
	}

	// Hard-close the outer connection; every inner connection must observe a
	// clean close, not a hang.
	_ = agent.conn.Close()
	for i, c := range conns {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := c.Read(make([]byte, 1)); err == nil {
			t.Errorf("inner conn %d still readable after outer close", i)
		} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
			t.Errorf("inner conn %d hung instead of closing", i)
		}
	}
	waitForEndpoint(t, pub, false)
}

func TestSecondAgentReplacesFirst(t *testing.T) {
	e, pub := startEntry(t, Config{})
	first := dialAgent(t, e.Addr().String(), "")
	p1 := waitForEndpoint(t, pub, true)

	dialAgent(t, e.Addr().String(), "")
	deadline := time.Now().Add(3 * time.Second)
	var p2 int
	for time.Now().Before(deadline) {
		if ep, ok := pub.Get(); ok && ep.Port != p1 {
			p2 = ep.Port
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if p2 == 0 {
		t.Fatal("replacement session never published a new endpoint")
	}

	select {
	case <-first.sess.CloseChan():
	case <-time.After(3 * time.Second):
		t.Fatal("superseded session was not closed")
	}

	// The new endpoint works.
	c := dialInner(t, p2)
	defer c.Close()
	if _, err := c.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 4)
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestAgentReconnectGetsFreshEndpoint(t *testing.T) {
	e, pub := startEntry(t, Config{})

	first := dialAgent(t, e.Addr().String(), "")
	waitForEndpoint(t, pub, true)
	first.close()
	waitForEndpoint(t, pub, false)

	dialAgent(t, e.Addr().String(), "")
	waitForEndpoint(t, pub, true)
}

func TestInnerHalfCloseStillDeliversResponse(t *testing.T) {
	e, pub := startEntry(t, Config{})
	// Worker that reads the whole request (until the write-side FIN arrives
	// through the tunnel), then answers after a delay.
	dialAgentWith(t, e.Addr().String(), "", func(s net.Conn) {
		req, err := io.ReadAll(s)
		if err != nil {
			_ = s.Close()
			return
		}
		time.Sleep(300 * time.Millisecond)
		_, _ = s.Write(append([]byte("echo:"), req...))
		_ = s.Close()
	})
	port := waitForEndpoint(t, pub, true)

	c := dialInner(t, port)
	defer c.Close()
	if _, err := c.Write([]byte("req")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	// Half-close the write side; the response must still come through.
	if err := c.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("half-close: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(resp) != "echo:req" {
		t.Fatalf("response lost or truncated after half-close: %q", resp)
	}
}

func TestCloseKeepsEstablishedSession(t *testing.T) {
	e, pub := startEntry(t, Config{})
	dialAgent(t, e.Addr().String(), "")
	port := waitForEndpoint(t, pub, true)

	// Closing the entry point stops new outer connections only.
	e.Close()
	if c, err := net.Dial("tcp", e.Addr().String()); err == nil {
		_ = c.Close()
		t.Fatal("entry point still accepting after Close")
	}

	// The established session keeps relaying and stays published.
	c := dialInner(t, port)
	defer c.Close()
	if _, err := c.Write([]byte("still here")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 10)
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if _, ok := pub.Get(); !ok {
		t.Fatal("endpoint cleared even though the session survives entry close")
	}
}

func TestEntryPointBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = Start(ctx, Config{Addr: ln.Addr().String()}, state.NewTunnelState())
	if err == nil {
		t.Fatal("expected bind failure when the port is already taken")
	}
}

func TestRateLimitedOuterConnIsDropped(t *testing.T) {
	e, _ := startEntry(t, Config{ConnRatePerHost: 1, ConnRateBurst: 1})

	// First attempt consumes the only token.
	c1, err := net.Dial("tcp", e.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c1.Close()

	c2, err := net.Dial("tcp", e.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c2.Close()
	_ = c2.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := c2.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected over-limit connection to be closed")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("over-limit connection was left open")
	}
}
