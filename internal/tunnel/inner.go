package tunnel

import (
	"net"

	"github.com/relaypoint/mltunnel/internal/obs"
)

// innerListener is the per-session loopback listener internal callers connect
// to in order to reach the attached worker. Bound on an OS-assigned ephemeral
// port so sessions and server instances never collide.
type innerListener struct {
	ln   net.Listener
	port int
}

func bindInner() (*innerListener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return &innerListener{ln: ln, port: ln.Addr().(*net.TCPAddr).Port}, nil
}

// acceptLoop hands every inner connection to handle until the listener is
// closed; closing the listener is the only way the loop ends.
func (il *innerListener) acceptLoop(handle func(net.Conn)) {
	for {
		c, err := il.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				obs.Error("accept.inner.temp", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		handle(c)
	}
}

func (il *innerListener) Close() { _ = il.ln.Close() }
