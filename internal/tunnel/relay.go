package tunnel

import (
	"io"
	"sync"
)

type closeWriter interface {
	CloseWrite() error
}

// Relay copies bytes between a and b in both directions until either side
// closes or errors, then makes sure both sides are closed so neither end is
// left blocked. When one direction drains, only that direction's destination
// is shut down (CloseWrite where supported, otherwise Close, which on a mux
// stream is a write-side FIN that leaves reads usable), so in-flight data in
// the other direction still finishes. Returns bytes copied a->b and b->a.
func Relay(a, b io.ReadWriteCloser) (aToB, bToA int64) {
	var wg sync.WaitGroup
	cp := func(dst, src io.ReadWriteCloser, n *int64) {
		defer wg.Done()
		m, _ := io.Copy(dst, src)
		*n = m
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		} else {
			_ = dst.Close()
		}
	}
	wg.Add(2)
	go cp(b, a, &aToB)
	cp(a, b, &bToA)
	wg.Wait()
	_ = a.Close()
	_ = b.Close()
	return aToB, bToA
}
