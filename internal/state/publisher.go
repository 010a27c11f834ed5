package state

import (
	"sync"
)

// Endpoint describes the local listener through which the attached worker is
// reachable. Always loopback; only the port varies per session.
type Endpoint struct {
	Port int `json:"port"`
}

// Update is delivered to subscribers on every publish. Endpoint is nil when no
// worker is attached.
type Update struct {
	Endpoint *Endpoint
}

// TunnelState holds the single process-wide published tunnel endpoint.
// Writers are session lifecycle transitions only; readers are arbitrary
// internal callers. Only the latest value matters (last-write-wins), so
// subscriber channels have capacity one and a pending stale update is dropped
// when a newer one arrives.
type TunnelState struct {
	mu     sync.Mutex
	ep     *Endpoint
	nextID int
	subs   map[int]chan Update
}

func NewTunnelState() *TunnelState {
	return &TunnelState{subs: make(map[int]chan Update)}
}

// Set publishes a new endpoint (nil means "no worker attached") and notifies
// all current subscribers.
func (s *TunnelState) Set(ep *Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep != nil {
		cp := *ep
		s.ep = &cp
	} else {
		s.ep = nil
	}
	for _, ch := range s.subs {
		u := Update{}
		if s.ep != nil {
			cp := *s.ep
			u.Endpoint = &cp
		}
		select {
		case ch <- u:
		default:
			// Subscriber has not consumed the previous update; replace it.
			select {
			case <-ch:
			default:
			}
			ch <- u
		}
	}
}

// Get returns the latest published endpoint without blocking.
func (s *TunnelState) Get() (Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ep == nil {
		return Endpoint{}, false
	}
	return *s.ep, true
}

// Subscribe registers an observer. The returned cancel func must be called to
// release the subscription; after cancel the channel is closed.
func (s *TunnelState) Subscribe() (<-chan Update, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Update, 1)
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}
