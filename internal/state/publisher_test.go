package state

import (
	"testing"
	"time"
)

func TestGetBeforeAnyPublish(t *testing.T) {
	st := NewTunnelState()
	if _, ok := st.Get(); ok {
		t.Fatal("expected no endpoint before any publish")
	}
}

func TestSetAndClear(t *testing.T) {
	st := NewTunnelState()
	st.Set(&Endpoint{Port: 43210})
	ep, ok := st.Get()
	if !ok || ep.Port != 43210 {
		t.Fatalf("expected port 43210, got %v ok=%v", ep, ok)
	}
	st.Set(nil)
	if _, ok := st.Get(); ok {
		t.Fatal("expected endpoint to be cleared")
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	st := NewTunnelState()
	updates, cancel := st.Subscribe()
	defer cancel()

	st.Set(&Endpoint{Port: 1234})
	select {
	case u := <-updates:
		if u.Endpoint == nil || u.Endpoint.Port != 1234 {
			t.Fatalf("unexpected update: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	st.Set(nil)
	select {
	case u := <-updates:
		if u.Endpoint != nil {
			t.Fatalf("expected clear update, got %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no clear update delivered")
	}
}

func TestLastWriteWins(t *testing.T) {
	st := NewTunnelState()
	updates, cancel := st.Subscribe()
	defer cancel()

	// A slow subscriber must only ever see the latest value.
	st.Set(&Endpoint{Port: 1})
	st.Set(&Endpoint{Port: 2})
	st.Set(&Endpoint{Port: 3})

	select {
	case u := <-updates:
		if u.Endpoint == nil || u.Endpoint.Port != 3 {
			t.Fatalf("expected latest update (port 3), got %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
	select {
	case u := <-updates:
		t.Fatalf("stale update delivered: %+v", u)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	st := NewTunnelState()
	updates, cancel := st.Subscribe()
	cancel()
	cancel() // must be safe to call twice
	if _, ok := <-updates; ok {
		t.Fatal("expected channel to be closed after cancel")
	}
	// Further publishes must not panic with the subscription gone.
	st.Set(&Endpoint{Port: 9})
}

func TestGetReturnsCopy(t *testing.T) {
	st := NewTunnelState()
	st.Set(&Endpoint{Port: 7})
	ep, _ := st.Get()
	ep.Port = 99
	again, _ := st.Get()
	if again.Port != 7 {
		t.Fatalf("published value mutated through a reader copy: %d", again.Port)
	}
}
