package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/mltunnel/internal/obs"
)

// endpointData is the JSON form mirrored into Redis.
type endpointData struct {
	Port      int       `json:"port"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mirror copies every published endpoint change into Redis under an
// instance-scoped key so operators and sibling instances can see which server
// instance currently holds the worker. The inner endpoint itself is loopback
// only; the mirror is informational, never used for routing.
type Mirror struct {
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration
}

func NewMirror(addr, password string, db int) (*Mirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Mirror{
		client:     rdb,
		instanceID: fmt.Sprintf("mltunnel-%d", time.Now().UnixNano()),
		keyTTL:     24 * time.Hour,
	}, nil
}

func (m *Mirror) key() string { return "mltunnel:endpoint:" + m.instanceID }

// Run subscribes to st and mirrors updates until ctx is cancelled. The mirror
// key is removed on exit so a crashed-but-drained instance does not advertise
// a dead endpoint past the TTL.
func (m *Mirror) Run(ctx context.Context, st *TunnelState) {
	updates, cancel := st.Subscribe()
	defer cancel()
	if ep, ok := st.Get(); ok {
		m.write(&ep)
	}
	for {
		select {
		case <-ctx.Done():
			m.clear()
			return
		case u, ok := <-updates:
			if !ok {
				m.clear()
				return
			}
			m.write(u.Endpoint)
		}
	}
}

func (m *Mirror) write(ep *Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ep == nil {
		if err := m.client.Del(ctx, m.key()).Err(); err != nil {
			obs.Error("redis.mirror.del", obs.Fields{"err": err.Error()})
		}
		return
	}
	data, err := json.Marshal(endpointData{Port: ep.Port, UpdatedAt: time.Now().UTC()})
	if err != nil {
		obs.Error("redis.mirror.marshal", obs.Fields{"err": err.Error()})
		return
	}
	if err := m.client.Set(ctx, m.key(), data, m.keyTTL).Err(); err != nil {
		obs.Error("redis.mirror.set", obs.Fields{"err": err.Error()})
	}
}

func (m *Mirror) clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.client.Del(ctx, m.key()).Err(); err != nil {
		obs.Error("redis.mirror.cleanup", obs.Fields{"err": err.Error()})
	}
	_ = m.client.Close()
}
