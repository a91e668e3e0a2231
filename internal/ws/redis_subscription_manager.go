package ws

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

func roomEventsChannel(roomID string) string { return "room:" + roomID + ":events" }

// publisher is the room channel's send side. Production publishes to
// Redis so every instance sees the same ordered stream; tests swap in a
// capture.
type publisher interface {
	publish(ctx context.Context, roomID string, payload []byte) error
}

type redisPublisher struct {
	rdc *redis.Client
}

func (p redisPublisher) publish(ctx context.Context, roomID string, payload []byte) error {
	return p.rdc.Publish(ctx, roomEventsChannel(roomID), payload).Err()
}

// subscriptionManager guarantees that we have **exactly one** Redis
// subscription per "room:<id>:events" channel ― no matter how many
// websocket clients join the same room on this instance.
type subscriptionManager struct {
	rdc      *redis.Client
	registry *Registry
	mu       sync.Mutex
	subs     map[string]*subEntry // roomID ➜ subscription data
}

type subEntry struct {
	refCnt int
	cancel context.CancelFunc
}

func newSubscriptionManager(rdc *redis.Client, registry *Registry) *subscriptionManager {
	return &subscriptionManager{
		rdc:      rdc,
		registry: registry,
		subs:     make(map[string]*subEntry),
	}
}

// Subscribe ensures that the process is subscribed to the room's
// channel; subsequent calls for the same room only increment the
// ref-counter.
func (sm *subscriptionManager) Subscribe(roomID string) {
	sm.mu.Lock()
	if e, ok := sm.subs[roomID]; ok {
		e.refCnt++
		sm.mu.Unlock()
		return
	}

	// First consumer → create Redis SUB and fan-out loop.
	ctx, cancel := context.WithCancel(context.Background())
	ps := sm.rdc.Subscribe(ctx, roomEventsChannel(roomID))

	sm.subs[roomID] = &subEntry{refCnt: 1, cancel: cancel}
	sm.mu.Unlock()

	go func() {
		defer ps.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ps.Channel():
				if !ok { // Redis connection closed.
					return
				}
				// Payloads are already complete client frames; the
				// single channel per room keeps their order.
				sm.registry.Deliver(roomID, []byte(m.Payload))
			}
		}
	}()
}

// Unsubscribe decrements the ref-counter and tears the Redis SUB down
// when the last websocket client leaves the room on this instance.
func (sm *subscriptionManager) Unsubscribe(roomID string) {
	sm.mu.Lock()
	e, ok := sm.subs[roomID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	e.refCnt--
	if e.refCnt > 0 {
		sm.mu.Unlock()
		return
	}
	delete(sm.subs, roomID)
	sm.mu.Unlock()

	// Outside the lock → stop the fan-out goroutine.
	e.cancel()
}
