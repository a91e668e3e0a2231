package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrUnhandledType tells the reader loop a frame is not a registered
// command and should go down the relay path instead.
var ErrUnhandledType = errors.New("unhandled message type")

// internal (untyped) handler signature.
type rawHandler func(ctx context.Context, c *ConnContext, body json.RawMessage) error

// Router keeps a map[type]handler, à-la gin.Engine.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]rawHandler
}

func NewRouter() *Router { return &Router{handlers: make(map[string]rawHandler)} }

// Register binds a message type to a strongly-typed handler.
func Register[Req any](
	r *Router,
	msgType string,
	h func(ctx context.Context, c *ConnContext, req Req) error,
) {
	if msgType == "" {
		panic("ws router: empty message type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[msgType] = func(ctx context.Context, c *ConnContext, body json.RawMessage) error {
		var req Req
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return err
			}
		}
		return h(ctx, c, req)
	}
}

// dispatch is called by the server's reader loop with the whole raw
// frame; handler request structs pick their fields from the top level.
func (r *Router) dispatch(ctx context.Context, c *ConnContext, msgType string, raw json.RawMessage) error {
	r.mu.RLock()
	h, ok := r.handlers[msgType]
	r.mu.RUnlock()
	if !ok {
		return ErrUnhandledType
	}
	return h(ctx, c, raw)
}
