package ws

import (
	"coderoomgo/internal/services/session"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 12 * time.Second
	pingPeriod = 3 * time.Second // must be < pongWait

	maxFrameSize = 256 * 1024 // code buffers travel whole
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true }, // dev-only
}

// ConnContext identifies one participant connection for the router
// handlers.
type ConnContext struct {
	RoomID   string
	Username string
	Addr     string
	Conn     *clientConn
}

type WsServer struct {
	registry   *Registry
	subMgr     *subscriptionManager
	router     *Router
	pub        publisher
	sessionSvc session.ISessionService
}

func NewWsServer(registry *Registry, rdc *redis.Client, sessionSvc session.ISessionService) *WsServer {
	srv := &WsServer{
		registry:   registry,
		subMgr:     newSubscriptionManager(rdc, registry),
		router:     NewRouter(),
		pub:        redisPublisher{rdc: rdc},
		sessionSvc: sessionSvc,
	}
	srv.registerHandlers() // ← all WS commands configured here
	return srv
}

// ---------------------------------------------------------------------------
//  Public: Gin entry-point
// ---------------------------------------------------------------------------

func (s *WsServer) Handle(ginCtx *gin.Context) {
	sessionID := ginCtx.Query("session_id")
	username := ginCtx.Query("username")
	if sessionID == "" || username == "" {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": "session_id and username are required"})
		return
	}
	addr := clientAddr(ginCtx.Request)

	rawConn, err := upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.upgrade", zap.Error(err))
		return
	}
	rawConn.SetReadLimit(maxFrameSize)

	// ─────────────────── Client joined ────────────────────────
	wsConn := &clientConn{rawConn: rawConn}
	reqCtx := ginCtx.Request.Context()
	if !s.registry.Join(reqCtx, sessionID, username, addr, wsConn) {
		_ = wsConn.writeJSON(Notice{Type: "banned"})
		_ = wsConn.close()
		return
	}
	s.subMgr.Subscribe(sessionID) // may be a no-op (already subscribed)

	s.publishRoster(reqCtx, sessionID)
	s.updateParticipantCount(reqCtx, sessionID)

	// Initial snapshot.
	if err := s.pushInitialSnapshot(reqCtx, sessionID, wsConn); err != nil &&
		!errors.Is(err, session.ErrSessionNotFound) {
		zap.L().Warn("ws.snapshot", zap.Error(err))
	}

	cc := &ConnContext{RoomID: sessionID, Username: username, Addr: addr, Conn: wsConn}
	go s.reader(cc)
	go s.pinger(wsConn)
}

// ---------------------------------------------------------------------------
//  Command handlers (owner-only moderation)
// ---------------------------------------------------------------------------

func (s *WsServer) registerHandlers() {
	// 🔹 kick_user ------------------------------------------------------------
	Register(s.router, "kick_user",
		func(ctx context.Context, cc *ConnContext, req ModerationBody) error {
			if !s.ownerGate(cc, "kick") {
				return nil
			}
			conn, _, ok := s.registry.Resolve(cc.RoomID, req.TargetUser)
			if !ok {
				return nil
			}
			// Notice first, then hard close: cleanup runs through the
			// reader's disconnect path either way.
			_ = conn.writeJSON(Notice{Type: "kicked"})
			_ = conn.close()
			zap.L().Info("ws.kicked",
				zap.String("room", cc.RoomID),
				zap.String("target", req.TargetUser),
				zap.String("by", cc.Username),
			)
			return nil
		},
	)

	// 🔹 ban_user -------------------------------------------------------------
	Register(s.router, "ban_user",
		func(ctx context.Context, cc *ConnContext, req ModerationBody) error {
			if !s.ownerGate(cc, "ban") {
				return nil
			}
			conn, addr, ok := s.registry.Resolve(cc.RoomID, req.TargetUser)
			if !ok {
				return nil
			}
			if err := s.sessionSvc.AddBannedAddress(ctx, cc.RoomID, addr); err != nil {
				zap.L().Error("ws.ban_persist", zap.String("room", cc.RoomID), zap.Error(err))
			}
			_ = conn.writeJSON(Notice{Type: "banned"})
			_ = conn.close()
			zap.L().Info("ws.banned",
				zap.String("room", cc.RoomID),
				zap.String("target", req.TargetUser),
				zap.String("addr", addr),
				zap.String("by", cc.Username),
			)
			return nil
		},
	)

	// 🔹 mute_user / unmute_user ----------------------------------------------
	Register(s.router, "mute_user",
		func(ctx context.Context, cc *ConnContext, req ModerationBody) error {
			if !s.ownerGate(cc, "mute") || req.TargetUser == "" {
				return nil
			}
			if err := s.sessionSvc.AddMutedUser(ctx, cc.RoomID, req.TargetUser); err != nil {
				zap.L().Error("ws.mute_persist", zap.String("room", cc.RoomID), zap.Error(err))
				return nil
			}
			s.publishJSON(ctx, cc.RoomID, MuteNotice{Type: "user_muted", Username: req.TargetUser})
			s.publishRoster(ctx, cc.RoomID)
			return nil
		},
	)
	Register(s.router, "unmute_user",
		func(ctx context.Context, cc *ConnContext, req ModerationBody) error {
			if !s.ownerGate(cc, "unmute") || req.TargetUser == "" {
				return nil
			}
			if err := s.sessionSvc.RemoveMutedUser(ctx, cc.RoomID, req.TargetUser); err != nil {
				zap.L().Error("ws.unmute_persist", zap.String("room", cc.RoomID), zap.Error(err))
				return nil
			}
			s.publishJSON(ctx, cc.RoomID, MuteNotice{Type: "user_unmuted", Username: req.TargetUser})
			s.publishRoster(ctx, cc.RoomID)
			return nil
		},
	)

	// 🔹 close_room -----------------------------------------------------------
	Register(s.router, "close_room",
		func(ctx context.Context, cc *ConnContext, _ struct{}) error {
			if !s.ownerGate(cc, "close") {
				return nil
			}
			if err := s.sessionSvc.DeleteSession(ctx, cc.RoomID); err != nil {
				zap.L().Error("ws.close_delete", zap.String("room", cc.RoomID), zap.Error(err))
			}
			// Every participant disconnects on this notice, which
			// empties the in-memory room through the Leave path.
			s.publishJSON(ctx, cc.RoomID, Notice{Type: "room_closed"})
			zap.L().Info("ws.room_closed", zap.String("room", cc.RoomID), zap.String("by", cc.Username))
			return nil
		},
	)
}

// ownerGate drops non-owner moderation attempts silently: the controls
// are not even offered to non-owners in a correct client, so this is
// defense-in-depth, logged but never surfaced.
func (s *WsServer) ownerGate(cc *ConnContext, action string) bool {
	if s.registry.IsOwner(cc.RoomID, cc.Username) {
		return true
	}
	zap.L().Warn("ws.non_owner_moderation",
		zap.String("room", cc.RoomID),
		zap.String("user", cc.Username),
		zap.String("action", action),
	)
	return false
}

// ---------------------------------------------------------------------------
//  Private helpers
// ---------------------------------------------------------------------------

// relay is the default path for non-command frames: last-writer-wins
// broadcast of the raw payload. A muted sender's code_update is
// dropped without broadcast or persistence.
func (s *WsServer) relay(ctx context.Context, cc *ConnContext, msgType string, raw []byte) error {
	if msgType == "code_update" {
		muted, err := s.sessionSvc.IsMuted(ctx, cc.RoomID, cc.Username)
		if err != nil {
			zap.L().Warn("ws.mute_check", zap.String("room", cc.RoomID), zap.Error(err))
		}
		if muted {
			zap.L().Warn("ws.muted_update_dropped",
				zap.String("room", cc.RoomID),
				zap.String("user", cc.Username),
			)
			return nil
		}
		var body CodeUpdateBody
		if err := json.Unmarshal(raw, &body); err == nil {
			_ = s.sessionSvc.TouchCode(ctx, cc.RoomID, body.Code, body.Language)
		}
	}
	return s.pub.publish(ctx, cc.RoomID, raw)
}

func (s *WsServer) publishRoster(ctx context.Context, roomID string) {
	parts, owner, ok := s.registry.Snapshot(roomID)
	if !ok {
		return // room already gone
	}
	s.publishJSON(ctx, roomID, ParticipantsUpdate{
		Type:         "participants_update",
		Participants: parts,
		Owner:        owner,
	})
}

func (s *WsServer) publishJSON(ctx context.Context, roomID string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		zap.L().Error("ws.marshal_event", zap.Error(err))
		return
	}
	if err := s.pub.publish(ctx, roomID, payload); err != nil {
		zap.L().Warn("ws.publish", zap.String("room", roomID), zap.Error(err))
	}
}

func (s *WsServer) updateParticipantCount(ctx context.Context, roomID string) {
	if err := s.sessionSvc.SetParticipantCount(ctx, roomID, s.registry.Count(roomID)); err != nil {
		zap.L().Debug("ws.participant_count", zap.String("room", roomID), zap.Error(err))
	}
}

func (s *WsServer) pushInitialSnapshot(ctx context.Context, id string, conn *clientConn) error {
	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()

	dto, err := s.sessionSvc.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return conn.writeJSON(SessionSnapshot{
		Type:     "session_snapshot",
		Code:     dto.Code,
		Output:   dto.Output,
		Language: dto.Language,
	})
}

func (s *WsServer) reader(cc *ConnContext) {
	defer func() {
		// Cleanup is unconditional on disconnect: roster removal and
		// ownership transfer never depend on how the conn died.
		s.registry.Leave(cc.RoomID, cc.Username)
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		s.publishRoster(ctx, cc.RoomID)
		s.updateParticipantCount(ctx, cc.RoomID)
		cancel()
		s.subMgr.Unsubscribe(cc.RoomID)
		_ = cc.Conn.close()
	}()

	raw := cc.Conn.rawConn
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return // client closed or errored
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			zap.L().Warn("ws.malformed_frame",
				zap.String("room", cc.RoomID),
				zap.String("user", cc.Username),
			)
			continue // connection stays open
		}

		ctx, cancel := context.WithTimeout(context.Background(), 1900*time.Millisecond)
		err = s.router.dispatch(ctx, cc, env.Type, data)
		if errors.Is(err, ErrUnhandledType) {
			err = s.relay(ctx, cc, env.Type, data)
		}
		cancel()

		if err != nil {
			zap.L().Warn("ws.handle_frame",
				zap.String("type", env.Type),
				zap.String("user", cc.Username),
				zap.Error(err),
			)
		}
	}
}

func (s *WsServer) pinger(conn *clientConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.write(websocket.PingMessage, nil); err != nil {
			_ = conn.close()
			return
		}
	}
}

// clientAddr resolves the participant's address the way the proxy chain
// presents it: X-Forwarded-For first hop, then X-Real-IP, then the
// socket peer.
func clientAddr(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		return strings.TrimSpace(v)
	}
	if v := r.Header.Get("X-Real-IP"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
