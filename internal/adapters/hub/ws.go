package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

// WsController serves the channel endpoint.
type WsController struct {
	Hub        *Hub
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleChannel upgrades /api/ws/channel?topic=...&participant=... and runs the pumps.
func (ctl *WsController) HandleChannel(ctx context.Context, c *gin.Context) {
	topic := c.Query("topic")
	participant := domain.ParticipantID(c.Query("participant"))
	if topic == "" || participant == "" || len(participant) > domain.MaxParticipantIDLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic and participant are required"})
		return
	}
	sid := core.SessionID(c.GetString("client_token") + "/" + string(participant))
	log.Info().Str("module", "hub.ws").Str("sid", string(sid)).Str("topic", topic).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "hub.ws").Msg("ws upgrade")
		return
	}
	buf := ctl.SendBuffer
	if buf <= 0 {
		buf = 32
	}
	conn := &wsConn{conn: ws, send: make(chan core.Frame, buf)}

	ctx, cancel := context.WithCancel(ctx)
	ms := core.NewMemberSession(participant, conn)
	ctl.Hub.Join(sid, topic, ms, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}

func (ctl *WsController) pingPeriod() time.Duration {
	if ctl.PingPeriod <= 0 {
		return 54 * time.Second
	}
	return ctl.PingPeriod
}

func (ctl *WsController) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(ctl.pingPeriod())
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "hub.ws").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "hub.ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "hub.ws").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "hub.ws").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *WsController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "hub.ws").Str("sid", string(sid)).Msg("readPump closing")
		ctl.Hub.Leave(sid)
		cancel()
		c.Close()
	}()

	if ctl.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.ReadLimit)
	}
	pongWait := ctl.pingPeriod() * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "hub.ws").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleFrame(sid, c, data)
		}
	}
}

func (ctl *WsController) handleFrame(sid core.SessionID, c *wsConn, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn().Err(err).Str("module", "hub.ws").Msg("bad json")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch f.Type {
	case FrameTrack:
		if f.Record == nil {
			ctl.sendError(c, "bad_payload")
			return
		}
		if err := ctl.Hub.Track(sid, *f.Record); err != nil {
			ctl.sendError(c, errorCode(err))
		}
	case FrameUntrack:
		ctl.Hub.Untrack(sid)
	case FrameBroadcast:
		if f.Event == "" {
			ctl.sendError(c, "bad_payload")
			return
		}
		if err := ctl.Hub.Publish(sid, f.Event, f.Payload); err != nil {
			ctl.sendError(c, errorCode(err))
		}
	case FramePing:
		_ = c.TrySend(encode(Frame{Type: FramePong}))
	default:
		log.Warn().Str("module", "hub.ws").Str("type", f.Type).Msg("unknown frame")
	}
}

func (ctl *WsController) sendError(c *wsConn, msg string) {
	_ = c.TrySend(encode(Frame{Type: FrameError, Error: msg}))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotSubscribed):
		return "not_subscribed"
	case errors.Is(err, domain.ErrPermissionDenied):
		return "permission_denied"
	default:
		return "internal"
	}
}
