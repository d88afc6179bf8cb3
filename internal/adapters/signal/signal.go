// Package signal is the WebSocket transport of the connection multiplexer.
package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/TutorRTC/internal/app/orch"
	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer = 32
	defaultReadLimit  = 1 << 20
	defaultPingPeriod = 30 * time.Second
	writeWait         = 5 * time.Second
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	// Limiter is shared by all connections of an owner. Nil disables rate limiting.
	Limiter *OwnerRateLimiter
}

type SignalWSController struct {
	Mux  *orch.Mux
	opts Options
}

func NewSignalWSController(mux *orch.Mux, opts Options) *SignalWSController {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	return &SignalWSController{Mux: mux, opts: opts}
}

// WsSignalConn is a core.SignalConnection over a gorilla websocket. Frames
// are queued and written by a single write pump.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
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

// HandleSignal upgrades GET /ws/:connection_id?token=... and runs the pumps.
// A rejected token closes the socket with 1008 before anything is read.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	rawID := c.Param("connection_id")
	token := domain.Token(c.Query("token"))
	log.Info().Str("module", "signal").Str("conn", rawID).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := newWsSignalConn(ws, ctl.opts.SendBuffer)
	mc, err := ctl.Mux.Connect(rawID, token, conn)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", rawID).Msg("ws auth rejected")
		rejectPolicy(ws, "invalid or expired token")
		conn.Close()
		return
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(mc, conn)
}
