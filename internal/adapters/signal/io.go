package signal

import (
	"context"
	"time"

	"github.com/dkeye/TutorRTC/internal/app/orch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

// readPump feeds frames to the multiplexer until the socket fails or is
// closed, then disconnects.
func (ctl *SignalWSController) readPump(mc *orch.Connection, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", mc.ID).Msg("readPump closing")
		ctl.Mux.Disconnect(mc)
		if ctl.opts.Limiter != nil && len(ctl.Mux.Hub.Of(mc.Owner)) == 0 {
			ctl.opts.Limiter.Forget(mc.Owner)
		}
	}()

	pongWait := 2 * ctl.opts.PingPeriod
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", mc.ID).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if ctl.opts.Limiter != nil && !ctl.opts.Limiter.Allow(mc.Owner) {
			ctl.handleRateLimited(mc)
			continue
		}
		ctl.Mux.OnMessage(mc, data)
	}
}
