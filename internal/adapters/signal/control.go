package signal

import (
	"time"

	"github.com/dkeye/TutorRTC/internal/app/orch"
	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/dkeye/TutorRTC/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// rejectPolicy sends a policy violation close frame.
func rejectPolicy(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("write close frame")
	}
}

func (ctl *SignalWSController) handleRateLimited(mc *orch.Connection) {
	log.Warn().Str("module", "signal").Str("conn", mc.ID).Str("owner", string(mc.Owner)).Msg("rate limited")
	mc.Send(protocol.NewError("", domain.NewStageError(domain.StageProtocol, ErrRateLimited)))
}
