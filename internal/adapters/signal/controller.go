// Package signal is the WebSocket transport of the whiteboard engine.
package signal

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Whiteboard/internal/app/orch"
	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/domain"
)

type Config struct {
	ReadLimit    int64
	WriteWait    time.Duration
	SendBuffer   int
	RateLimit    int
	RateInterval time.Duration
}

type Controller struct {
	Orch     *orch.Orchestrator
	cfg      Config
	limiter  *RateLimiter
	upgrader websocket.Upgrader
}

func NewController(o *orch.Orchestrator, clock clockwork.Clock, cfg Config) *Controller {
	return &Controller{
		Orch:    o,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateInterval, clock),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWhiteboard upgrades the request and joins the socket to :roomId.
// A refused join is reported with a close code after the upgrade.
func (ctl *Controller) HandleWhiteboard(c *gin.Context) {
	roomID, parseErr := domain.ParseRoomID(c.Param("roomId"))
	user := domain.UserID(c.GetString("client_token"))

	// The client token cookie set by the session middleware rides on the
	// upgrade response.
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, c.Writer.Header())
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)

	id := core.ConnID(uuid.NewString())
	conn := newWsConn(ws, ctl.cfg)
	go conn.writePump()

	if parseErr != nil {
		log.Warn().Err(parseErr).Str("module", "signal").Str("conn", string(id)).Msg("join refused")
		conn.Close(core.CloseRoomNotFound, "invalid room id")
		return
	}

	sess, code, err := ctl.Orch.Connect(c.Request.Context(), roomID, id, conn, user)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("room", string(roomID)).Str("conn", string(id)).
			Int("code", code).Msg("join refused")
		conn.Close(code, closeReason(err))
		return
	}

	log.Info().Str("module", "signal").Str("room", string(roomID)).Str("conn", string(id)).Msg("ws connected")
	go ctl.readPump(sess, conn)
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, domain.ErrRoomUnavailable):
		return "room unavailable"
	default:
		return "server error"
	}
}
