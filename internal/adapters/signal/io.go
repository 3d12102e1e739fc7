package signal

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Whiteboard/internal/app"
	"github.com/dkeye/Whiteboard/internal/protocol"
)

func (c *WsConn) writePump() {
	defer func() { _ = c.conn.Close() }()
	for {
		select {
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Terminate()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Terminate()
				return
			}
		case <-c.ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping error")
				c.Terminate()
				return
			}
		case <-c.quit:
			if msg := c.closeMessage(); msg != nil {
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
			}
			return
		}
	}
}

// readPump decodes frames one at a time, so a connection's messages reach
// the room in the order they were sent.
func (ctl *Controller) readPump(sess *app.Session, c *WsConn) {
	var cause error
	defer func() {
		ctl.limiter.Forget(sess.ID)
		ctl.Orch.OnDisconnect(sess, cause)
		log.Info().Str("module", "signal").Str("conn", string(sess.ID)).Msg("readPump closing")
	}()

	c.conn.SetPongHandler(func(string) error {
		sess.Ack()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cause = err
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(sess.ID)).Msg("readPump read error")
			}
			return
		}
		if !ctl.limiter.Allow(sess.ID) {
			log.Warn().Str("module", "signal").Str("conn", string(sess.ID)).Msg("rate limited, message dropped")
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("conn", string(sess.ID)).Msg("bad message")
			continue
		}
		ctl.Orch.OnMessage(sess, msg)
	}
}
