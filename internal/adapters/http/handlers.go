package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Whiteboard/internal/app/orch"
	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/domain"
)

type handlers struct {
	orch  *orch.Orchestrator
	store core.Store
}

type CreateRoomRequest struct {
	ID string `json:"id"`
}

type RoomResponse struct {
	ID          domain.RoomID `json:"id"`
	Owner       domain.UserID `json:"owner,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	ActiveUsers int           `json:"activeUsers"`
}

type CanvasBody struct {
	CanvasState json.RawMessage `json:"canvasState"`
}

func errorJSON(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

func caller(c *gin.Context) domain.UserID {
	return domain.UserID(c.GetString("client_token"))
}

func roomParam(c *gin.Context) (domain.RoomID, bool) {
	id, err := domain.ParseRoomID(c.Param("id"))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
}

func (h *handlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Stats())
}

func (h *handlers) createRoom(c *gin.Context) {
	var req CreateRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid body")
			return
		}
	}
	raw := req.ID
	if strings.TrimSpace(raw) == "" {
		raw = strings.Split(uuid.NewString(), "-")[0]
	}
	id, err := domain.ParseRoomID(raw)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.orch.CreateRoom(c.Request.Context(), id, caller(c))
	switch {
	case errors.Is(err, domain.ErrRoomExists):
		errorJSON(c, http.StatusConflict, "room already exists")
		return
	case err != nil:
		log.Error().Str("module", "adapters.http").Str("room", string(id)).Err(err).Msg("create room")
		errorJSON(c, http.StatusInternalServerError, "failed to create room")
		return
	}

	// The session remembers the last room this client created.
	sess := sessions.Default(c)
	sess.Set("last_room", string(rec.ID))
	if err := sess.Save(); err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("session save")
	}

	c.JSON(http.StatusCreated, RoomResponse{ID: rec.ID, Owner: rec.Owner, CreatedAt: rec.CreatedAt})
}

func (h *handlers) load(c *gin.Context, id domain.RoomID) (*domain.Record, bool) {
	rec, err := h.store.Load(c.Request.Context(), id)
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		errorJSON(c, http.StatusNotFound, "room not found")
		return nil, false
	case err != nil:
		log.Error().Str("module", "adapters.http").Str("room", string(id)).Err(err).Msg("load room")
		errorJSON(c, http.StatusServiceUnavailable, "room unavailable")
		return nil, false
	}
	return rec, true
}

func (h *handlers) getRoom(c *gin.Context) {
	id, ok := roomParam(c)
	if !ok {
		return
	}
	rec, ok := h.load(c, id)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, RoomResponse{
		ID:          rec.ID,
		Owner:       rec.Owner,
		CreatedAt:   rec.CreatedAt,
		ActiveUsers: h.orch.ActiveUsers(id),
	})
}

func (h *handlers) getCanvas(c *gin.Context) {
	id, ok := roomParam(c)
	if !ok {
		return
	}
	// A loaded room's canvas is newer than the store's until it is checkpointed.
	if canvas, live := h.orch.Canvas(id); live && len(canvas) > 0 {
		c.JSON(http.StatusOK, CanvasBody{CanvasState: canvas})
		return
	}
	rec, ok := h.load(c, id)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, CanvasBody{CanvasState: orNull(rec.Canvas)})
}

func (h *handlers) putCanvas(c *gin.Context) {
	id, ok := roomParam(c)
	if !ok {
		return
	}
	var body CanvasBody
	if err := c.ShouldBindJSON(&body); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid canvas data")
		return
	}
	var dataURL string
	if err := json.Unmarshal(body.CanvasState, &dataURL); err != nil || !strings.HasPrefix(dataURL, "data:image/") {
		errorJSON(c, http.StatusBadRequest, "invalid canvas data")
		return
	}

	ctx := c.Request.Context()
	err := h.store.Save(ctx, id, body.CanvasState)
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		errorJSON(c, http.StatusNotFound, "room not found")
		return
	case err != nil:
		log.Error().Str("module", "adapters.http").Str("room", string(id)).Err(err).Msg("save canvas")
		errorJSON(c, http.StatusServiceUnavailable, "room unavailable")
		return
	}
	if user := caller(c); user != "" {
		if err := h.store.AddMember(ctx, id, user); err != nil {
			log.Warn().Str("module", "adapters.http").Str("room", string(id)).Err(err).Msg("add member")
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "canvas saved"})
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
