package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"verse-sync/internal/auth"
	"verse-sync/internal/logging"
	"verse-sync/internal/middleware"
	"verse-sync/internal/protocol"
	"verse-sync/internal/repos"
	"verse-sync/internal/services"
)

// maxBodyBytes caps a sync request body.
const maxBodyBytes = 16 << 20

type SyncHandler struct {
	svc    *services.SyncService
	issuer *auth.Issuer
	logger *logging.Logger
}

func NewSyncHandler(svc *services.SyncService, issuer *auth.Issuer, logger *logging.Logger) *SyncHandler {
	return &SyncHandler{svc: svc, issuer: issuer, logger: logger}
}

func (h *SyncHandler) Sync(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorBody{Error: "invalid_request", Message: "body too large or unreadable"})
		return
	}
	req, err := protocol.DecodeRequest(body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp, err := h.svc.Sync(c.Request.Context(), userID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Debugf("sync user=%s device=%s pushed=%d returned=%d syncedAt=%d",
		userID, req.DeviceID, len(req.Changes), len(resp.Changes), resp.SyncedAt)
	c.JSON(http.StatusOK, resp)
}

func (h *SyncHandler) Refresh(c *gin.Context) {
	if !h.issuer.Enabled() {
		c.JSON(http.StatusNotFound, protocol.ErrorBody{Error: "not_found", Message: "token auth is disabled"})
		return
	}
	var body protocol.RefreshRequest
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.RefreshToken) == "" {
		c.JSON(http.StatusBadRequest, protocol.ErrorBody{Error: "invalid_request", Message: "refreshToken is required"})
		return
	}
	pair, err := h.issuer.Refresh(body.RefreshToken)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h *SyncHandler) Cursors(c *gin.Context) {
	cursors, err := h.svc.ListCursors(c.Request.Context(), middleware.UserIDFromContext(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.CursorsResponse{Cursors: cursors})
}

func (h *SyncHandler) writeError(c *gin.Context, err error) {
	var invalid *protocol.ValidationError
	var authErr *auth.Error
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, protocol.ErrorBody{Error: "invalid_request", Message: invalid.Message})
	case errors.As(err, &authErr):
		c.JSON(authErr.Status, protocol.ErrorBody{Error: authErr.Code, Message: authErr.Message})
	case errors.Is(err, repos.ErrNotFound):
		c.JSON(http.StatusNotFound, protocol.ErrorBody{Error: "not_found"})
	default:
		h.logger.Errorf("request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, protocol.ErrorBody{Error: "internal_error"})
	}
}
