package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hpe-storage/truenas-csp/internal/backend"
	"github.com/hpe-storage/truenas-csp/internal/config"
	"github.com/hpe-storage/truenas-csp/internal/csp"
	"github.com/hpe-storage/truenas-csp/pkg/logging"
)

// APIHandlers contains all CSP route handlers
type APIHandlers struct {
	cfg    *config.Config
	logger *logging.Logger
	locks  *csp.LockTable
}

// NewAPIHandlers creates new CSP handlers sharing one lock table.
// The lock observer may be nil.
func NewAPIHandlers(cfg *config.Config, logger *logging.Logger, observer csp.LockObserver) *APIHandlers {
	return &APIHandlers{
		cfg:    cfg,
		logger: logger,
		locks:  csp.NewLockTable(observer),
	}
}

// service builds the request-scoped CSP service from the backend
// client the token middleware attached.
func (h *APIHandlers) service(c *gin.Context) *csp.Service {
	return csp.NewService(clientFrom(c), h.cfg, h.logger, h.locks)
}

// tokenResponse is the Tokens POST reply.
type tokenResponse struct {
	ID           string `json:"id"`
	SessionToken string `json:"session_token"`
	ArrayIP      string `json:"array_ip"`
	Username     string `json:"username"`
	CreationTime int64  `json:"creation_time"`
	ExpiryTime   int64  `json:"expiry_time"`
}

// PostToken validates credentials and the portal configuration, then
// echoes the credential back as a session token. The CSP contract has
// no server-side session state.
func (h *APIHandlers) PostToken(c *gin.Context) {
	client := clientFrom(c)

	portal, err := client.FindOne(c.Request.Context(), "iscsi/portal", &backend.Lookup{
		Field: "comment",
		Value: h.cfg.ISCSI.PortalComment,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if portal == nil {
		writeError(c, h.logger, csp.ErrUnconfigured(
			"No iSCSI portal with comment %s found", h.cfg.ISCSI.PortalComment))
		return
	}

	var username string
	if body, ok := c.Get("csp_token_request"); ok {
		if req, ok := body.(*tokenRequest); ok {
			username = req.Username
		}
	}

	now := time.Now().Unix()
	c.JSON(http.StatusOK, tokenResponse{
		ID:           strconv.FormatInt(now, 10),
		SessionToken: client.Token(),
		ArrayIP:      client.Host(),
		Username:     username,
		CreationTime: now,
		ExpiryTime:   now + 86400,
	})

	h.logger.Info("Token created (not logged)")
}

// DeleteToken releases a token. Tokens are stateless, so this is a
// no-op acknowledgement.
func (h *APIHandlers) DeleteToken(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// PostHost registers or updates a host initiator group
func (h *APIHandlers) PostHost(c *gin.Context) {
	var req csp.HostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, csp.ErrBadRequest("%s", err))
		return
	}

	host, err := h.service(c).ApplyHost(c.Request.Context(), &req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, host)
}

// DeleteHost removes a host initiator group
func (h *APIHandlers) DeleteHost(c *gin.Context) {
	status, err := h.service(c).DeleteHost(c.Request.Context(), c.Param("host_id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.Status(status)
}

// GetVolumes looks volumes up by leaf name
func (h *APIHandlers) GetVolumes(c *gin.Context) {
	volumes, err := h.service(c).ListVolumes(c.Request.Context(), c.Query("name"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, volumes)
}

// PostVolume creates or clones a volume
func (h *APIHandlers) PostVolume(c *gin.Context) {
	var req csp.VolumeCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, csp.ErrBadRequest("%s", err))
		return
	}

	volume, err := h.service(c).CreateVolume(c.Request.Context(), &req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, volume)
}

// GetVolume inspects one volume
func (h *APIHandlers) GetVolume(c *gin.Context) {
	volume, err := h.service(c).GetVolume(c.Request.Context(), c.Param("volume_id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, volume)
}

// PutVolume mutates the allowed volume fields
func (h *APIHandlers) PutVolume(c *gin.Context) {
	var req csp.VolumeUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, csp.ErrBadRequest("%s", err))
		return
	}

	volume, err := h.service(c).UpdateVolume(c.Request.Context(), c.Param("volume_id"), &req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, volume)
}

// DeleteVolume removes an unpublished, non-busy volume
func (h *APIHandlers) DeleteVolume(c *gin.Context) {
	if err := h.service(c).DeleteVolume(c.Request.Context(), c.Param("volume_id")); err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// PublishVolume attaches a host to a volume
func (h *APIHandlers) PublishVolume(c *gin.Context) {
	var req csp.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, csp.ErrBadRequest("%s", err))
		return
	}

	result, err := h.service(c).Publish(c.Request.Context(), c.Param("volume_id"), &req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// UnpublishVolume detaches a host from a volume
func (h *APIHandlers) UnpublishVolume(c *gin.Context) {
	var req csp.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, csp.ErrBadRequest("%s", err))
		return
	}

	if err := h.service(c).Unpublish(c.Request.Context(), c.Param("volume_id"), &req); err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// PostSnapshot creates a snapshot, idempotently
func (h *APIHandlers) PostSnapshot(c *gin.Context) {
	var req csp.SnapshotCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, csp.ErrBadRequest("%s", err))
		return
	}

	snapshot, err := h.service(c).CreateSnapshot(c.Request.Context(), &req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// GetSnapshots looks a snapshot up by name or lists a volume's
// snapshots
func (h *APIHandlers) GetSnapshots(c *gin.Context) {
	snapshots, err := h.service(c).ListSnapshots(c.Request.Context(),
		c.Query("name"), c.Query("volume_id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	h.logger.Debug("Snapshots found", zap.Int("count", len(snapshots)))
	c.JSON(http.StatusOK, snapshots)
}

// GetSnapshot inspects one snapshot
func (h *APIHandlers) GetSnapshot(c *gin.Context) {
	snapshot, err := h.service(c).GetSnapshot(c.Request.Context(), c.Param("snapshot_id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// DeleteSnapshot removes a snapshot, clone-aware
func (h *APIHandlers) DeleteSnapshot(c *gin.Context) {
	if err := h.service(c).DeleteSnapshot(c.Request.Context(), c.Param("snapshot_id")); err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.Status(http.StatusNoContent)
}
