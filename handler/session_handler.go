package handler

import (
	"errors"
	"io"

	"accountguard/config"
	"accountguard/dto"
	"accountguard/middleware"
	"accountguard/model"
	"accountguard/services"
	"accountguard/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type DeviceSessionHandler struct {
	sessions *services.DeviceSessionService
	gate     *stepUpGate
	cfg      config.SessionConfig
	log      *zap.Logger
}

func NewDeviceSessionHandler(sessions *services.DeviceSessionService, policy *services.PolicyEngine, dispatcher *services.Dispatcher, cfg config.SessionConfig, log *zap.Logger) *DeviceSessionHandler {
	return &DeviceSessionHandler{
		sessions: sessions,
		gate:     &stepUpGate{policy: policy, dispatcher: dispatcher},
		cfg:      cfg,
		log:      log,
	}
}

// bindOptionalJSON binds the body when there is one.
func bindOptionalJSON(c *gin.Context, out interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Create establishes a device session for the browser and sets its cookie.
func (h *DeviceSessionHandler) Create(c *gin.Context) {
	caller := middleware.CurrentIdentity(c)

	var req dto.CreateDeviceSessionRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		utils.BadRequest(c, "Invalid request body")
		return
	}

	observed := utils.ObserveDevice(c.Request.UserAgent(), c.ClientIP(), req.DeviceName)
	created, err := h.sessions.Establish(c.Request.Context(), caller, observed)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}

	middleware.SetSessionCookie(c, h.cfg, created.Token)
	utils.Created(c, gin.H{
		"session":         dto.ToDeviceSessionResponse(created.Session),
		"confidence_tier": created.Tier,
	})
}

func (h *DeviceSessionHandler) List(c *gin.Context) {
	caller, current := middleware.SessionFromContext(c)

	order := model.SessionOrder(c.DefaultQuery("order", string(model.OrderByCreated)))
	if order != model.OrderByCreated && order != model.OrderByLastActive {
		utils.BadRequest(c, "order must be created or last_active")
		return
	}

	sessions, err := h.sessions.List(c.Request.Context(), caller, order, current)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	utils.Success(c, gin.H{"sessions": dto.ToDeviceSessionResponses(sessions)})
}

func (h *DeviceSessionHandler) Current(c *gin.Context) {
	caller := middleware.CurrentIdentity(c)
	token, _ := c.Cookie(h.cfg.CookieName)

	session, err := h.sessions.GetCurrent(c.Request.Context(), caller, token)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	utils.Success(c, gin.H{"session": dto.ToDeviceSessionResponse(session)})
}

// Update applies a client patch; only display_name is accepted.
func (h *DeviceSessionHandler) Update(c *gin.Context) {
	caller := middleware.CurrentIdentity(c)

	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		utils.BadRequest(c, "Invalid request body")
		return
	}
	if name, ok := patch["display_name"].(string); ok && !utils.ValidateDisplayName(name) {
		utils.BadRequest(c, "Invalid display name")
		return
	}

	session, err := h.sessions.UpdateFromClient(c.Request.Context(), caller, c.Param("id"), patch)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	utils.Success(c, gin.H{"session": dto.ToDeviceSessionResponse(session)})
}

// Revoke deletes one session. Revoking the current one logs the browser out.
func (h *DeviceSessionHandler) Revoke(c *gin.Context) {
	ctx := c.Request.Context()
	caller, current := middleware.SessionFromContext(c)

	var proof dto.StepUpProof
	if err := bindOptionalJSON(c, &proof); err != nil {
		utils.BadRequest(c, "Invalid request body")
		return
	}

	acting, err := h.gate.check(ctx, caller, current, services.ActionRevokeDevice, proof, c.ClientIP())
	if err != nil {
		RespondError(c, h.log, err)
		return
	}

	result, err := h.sessions.Revoke(ctx, caller, c.Param("id"), acting)
	if result.LoggedOut {
		middleware.ClearSessionCookie(c, h.cfg)
	}
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	utils.NoContent(c)
}

// RevokeAll handles DELETE /device-sessions?revokeAll=true.
func (h *DeviceSessionHandler) RevokeAll(c *gin.Context) {
	if c.Query("revokeAll") != "true" {
		utils.BadRequest(c, "revokeAll=true is required")
		return
	}
	ctx := c.Request.Context()
	caller, current := middleware.SessionFromContext(c)

	var proof dto.StepUpProof
	if err := bindOptionalJSON(c, &proof); err != nil {
		utils.BadRequest(c, "Invalid request body")
		return
	}

	acting, err := h.gate.check(ctx, caller, current, services.ActionRevokeAllDevices, proof, c.ClientIP())
	if err != nil {
		RespondError(c, h.log, err)
		return
	}

	count, err := h.sessions.RevokeAllExceptCurrent(ctx, caller, acting)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	utils.Success(c, gin.H{"revoked": count})
}
