package handler

import (
	"time"

	"accountguard/dto"
	"accountguard/middleware"
	"accountguard/services"
	"accountguard/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type VerificationHandler struct {
	policy     *services.PolicyEngine
	dispatcher *services.Dispatcher
	log        *zap.Logger
}

func NewVerificationHandler(policy *services.PolicyEngine, dispatcher *services.Dispatcher, log *zap.Logger) *VerificationHandler {
	return &VerificationHandler{policy: policy, dispatcher: dispatcher, log: log}
}

// Methods tells the client whether the action needs step-up on this session
// and which methods it can offer.
func (h *VerificationHandler) Methods(c *gin.Context) {
	caller, session := middleware.SessionFromContext(c)

	action := c.Query("action")
	if !services.KnownAction(action) {
		utils.BadRequest(c, "Unknown action")
		return
	}

	methods, err := h.policy.StepUpMethods(c.Request.Context(), caller, session)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	utils.Success(c, dto.MethodsResponse{
		Action:         action,
		RequiresStepUp: h.policy.MustStepUp(session, action),
		Methods:        methods,
	})
}

func (h *VerificationHandler) Challenge(c *gin.Context) {
	caller, session := middleware.SessionFromContext(c)

	var req dto.ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, "Invalid request body")
		return
	}

	challenge, err := h.dispatcher.IssueChallenge(c.Request.Context(), caller, req.Method, req.FactorID, services.VerifyContext{
		Session:   session,
		IPAddress: c.ClientIP(),
	})
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	utils.Created(c, dto.ChallengeResponse{
		ChallengeID: challenge.ChallengeID,
		Method:      challenge.Method,
		ExpiresAt:   challenge.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *VerificationHandler) EmailCode(c *gin.Context) {
	caller, session := middleware.SessionFromContext(c)

	code, err := h.dispatcher.SendEmailCode(c.Request.Context(), caller, session)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	utils.Success(c, gin.H{"expires_at": code.ExpiresAt})
}

// Verify runs one verification against the current device session. Backup
// codes generated by a first enrollment are returned here and nowhere else.
func (h *VerificationHandler) Verify(c *gin.Context) {
	caller, session := middleware.SessionFromContext(c)

	var req dto.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, "Invalid request body")
		return
	}
	if req.Action != "" && !services.KnownAction(req.Action) {
		utils.BadRequest(c, "Unknown action")
		return
	}

	result, err := h.dispatcher.Verify(c.Request.Context(), caller, req.Method, req.Code, services.VerifyContext{
		Session:         session,
		IPAddress:       c.ClientIP(),
		ChallengeID:     req.ChallengeID,
		Action:          req.Action,
		AllowEnrollment: true,
	})
	if err != nil {
		RespondError(c, h.log, err)
		return
	}

	resp := dto.VerifyResponse{
		Success:         result.Success,
		RaisedAssurance: result.RaisedAssurance,
		BackupCodes:     result.NewBackupCodes,
	}
	if result.Session != nil {
		resp.AAL = result.Session.AAL
	}
	utils.Success(c, resp)
}
