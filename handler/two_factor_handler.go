package handler

import (
	"accountguard/dto"
	"accountguard/middleware"
	"accountguard/model"
	"accountguard/services"
	"accountguard/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type TwoFactorHandler struct {
	enrollment *services.EnrollmentService
	gate       *stepUpGate
	log        *zap.Logger
}

func NewTwoFactorHandler(enrollment *services.EnrollmentService, policy *services.PolicyEngine, dispatcher *services.Dispatcher, log *zap.Logger) *TwoFactorHandler {
	return &TwoFactorHandler{
		enrollment: enrollment,
		gate:       &stepUpGate{policy: policy, dispatcher: dispatcher},
		log:        log,
	}
}

// Enroll starts enrollment. The factor only counts once the returned challenge
// is answered through POST /verify.
func (h *TwoFactorHandler) Enroll(c *gin.Context) {
	ctx := c.Request.Context()
	caller, session := middleware.SessionFromContext(c)

	var req dto.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, "Invalid request body")
		return
	}

	acting, err := h.gate.check(ctx, caller, session, services.ActionEnroll2FA, req.StepUp, c.ClientIP())
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	vctx := services.VerifyContext{Session: acting, IPAddress: c.ClientIP()}

	switch req.Method {
	case model.MethodAuthenticator:
		enrollment, err := h.enrollment.EnrollAuthenticator(ctx, caller, vctx)
		if err != nil {
			RespondError(c, h.log, err)
			return
		}
		utils.Created(c, dto.EnrollResponse{
			FactorID:    enrollment.Factor.FactorID,
			Method:      enrollment.Factor.Method,
			ChallengeID: enrollment.Challenge.ChallengeID,
			ExpiresAt:   enrollment.Challenge.ExpiresAt,
			Secret:      enrollment.Secret,
			URL:         enrollment.URL,
			QRCode:      enrollment.QRCode,
		})
	case model.MethodSMS:
		enrollment, err := h.enrollment.EnrollSMS(ctx, caller, req.Phone, vctx)
		if err != nil {
			RespondError(c, h.log, err)
			return
		}
		utils.Created(c, dto.EnrollResponse{
			FactorID:    enrollment.Factor.FactorID,
			Method:      enrollment.Factor.Method,
			ChallengeID: enrollment.Challenge.ChallengeID,
			ExpiresAt:   enrollment.Challenge.ExpiresAt,
			Phone:       enrollment.Factor.MaskedPhone(),
		})
	default:
		utils.BadRequest(c, "Unsupported method")
	}
}

func (h *TwoFactorHandler) Disable(c *gin.Context) {
	ctx := c.Request.Context()
	caller, session := middleware.SessionFromContext(c)

	var req dto.DisableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, "Invalid request body")
		return
	}

	acting, err := h.gate.check(ctx, caller, session, services.ActionDisable2FA, req.StepUpProof, c.ClientIP())
	if err != nil {
		RespondError(c, h.log, err)
		return
	}

	if err := h.enrollment.DisableFactor(ctx, caller, req.FactorID, acting); err != nil {
		RespondError(c, h.log, err)
		return
	}
	utils.NoContent(c)
}
