package handler

import (
	"context"
	"errors"

	"accountguard/dto"
	"accountguard/model"
	"accountguard/services"
)

// stepUpGate enforces the policy for a sensitive action. A proof carried in
// the request is verified first so a single round-trip can satisfy it.
type stepUpGate struct {
	policy     *services.PolicyEngine
	dispatcher *services.Dispatcher
}

func (g *stepUpGate) check(ctx context.Context, caller *model.Identity, session *model.DeviceSession, action string, proof dto.StepUpProof, ip string) (*model.DeviceSession, error) {
	err := g.policy.Authorize(ctx, caller, session, action)
	if err == nil {
		return session, nil
	}

	var required *services.StepUpRequiredError
	if !errors.As(err, &required) || !proof.Present() {
		return nil, err
	}
	if !offered(required.Methods, proof.Method) {
		return nil, services.ErrInvalidCode
	}

	res, err := g.dispatcher.Verify(ctx, caller, proof.Method, proof.Code, services.VerifyContext{
		Session:     session,
		IPAddress:   ip,
		ChallengeID: proof.ChallengeID,
		Action:      action,
	})
	if err != nil {
		return nil, err
	}
	if res.Session != nil {
		return res.Session, nil
	}
	return session, nil
}

func offered(methods []model.Method, m model.Method) bool {
	for _, candidate := range methods {
		if candidate == m {
			return true
		}
	}
	return false
}
