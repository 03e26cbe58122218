package classauth

import (
	"context"
)

// Register redeems an invite and creates an account with the role and
// class the invite carries, then starts a session exactly like Login.
//
// The invite use is claimed before the account is created. If the
// provider then rejects the account (duplicate email, say) the use is
// not returned: handing it back would reopen the bounded-counter race
// the redeem script closes. Issuers can mint a replacement invite.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*TokenPair, error) {
	if e == nil || e.passwordHash == nil || e.invites == nil {
		return nil, ErrEngineNotReady
	}

	if req.Email == "" {
		e.metricInc(MetricRegisterFailure)
		e.emitAudit(ctx, auditEventRegisterFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "empty_email"}
		})
		return nil, ErrInvalidCredentials
	}
	if len(req.Password) < e.config.Password.MinLength {
		e.metricInc(MetricRegisterFailure)
		e.emitAudit(ctx, auditEventRegisterFailure, false, "", "", ErrPasswordPolicy, nil)
		return nil, ErrPasswordPolicy
	}

	role, classID, err := e.redeemInvite(ctx, req.InviteToken)
	if err != nil {
		e.metricInc(MetricRegisterFailure)
		e.metricInc(MetricInviteRejected)
		e.emitAudit(ctx, auditEventRegisterFailure, false, "", "", err, func() map[string]string {
			return map[string]string{"reason": "invite_rejected"}
		})
		return nil, err
	}

	hash, err := e.passwordHash.Hash(req.Password)
	if err != nil {
		e.metricInc(MetricRegisterFailure)
		return nil, err
	}

	status := AccountActive
	if e.config.EmailVerification.Enabled {
		status = AccountPendingVerification
	}

	user, err := e.userProvider.CreateUser(ctx, CreateUserInput{
		Email:        req.Email,
		PasswordHash: hash,
		Role:         role,
		ClassID:      classID,
		Status:       status,
	})
	if err != nil {
		e.metricInc(MetricRegisterFailure)
		e.emitAudit(ctx, auditEventRegisterFailure, false, "", "", ErrEmailTaken, func() map[string]string {
			return map[string]string{"reason": "create_user_failed"}
		})
		return nil, ErrEmailTaken
	}

	pair, familyID, err := e.issuePair(ctx, user)
	if err != nil {
		e.metricInc(MetricRegisterFailure)
		e.emitAudit(ctx, auditEventRegisterFailure, false, user.UserID, familyID, err, nil)
		return nil, err
	}

	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, auditEventRegisterSuccess, true, user.UserID, familyID, nil, func() map[string]string {
		return map[string]string{"role": user.Role}
	})

	return pair, nil
}
