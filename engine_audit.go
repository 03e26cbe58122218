package classauth

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess             = "login_success"
	auditEventLoginFailure             = "login_failure"
	auditEventRefreshSuccess           = "refresh_success"
	auditEventRefreshInvalid           = "refresh_invalid"
	auditEventRefreshReuseDetected     = "refresh_reuse_detected"
	auditEventFamilyRevoked            = "family_revoked"
	auditEventLogoutSession            = "logout_session"
	auditEventLogoutAll                = "logout_all"
	auditEventRegisterSuccess          = "register_success"
	auditEventRegisterFailure          = "register_failure"
	auditEventInviteCreated            = "invite_created"
	auditEventInviteRevoked            = "invite_revoked"
	auditEventInviteRejected           = "invite_rejected"
	auditEventPasswordChangeSuccess    = "password_change_success"
	auditEventPasswordChangeFailure    = "password_change_failure"
	auditEventPasswordResetRequest     = "password_reset_request"
	auditEventPasswordResetConfirm     = "password_reset_confirm"
	auditEventPasswordResetReplay      = "password_reset_replay"
	auditEventEmailVerificationRequest = "email_verification_request"
	auditEventEmailVerificationConfirm = "email_verification_confirm"
)

type auditErrCode string

const (
	auditErrInvalidCredentials auditErrCode = "invalid_credentials"
	auditErrUserNotFound       auditErrCode = "user_not_found"
	auditErrAccountDisabled    auditErrCode = "account_disabled"
	auditErrAccountUnverified  auditErrCode = "account_unverified"
	auditErrRefreshReuse       auditErrCode = "refresh_reuse"
	auditErrExpired            auditErrCode = "expired"
	auditErrInvalidToken       auditErrCode = "invalid_token"
	auditErrReplay             auditErrCode = "replay"
	auditErrAttemptsExceeded   auditErrCode = "attempts_exceeded"
	auditErrInviteRejected     auditErrCode = "invite_rejected"
	auditErrPasswordPolicy     auditErrCode = "password_policy"
	auditErrPasswordReuse      auditErrCode = "password_reuse"
	auditErrDuplicate          auditErrCode = "duplicate"
	auditErrUnavailable        auditErrCode = "backend_unavailable"
	auditErrInternal           auditErrCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	familyID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		FamilyID:  familyID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) auditErrCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrAccountDisabled):
		return auditErrAccountDisabled
	case errors.Is(err, ErrAccountUnverified):
		return auditErrAccountUnverified
	case errors.Is(err, ErrRefreshReuse):
		return auditErrRefreshReuse
	case errors.Is(err, ErrRefreshExpired),
		errors.Is(err, ErrResetExpired),
		errors.Is(err, ErrVerificationExpired),
		errors.Is(err, ErrInviteExpired):
		return auditErrExpired
	case errors.Is(err, ErrRefreshInvalid),
		errors.Is(err, ErrResetInvalid),
		errors.Is(err, ErrVerificationInvalid),
		errors.Is(err, ErrInviteInvalid),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrUnauthorized):
		return auditErrInvalidToken
	case errors.Is(err, ErrResetUsed),
		errors.Is(err, ErrVerificationUsed):
		return auditErrReplay
	case errors.Is(err, ErrResetAttempts),
		errors.Is(err, ErrVerificationAttempts):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrInviteRevoked),
		errors.Is(err, ErrInviteExhausted),
		errors.Is(err, ErrInviteLimit):
		return auditErrInviteRejected
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrPasswordReuse):
		return auditErrPasswordReuse
	case errors.Is(err, ErrEmailTaken):
		return auditErrDuplicate
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrResetDisabled),
		errors.Is(err, ErrVerificationDisabled):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
