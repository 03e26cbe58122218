package classauth

import (
	"context"
	"errors"

	"github.com/elipcs/classauth/internal/stores"
)

// RequestEmailVerification issues a single-use verification challenge
// for the given account and returns the bearer token for delivery.
func (e *Engine) RequestEmailVerification(ctx context.Context, userID string) (string, error) {
	if e == nil || e.singleUse == nil {
		return "", ErrEngineNotReady
	}
	if !e.config.EmailVerification.Enabled {
		return "", ErrVerificationDisabled
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		return "", ErrUserNotFound
	}

	tok, err := e.issueChallenge(ctx, stores.PurposeEmailVerification, user.UserID, e.config.EmailVerification.TTL)
	if err != nil {
		return "", err
	}

	e.metricInc(MetricVerificationRequest)
	e.emitAudit(ctx, auditEventEmailVerificationRequest, true, user.UserID, "", nil, nil)

	return tok, nil
}

// ConfirmEmailVerification consumes a verification challenge and marks
// the account's email as verified. A replayed or expired token never
// flips the account state.
func (e *Engine) ConfirmEmailVerification(ctx context.Context, verificationToken string) error {
	if e == nil || e.singleUse == nil {
		return ErrEngineNotReady
	}
	if !e.config.EmailVerification.Enabled {
		return ErrVerificationDisabled
	}

	rec, err := e.consumeChallenge(ctx, stores.PurposeEmailVerification, verificationToken, e.config.EmailVerification.MaxAttempts)
	if err != nil {
		mapped := mapVerificationError(err)
		e.metricInc(MetricVerificationConfirmFailure)
		e.emitAudit(ctx, auditEventEmailVerificationConfirm, false, "", "", mapped, nil)
		return mapped
	}

	if err := e.userProvider.MarkEmailVerified(ctx, rec.UserID); err != nil {
		e.metricInc(MetricVerificationConfirmFailure)
		e.emitAudit(ctx, auditEventEmailVerificationConfirm, false, rec.UserID, "", err, func() map[string]string {
			return map[string]string{"reason": "mark_verified_failed"}
		})
		return err
	}

	e.metricInc(MetricVerificationConfirmSuccess)
	e.emitAudit(ctx, auditEventEmailVerificationConfirm, true, rec.UserID, "", nil, nil)

	return nil
}

func mapVerificationError(err error) error {
	switch {
	case errors.Is(err, stores.ErrChallengeUsed):
		return ErrVerificationUsed
	case errors.Is(err, stores.ErrChallengeExpired):
		return ErrVerificationExpired
	case errors.Is(err, stores.ErrChallengeAttempts):
		return ErrVerificationAttempts
	case errors.Is(err, stores.ErrChallengeNotFound),
		errors.Is(err, stores.ErrChallengeMismatch):
		return ErrVerificationInvalid
	default:
		return errStore(err)
	}
}
