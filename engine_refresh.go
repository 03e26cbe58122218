package classauth

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/elipcs/classauth/internal"
	"github.com/elipcs/classauth/token"
)

// Refresh rotates the presented refresh token: the old token becomes
// ROTATED, a successor is minted in the same family, and a fresh
// access token is signed. Presenting an already-rotated token is
// treated as theft and revokes the entire family, including whichever
// descendant is currently active; the caller gets [ErrRefreshReuse].
// Plain expiry is benign and returns [ErrRefreshExpired] without
// touching the family. Two goroutines racing on the same secret
// produce exactly one winner; the loser takes the reuse path.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	oldSecret, err := internal.DecodeBearerSecret(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", ErrRefreshInvalid, func() map[string]string {
			return map[string]string{"reason": "decode_failed"}
		})
		return nil, ErrRefreshInvalid
	}

	newSecret, err := internal.NewSecret()
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	rec, err := e.tokens.Rotate(
		ctx,
		internal.HashSecret(oldSecret),
		internal.HashSecret(newSecret),
		time.Now(),
	)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrTokenReused):
			e.metricInc(MetricRefreshReuseDetected)
			e.escalateReuse(ctx, rec.FamilyID)
			return nil, ErrRefreshReuse
		case errors.Is(err, token.ErrTokenExpired):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", rec.FamilyID, ErrRefreshExpired, func() map[string]string {
				return map[string]string{"reason": "expired"}
			})
			return nil, ErrRefreshExpired
		case errors.Is(err, token.ErrTokenNotFound):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", ErrRefreshInvalid, func() map[string]string {
				return map[string]string{"reason": "not_found"}
			})
			return nil, ErrRefreshInvalid
		default:
			e.metricInc(MetricRefreshFailure)
			return nil, errStore(err)
		}
	}

	access, err := e.jwtManager.CreateAccess(rec.UserID, rec.Email, rec.Role, rec.FamilyID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, rec.UserID, rec.FamilyID, err, func() map[string]string {
			return map[string]string{"reason": "issue_access_failed"}
		})
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, rec.UserID, rec.FamilyID, nil, nil)

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: internal.EncodeBearerSecret(newSecret),
	}, nil
}

// escalateReuse revokes the whole family after a rotated token came
// back. Revocation failure is logged but the caller still gets the
// reuse error; a family left half-revoked is retried on the next
// presentation.
func (e *Engine) escalateReuse(ctx context.Context, familyID string) {
	e.emitAudit(ctx, auditEventRefreshReuseDetected, false, "", familyID, ErrRefreshReuse, nil)

	if familyID == "" {
		return
	}
	if _, err := e.tokens.RevokeFamily(ctx, familyID); err != nil {
		log.Print("classauth: family revocation failed after refresh reuse")
		return
	}

	e.metricInc(MetricFamilyRevoked)
	e.emitAudit(ctx, auditEventFamilyRevoked, true, "", familyID, nil, func() map[string]string {
		return map[string]string{"cause": "refresh_reuse"}
	})
}
