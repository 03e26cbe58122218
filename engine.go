package classauth

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/elipcs/classauth/internal"
	"github.com/elipcs/classauth/internal/stores"
	"github.com/elipcs/classauth/jwt"
	"github.com/elipcs/classauth/password"
	"github.com/elipcs/classauth/token"
)

// Engine orchestrates the token lifecycle: login and registration,
// refresh-token rotation with reuse detection, single-use password
// reset and email verification challenges, and invite redemption.
// Accounts themselves live behind the [UserProvider]. Configure once
// via [Builder], then treat as immutable; all methods are safe for
// concurrent use.
type Engine struct {
	config       Config
	tokens       *token.Store
	singleUse    *stores.SingleUseStore
	invites      *stores.InviteStore
	jwtManager   *jwt.Manager
	passwordHash *password.Hasher
	userProvider UserProvider
	audit        *auditDispatcher
	metrics      *Metrics
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were dropped because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Ping reports Redis availability and round-trip latency.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	if e == nil || e.tokens == nil {
		return 0, ErrEngineNotReady
	}
	d, err := e.tokens.Ping(ctx)
	if err != nil {
		return d, errStore(err)
	}
	return d, nil
}

// Login verifies the credentials and starts a fresh session: a new
// refresh family with one ACTIVE token, plus a signed access token.
func (e *Engine) Login(ctx context.Context, email, pass string) (*TokenPair, error) {
	if e == nil || e.passwordHash == nil {
		return nil, ErrEngineNotReady
	}
	if email == "" || pass == "" {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "empty_input"}
		})
		return nil, ErrInvalidCredentials
	}

	user, err := e.userProvider.GetUserByEmail(ctx, email)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "user_not_found"}
		})
		return nil, ErrInvalidCredentials
	}

	if err := e.passwordHash.Verify(pass, user.PasswordHash); err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "password_mismatch"}
		})
		return nil, ErrInvalidCredentials
	}
	if statusErr := accountStatusToError(user.Status, e.config.EmailVerification.RequireForLogin); statusErr != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, "", statusErr, func() map[string]string {
			return map[string]string{"reason": "account_status"}
		})
		return nil, statusErr
	}

	if e.config.Password.UpgradeOnLogin {
		if needs, err := e.passwordHash.NeedsRehash(user.PasswordHash); err == nil && needs {
			if upgraded, err := e.passwordHash.Hash(pass); err == nil {
				// Rehash is best-effort and must not block login.
				if err := e.userProvider.UpdatePasswordHash(ctx, user.UserID, upgraded); err != nil {
					log.Print("classauth: password hash upgrade update failed")
				}
			} else {
				log.Print("classauth: password hash upgrade generation failed")
			}
		}
	}
	pass = ""

	pair, familyID, err := e.issuePair(ctx, user)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, familyID, err, nil)
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.UserID, familyID, nil, nil)

	return pair, nil
}

// issuePair mints a new refresh family for the user and signs the
// matching access token. The family's absolute expiry is fixed here
// and never extended by rotation.
func (e *Engine) issuePair(ctx context.Context, user UserRecord) (*TokenPair, string, error) {
	secret, err := internal.NewSecret()
	if err != nil {
		return nil, "", err
	}

	familyID := uuid.NewString()
	now := time.Now()

	rec := &token.Record{
		FamilyID:  familyID,
		UserID:    user.UserID,
		Email:     user.Email,
		Role:      user.Role,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(e.config.Refresh.FamilyTTL).Unix(),
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
	}

	if err := e.tokens.Create(ctx, internal.HashSecret(secret), rec); err != nil {
		return nil, familyID, errStore(err)
	}

	access, err := e.jwtManager.CreateAccess(user.UserID, user.Email, user.Role, familyID)
	if err != nil {
		return nil, familyID, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: internal.EncodeBearerSecret(secret),
	}, familyID, nil
}

// ValidateAccess verifies an access token statelessly and returns the
// embedded identity. No Redis round trip happens here: a revoked
// family does not invalidate access tokens already in flight, they
// simply age out within the access TTL.
func (e *Engine) ValidateAccess(ctx context.Context, tokenStr string) (*AuthResult, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		start := time.Now()
		defer e.metrics.Observe(MetricValidateLatency, time.Since(start))
	}

	claims, err := e.jwtManager.ParseAccess(tokenStr)
	if err != nil {
		return nil, ErrUnauthorized
	}

	return &AuthResult{
		UserID:   claims.Subject,
		Email:    claims.Email,
		Role:     claims.Role,
		FamilyID: claims.FamilyID,
	}, nil
}

// Logout revokes the family of the presented refresh token. The token
// does not need to be the family's current one; any member identifies
// the lineage. Unknown tokens report ErrRefreshInvalid.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil || e.tokens == nil {
		return ErrEngineNotReady
	}

	secret, err := internal.DecodeBearerSecret(refreshToken)
	if err != nil {
		e.emitAudit(ctx, auditEventLogoutSession, false, "", "", ErrRefreshInvalid, nil)
		return ErrRefreshInvalid
	}

	rec, err := e.tokens.Get(ctx, internal.HashSecret(secret))
	if err != nil {
		if errors.Is(err, token.ErrTokenNotFound) {
			e.emitAudit(ctx, auditEventLogoutSession, false, "", "", ErrRefreshInvalid, nil)
			return ErrRefreshInvalid
		}
		return errStore(err)
	}

	if _, err := e.tokens.RevokeFamily(ctx, rec.FamilyID); err != nil {
		e.emitAudit(ctx, auditEventLogoutSession, false, rec.UserID, rec.FamilyID, err, nil)
		return errStore(err)
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricFamilyRevoked)
	e.emitAudit(ctx, auditEventLogoutSession, true, rec.UserID, rec.FamilyID, nil, nil)
	return nil
}

// LogoutByAccessToken revokes the family named in a still-valid access
// token.
func (e *Engine) LogoutByAccessToken(ctx context.Context, tokenStr string) error {
	if e == nil || e.jwtManager == nil {
		return ErrEngineNotReady
	}

	claims, err := e.jwtManager.ParseAccess(tokenStr)
	if err != nil {
		e.emitAudit(ctx, auditEventLogoutSession, false, "", "", ErrTokenInvalid, nil)
		return ErrTokenInvalid
	}
	if claims.FamilyID == "" {
		return ErrTokenInvalid
	}

	if _, err := e.tokens.RevokeFamily(ctx, claims.FamilyID); err != nil {
		e.emitAudit(ctx, auditEventLogoutSession, false, claims.Subject, claims.FamilyID, err, nil)
		return errStore(err)
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricFamilyRevoked)
	e.emitAudit(ctx, auditEventLogoutSession, true, claims.Subject, claims.FamilyID, nil, nil)
	return nil
}

// LogoutAll revokes every refresh family tracked for the user.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	if e == nil || e.tokens == nil {
		return ErrEngineNotReady
	}

	_, err := e.tokens.RevokeAllForUser(ctx, userID)
	if err == nil {
		e.metricInc(MetricLogoutAll)
		e.metricInc(MetricFamilyRevoked)
	} else {
		err = errStore(err)
	}
	e.emitAudit(ctx, auditEventLogoutAll, err == nil, userID, "", err, nil)
	return err
}

// ChangePassword verifies the current password, installs the new hash
// and revokes every refresh family for the user so stolen sessions do
// not survive a credential change.
func (e *Engine) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if e == nil || e.passwordHash == nil {
		return ErrEngineNotReady
	}
	if userID == "" || oldPassword == "" {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, "", ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}
	if len(newPassword) < e.config.Password.MinLength {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, "", ErrPasswordPolicy, nil)
		return ErrPasswordPolicy
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, "", ErrUserNotFound, nil)
		return ErrUserNotFound
	}

	if err := e.passwordHash.Verify(oldPassword, user.PasswordHash); err != nil {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "old_password_mismatch"}
		})
		return ErrInvalidCredentials
	}

	if err := e.passwordHash.Verify(newPassword, user.PasswordHash); err == nil {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, "", ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}

	newHash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		return err
	}

	if err := e.userProvider.UpdatePasswordHash(ctx, userID, newHash); err != nil {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, "", err, func() map[string]string {
			return map[string]string{"reason": "update_hash_failed"}
		})
		return err
	}

	if _, err := e.tokens.RevokeAllForUser(ctx, userID); err != nil {
		log.Print("classauth: session revocation failed after password change")
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, "", err, func() map[string]string {
			return map[string]string{"reason": "revocation_failed"}
		})
		return errStore(err)
	}

	oldPassword = ""
	newPassword = ""
	e.metricInc(MetricPasswordChangeSuccess)
	e.metricInc(MetricFamilyRevoked)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, userID, "", nil, nil)

	return nil
}

func accountStatusToError(status AccountStatus, requireVerified bool) error {
	switch status {
	case AccountDisabled:
		return ErrAccountDisabled
	case AccountPendingVerification:
		if requireVerified {
			return ErrAccountUnverified
		}
		return nil
	default:
		return nil
	}
}

// errStore folds the per-package unavailability sentinels into the
// engine-level one while keeping the original message.
func errStore(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, token.ErrRedisUnavailable),
		errors.Is(err, stores.ErrSingleUseUnavailable),
		errors.Is(err, stores.ErrInviteUnavailable):
		return errors.Join(ErrStoreUnavailable, err)
	default:
		return err
	}
}
