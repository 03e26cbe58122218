package classauth

import "errors"

var (
	// ErrInvalidCredentials covers both unknown email and wrong password;
	// callers cannot tell the two apart.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is an exported sentinel for provider lookups by ID.
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailTaken is returned by Register when the provider reports a
	// duplicate email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrAccountDisabled rejects disabled accounts on every flow.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrAccountUnverified rejects unverified accounts when the
	// verification gate is enabled.
	ErrAccountUnverified = errors.New("account unverified")

	// ErrRefreshInvalid is returned for malformed or unknown refresh
	// tokens.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrRefreshExpired is returned when the token's family lifetime has
	// passed. Benign; nothing is revoked.
	ErrRefreshExpired = errors.New("refresh token expired")
	// ErrRefreshReuse is returned when an already-rotated token is
	// presented. The whole family is revoked before this is returned.
	ErrRefreshReuse = errors.New("refresh token reuse detected")

	// ErrResetInvalid is returned for malformed, unknown or mismatched
	// password reset tokens.
	ErrResetInvalid = errors.New("password reset token invalid")
	// ErrResetUsed is returned when a reset token is presented twice.
	ErrResetUsed = errors.New("password reset token already used")
	// ErrResetExpired is returned when the reset token outlived its TTL.
	ErrResetExpired = errors.New("password reset token expired")
	// ErrResetAttempts is returned once the wrong-secret budget for one
	// challenge is spent.
	ErrResetAttempts = errors.New("password reset attempts exceeded")
	// ErrResetDisabled is returned when the flow is not configured.
	ErrResetDisabled = errors.New("password reset disabled")

	// ErrVerificationInvalid is returned for malformed, unknown or
	// mismatched email verification tokens.
	ErrVerificationInvalid = errors.New("email verification token invalid")
	// ErrVerificationUsed is returned when a verification token is
	// presented twice.
	ErrVerificationUsed = errors.New("email verification token already used")
	// ErrVerificationExpired is returned when the verification token
	// outlived its TTL.
	ErrVerificationExpired = errors.New("email verification token expired")
	// ErrVerificationAttempts is returned once the wrong-secret budget
	// for one challenge is spent.
	ErrVerificationAttempts = errors.New("email verification attempts exceeded")
	// ErrVerificationDisabled is returned when the flow is not configured.
	ErrVerificationDisabled = errors.New("email verification disabled")

	// ErrInviteInvalid is returned for malformed or unknown invite tokens.
	ErrInviteInvalid = errors.New("invalid invite token")
	// ErrInviteExpired is returned when the invite deadline has passed.
	ErrInviteExpired = errors.New("invite expired")
	// ErrInviteRevoked is returned when the invite was withdrawn.
	ErrInviteRevoked = errors.New("invite revoked")
	// ErrInviteExhausted is returned when every use has been redeemed.
	ErrInviteExhausted = errors.New("invite exhausted")
	// ErrInviteLimit rejects invite creation requests above the
	// configured MaxUses ceiling.
	ErrInviteLimit = errors.New("invite max uses above configured limit")

	// ErrUnauthorized is returned by ValidateAccess for any token that
	// does not verify.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTokenInvalid is returned for malformed access tokens on flows
	// that take one as input.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrPasswordPolicy rejects passwords below the configured minimum.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse rejects a password change to the current password.
	ErrPasswordReuse = errors.New("new password must be different from current password")
	// ErrStoreUnavailable wraps backend failures from any of the Redis
	// stores.
	ErrStoreUnavailable = errors.New("token store unavailable")
	// ErrEngineNotReady guards calls on a nil or partially built engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)
