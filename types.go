package classauth

import (
	"context"
	"time"
)

// AccountStatus is the lifecycle state of a user account as reported
// by the [UserProvider]. The engine never stores accounts itself.
type AccountStatus uint8

const (
	// AccountActive accounts pass every status gate.
	AccountActive AccountStatus = iota
	// AccountPendingVerification accounts may be rejected at login when
	// [VerificationConfig.RequireForLogin] is set.
	AccountPendingVerification
	// AccountDisabled accounts are rejected on every flow.
	AccountDisabled
)

// UserProvider is the interface callers implement to connect the
// engine to their user database. The engine owns tokens and sessions;
// the provider owns accounts and credentials.
type UserProvider interface {
	// GetUserByEmail returns the account for a login identifier.
	// Lookup misses must surface as an error; the engine folds them
	// into [ErrInvalidCredentials].
	GetUserByEmail(ctx context.Context, email string) (UserRecord, error)
	// GetUserByID returns the account for a user ID.
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	// CreateUser persists a new account during invite registration.
	// Duplicate emails must surface as an error.
	CreateUser(ctx context.Context, input CreateUserInput) (UserRecord, error)
	// UpdatePasswordHash replaces the stored credential hash.
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error
	// MarkEmailVerified flips the account out of
	// [AccountPendingVerification].
	MarkEmailVerified(ctx context.Context, userID string) error
}

// UserRecord is the account view the engine works with.
type UserRecord struct {
	UserID       string
	Email        string
	PasswordHash string
	Role         string
	Status       AccountStatus
}

// CreateUserInput is the input for [UserProvider.CreateUser]. The
// PasswordHash is already argon2id-encoded; providers never see
// plaintext.
type CreateUserInput struct {
	Email        string
	PasswordHash string
	Role         string
	ClassID      string
	Status       AccountStatus
}

// TokenPair is the result of login, registration and refresh: a short
// lived signed access token plus the opaque refresh token that heads
// the session's family lineage.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AuthResult is returned by [Engine.ValidateAccess].
type AuthResult struct {
	UserID   string
	Email    string
	Role     string
	FamilyID string
}

// RegisterRequest is the input for [Engine.Register].
type RegisterRequest struct {
	InviteToken string
	Email       string
	Password    string
}

// CreateInviteRequest is the input for [Engine.CreateInvite]. MaxUses
// must be at least 1; TTL of zero falls back to the configured default.
type CreateInviteRequest struct {
	Role      string
	ClassID   string
	CreatedBy string
	MaxUses   int64
	TTL       time.Duration
}

// InviteView is the read-only view returned by [Engine.ValidateInvite].
type InviteView struct {
	Role          string
	ClassID       string
	CreatedBy     string
	MaxUses       int64
	Uses          int64
	RemainingUses int64
	ExpiresAt     int64
}
