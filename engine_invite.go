package classauth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/elipcs/classauth/internal"
	"github.com/elipcs/classauth/internal/stores"
)

// CreateInvite mints a multi-use invite bound to a role and, for
// students, a class. The returned token is the only time the invite
// secret exists in plaintext; the store keeps its digest.
func (e *Engine) CreateInvite(ctx context.Context, req CreateInviteRequest) (string, error) {
	if e == nil || e.invites == nil {
		return "", ErrEngineNotReady
	}
	if !e.config.Invite.Enabled {
		return "", ErrInviteInvalid
	}
	if req.MaxUses < 1 {
		req.MaxUses = 1
	}
	if req.MaxUses > e.config.Invite.MaxUsesLimit {
		e.emitAudit(ctx, auditEventInviteRejected, false, req.CreatedBy, "", ErrInviteLimit, nil)
		return "", ErrInviteLimit
	}
	if req.Role == "" {
		req.Role = e.config.Invite.DefaultRole
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = e.config.Invite.DefaultTTL
	}

	secret, err := internal.NewSecret()
	if err != nil {
		return "", err
	}

	rec := &stores.InviteRecord{
		ID:        uuid.NewString(),
		Role:      req.Role,
		ClassID:   req.ClassID,
		CreatedBy: req.CreatedBy,
		MaxUses:   req.MaxUses,
		Uses:      0,
		ExpiresAt: time.Now().Add(ttl).Unix(),
	}

	if err := e.invites.Create(ctx, internal.HashSecret(secret), rec); err != nil {
		return "", errStore(err)
	}

	e.metricInc(MetricInviteCreated)
	e.emitAudit(ctx, auditEventInviteCreated, true, req.CreatedBy, "", nil, func() map[string]string {
		return map[string]string{
			"invite_id": rec.ID,
			"role":      rec.Role,
		}
	})

	return internal.EncodeBearerSecret(secret), nil
}

// ValidateInvite inspects an invite without consuming a use. The view
// it returns is advisory: a concurrent redemption can exhaust the
// invite between validation and registration.
func (e *Engine) ValidateInvite(ctx context.Context, inviteToken string) (*InviteView, error) {
	if e == nil || e.invites == nil {
		return nil, ErrEngineNotReady
	}

	secret, err := internal.DecodeBearerSecret(inviteToken)
	if err != nil {
		return nil, ErrInviteInvalid
	}

	rec, err := e.invites.Get(ctx, internal.HashSecret(secret))
	if err != nil {
		if errors.Is(err, stores.ErrInviteNotFound) {
			return nil, ErrInviteInvalid
		}
		return nil, errStore(err)
	}

	switch {
	case rec.Revoked:
		return nil, ErrInviteRevoked
	case rec.ExpiresAt <= time.Now().Unix():
		return nil, ErrInviteExpired
	case rec.Uses >= rec.MaxUses:
		return nil, ErrInviteExhausted
	}

	return &InviteView{
		Role:          rec.Role,
		ClassID:       rec.ClassID,
		CreatedBy:     rec.CreatedBy,
		MaxUses:       rec.MaxUses,
		Uses:          rec.Uses,
		RemainingUses: rec.MaxUses - rec.Uses,
		ExpiresAt:     rec.ExpiresAt,
	}, nil
}

// RevokeInvite withdraws an invite. Already-redeemed uses stay
// redeemed; only future redemptions are blocked.
func (e *Engine) RevokeInvite(ctx context.Context, inviteToken string) error {
	if e == nil || e.invites == nil {
		return ErrEngineNotReady
	}

	secret, err := internal.DecodeBearerSecret(inviteToken)
	if err != nil {
		return ErrInviteInvalid
	}

	if err := e.invites.Revoke(ctx, internal.HashSecret(secret)); err != nil {
		if errors.Is(err, stores.ErrInviteNotFound) {
			return ErrInviteInvalid
		}
		return errStore(err)
	}

	e.emitAudit(ctx, auditEventInviteRevoked, true, "", "", nil, nil)
	return nil
}

// redeemInvite claims one use and maps store errors to the public
// taxonomy.
func (e *Engine) redeemInvite(ctx context.Context, inviteToken string) (role, classID string, err error) {
	secret, decErr := internal.DecodeBearerSecret(inviteToken)
	if decErr != nil {
		return "", "", ErrInviteInvalid
	}

	role, classID, _, err = e.invites.Redeem(ctx, internal.HashSecret(secret), time.Now())
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrInviteNotFound):
			return "", "", ErrInviteInvalid
		case errors.Is(err, stores.ErrInviteExpired):
			return "", "", ErrInviteExpired
		case errors.Is(err, stores.ErrInviteRevoked):
			return "", "", ErrInviteRevoked
		case errors.Is(err, stores.ErrInviteExhausted):
			return "", "", ErrInviteExhausted
		default:
			return "", "", errStore(err)
		}
	}

	e.metricInc(MetricInviteRedeemed)
	return role, classID, nil
}
