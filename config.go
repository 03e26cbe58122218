package classauth

import (
	"errors"
	"time"
)

// Config carries every tunable of the engine. Built once, validated by
// [Builder.Build], then treated as immutable.
type Config struct {
	JWT               JWTConfig
	Refresh           RefreshConfig
	Password          PasswordConfig
	PasswordReset     ResetConfig
	EmailVerification VerificationConfig
	Invite            InviteConfig
	Audit             AuditConfig
	Metrics           MetricsConfig
}

// JWTConfig configures the access-token codec.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// RefreshConfig configures the refresh-token family store. FamilyTTL
// is the absolute session lifetime, fixed at login; rotation never
// extends it. RevokedRetention keeps revoked and expired records
// around past the family deadline so reuse stays distinguishable from
// a token that never existed.
type RefreshConfig struct {
	RedisPrefix      string
	FamilyTTL        time.Duration
	RevokedRetention time.Duration
}

// PasswordConfig carries the argon2id cost parameters plus the
// plaintext policy.
type PasswordConfig struct {
	MemoryKiB      uint32
	Iterations     uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinLength      int
	UpgradeOnLogin bool
}

// ResetConfig configures the password-reset flow.
type ResetConfig struct {
	Enabled     bool
	TTL         time.Duration
	MaxAttempts int
}

// VerificationConfig configures the email-verification flow.
type VerificationConfig struct {
	Enabled         bool
	TTL             time.Duration
	MaxAttempts     int
	RequireForLogin bool
}

// InviteConfig configures invite creation and redemption. MaxUsesLimit
// caps the per-invite use budget at creation time.
type InviteConfig struct {
	Enabled      bool
	DefaultTTL   time.Duration
	MaxUsesLimit int64
	DefaultRole  string
}

// AuditConfig configures the buffered audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig configures the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     10 * time.Minute,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Refresh: RefreshConfig{
			RedisPrefix:      "ca",
			FamilyTTL:        30 * 24 * time.Hour,
			RevokedRetention: 30 * time.Minute,
		},
		Password: PasswordConfig{
			MemoryKiB:      64 * 1024,
			Iterations:     3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			MinLength:      8,
			UpgradeOnLogin: true,
		},
		PasswordReset: ResetConfig{
			Enabled:     false,
			TTL:         15 * time.Minute,
			MaxAttempts: 5,
		},
		EmailVerification: VerificationConfig{
			Enabled:         false,
			TTL:             24 * time.Hour,
			MaxAttempts:     5,
			RequireForLogin: false,
		},
		Invite: InviteConfig{
			Enabled:      false,
			DefaultTTL:   7 * 24 * time.Hour,
			MaxUsesLimit: 500,
			DefaultRole:  "",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate checks the configuration for internal consistency. Called
// by [Builder.Build]; exported so callers can pre-flight a config.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PublicKey) == 0 {
		return errors.New("ed25519 requires PublicKey")
	}
	if len(c.JWT.PrivateKey) == 0 {
		return errors.New("JWT PrivateKey is required")
	}
	if c.JWT.Leeway < 0 {
		return errors.New("JWT Leeway must be >= 0")
	}

	// Refresh
	if c.Refresh.FamilyTTL <= 0 {
		return errors.New("Refresh FamilyTTL must be > 0")
	}
	if c.Refresh.FamilyTTL <= c.JWT.AccessTTL {
		return errors.New("Refresh FamilyTTL must exceed JWT AccessTTL")
	}
	if c.Refresh.RevokedRetention < 0 {
		return errors.New("Refresh RevokedRetention must be >= 0")
	}

	// Password
	if c.Password.MemoryKiB < 8*1024 {
		return errors.New("Password MemoryKiB must be >= 8192")
	}
	if c.Password.Iterations < 1 {
		return errors.New("Password Iterations must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 1 {
		return errors.New("Password MinLength must be >= 1")
	}

	// Password reset
	if c.PasswordReset.Enabled {
		if c.PasswordReset.TTL <= 0 {
			return errors.New("PasswordReset TTL must be > 0")
		}
		if c.PasswordReset.MaxAttempts <= 0 {
			return errors.New("PasswordReset MaxAttempts must be > 0")
		}
	}

	// Email verification
	if c.EmailVerification.Enabled {
		if c.EmailVerification.TTL <= 0 {
			return errors.New("EmailVerification TTL must be > 0")
		}
		if c.EmailVerification.MaxAttempts <= 0 {
			return errors.New("EmailVerification MaxAttempts must be > 0")
		}
	}
	if c.EmailVerification.RequireForLogin && !c.EmailVerification.Enabled {
		return errors.New("EmailVerification RequireForLogin requires EmailVerification Enabled")
	}

	// Invites
	if c.Invite.Enabled {
		if c.Invite.DefaultTTL <= 0 {
			return errors.New("Invite DefaultTTL must be > 0")
		}
		if c.Invite.MaxUsesLimit < 1 {
			return errors.New("Invite MaxUsesLimit must be >= 1")
		}
		if c.Invite.DefaultRole == "" {
			return errors.New("Invite DefaultRole is required when invites are enabled")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}
