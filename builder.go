package classauth

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/elipcs/classauth/internal/stores"
	"github.com/elipcs/classauth/jwt"
	"github.com/elipcs/classauth/password"
	"github.com/elipcs/classauth/token"
)

// Builder assembles an Engine. Configure it once during startup and
// call Build; a Builder is single-use and not safe for concurrent
// mutation.
type Builder struct {
	config Config
	redis  *redis.Client

	userProvider UserProvider
	auditSink    AuditSink

	built bool
}

// New returns a Builder seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the builder's configuration with a deep copy of
// cfg.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing the refresh, single-use and
// invite stores.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithUserProvider sets the application-owned user backend.
func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

// WithAuditSink sets the destination for audit events. Ignored unless
// Audit.Enabled is set.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles counter collection.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the validation latency histogram.
// Requires metrics to be enabled.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, wires the stores and returns the
// Engine. A builder can only build once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tokenStore := token.NewStore(
		b.redis,
		cfg.Refresh.RedisPrefix,
		cfg.Refresh.RevokedRetention,
	)

	singleUseStore := stores.NewSingleUseStore(b.redis, cfg.Refresh.RedisPrefix)

	inviteStore := stores.NewInviteStore(
		b.redis,
		cfg.Refresh.RedisPrefix,
		cfg.Refresh.RevokedRetention,
	)

	hasher, err := password.NewHasher(password.Params{
		MemoryKiB:   cfg.Password.MemoryKiB,
		Iterations:  cfg.Password.Iterations,
		Parallelism: cfg.Password.Parallelism,
		SaltLen:     cfg.Password.SaltLength,
		KeyLen:      cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	jwtManager, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	sink := b.auditSink
	if sink == nil {
		sink = NoOpSink{}
	}

	engine := &Engine{
		config:       cfg,
		tokens:       tokenStore,
		singleUse:    singleUseStore,
		invites:      inviteStore,
		jwtManager:   jwtManager,
		passwordHash: hasher,
		userProvider: b.userProvider,
		audit:        newAuditDispatcher(cfg.Audit, sink),
		metrics:      NewMetrics(cfg.Metrics),
	}

	b.built = true
	return engine, nil
}
