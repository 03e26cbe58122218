package classauth

import (
	"testing"
	"time"
)

func TestTestConfigValidates(t *testing.T) {
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestDefaultConfigNeedsSigningKey(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("defaults without a signing key must not validate")
	}
}

func TestConfigValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero access ttl", func(c *Config) { c.JWT.AccessTTL = 0 }},
		{"unknown signing method", func(c *Config) { c.JWT.SigningMethod = "rs256" }},
		{"missing private key", func(c *Config) { c.JWT.PrivateKey = nil }},
		{"negative leeway", func(c *Config) { c.JWT.Leeway = -time.Second }},
		{"zero family ttl", func(c *Config) { c.Refresh.FamilyTTL = 0 }},
		{"family ttl below access ttl", func(c *Config) { c.Refresh.FamilyTTL = c.JWT.AccessTTL }},
		{"negative retention", func(c *Config) { c.Refresh.RevokedRetention = -time.Minute }},
		{"weak argon memory", func(c *Config) { c.Password.MemoryKiB = 1024 }},
		{"zero iterations", func(c *Config) { c.Password.Iterations = 0 }},
		{"short salt", func(c *Config) { c.Password.SaltLength = 8 }},
		{"zero min length", func(c *Config) { c.Password.MinLength = 0 }},
		{"reset without ttl", func(c *Config) { c.PasswordReset.TTL = 0 }},
		{"reset without attempts", func(c *Config) { c.PasswordReset.MaxAttempts = 0 }},
		{"verification gate without flow", func(c *Config) {
			c.EmailVerification.Enabled = false
			c.EmailVerification.RequireForLogin = true
		}},
		{"invite without role", func(c *Config) { c.Invite.DefaultRole = "" }},
		{"invite without ttl", func(c *Config) { c.Invite.DefaultTTL = 0 }},
		{"invite zero limit", func(c *Config) { c.Invite.MaxUsesLimit = 0 }},
		{"audit without buffer", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.BufferSize = 0
		}},
	}

	for _, tc := range cases {
		cfg := testConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestCloneConfigIsolatesKeys(t *testing.T) {
	cfg := testConfig()
	clone := cloneConfig(cfg)

	clone.JWT.PrivateKey[0] ^= 0xFF
	if cfg.JWT.PrivateKey[0] == clone.JWT.PrivateKey[0] {
		t.Fatal("clone must not share key bytes with the original")
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := defaultConfig()

	if cfg.JWT.AccessTTL != 10*time.Minute {
		t.Fatalf("unexpected access TTL %s", cfg.JWT.AccessTTL)
	}
	if cfg.JWT.SigningMethod != "ed25519" {
		t.Fatalf("unexpected signing method %q", cfg.JWT.SigningMethod)
	}
	if cfg.Refresh.FamilyTTL != 30*24*time.Hour {
		t.Fatalf("unexpected family TTL %s", cfg.Refresh.FamilyTTL)
	}
	if !cfg.Password.UpgradeOnLogin {
		t.Fatal("upgrade-on-login must default on")
	}
	if cfg.PasswordReset.Enabled || cfg.EmailVerification.Enabled || cfg.Invite.Enabled {
		t.Fatal("optional flows must default off")
	}
}
