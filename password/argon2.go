// Package password hashes and verifies user passwords with argon2id.
//
// Hashes are stored in PHC string format so parameters travel with the
// hash and can be upgraded over time without a migration step.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrInvalidHash is returned when a stored hash cannot be parsed.
	ErrInvalidHash = errors.New("password: invalid hash format")
	// ErrMismatch is returned by Verify when the password does not match.
	ErrMismatch = errors.New("password: mismatch")
)

// Params controls the argon2id cost parameters and output sizes.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

// DefaultParams returns the parameters used when none are configured.
// Values follow the current OWASP baseline for argon2id.
func DefaultParams() Params {
	return Params{
		MemoryKiB:   64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLen:     16,
		KeyLen:      32,
	}
}

// Validate rejects parameter sets below the accepted minimums.
func (p Params) Validate() error {
	if p.MemoryKiB < 8*1024 {
		return fmt.Errorf("password: memory %d KiB below minimum 8192", p.MemoryKiB)
	}
	if p.Iterations < 1 {
		return errors.New("password: iterations must be at least 1")
	}
	if p.Parallelism < 1 {
		return errors.New("password: parallelism must be at least 1")
	}
	if p.SaltLen < 8 {
		return errors.New("password: salt length must be at least 8 bytes")
	}
	if p.KeyLen < 16 {
		return errors.New("password: key length must be at least 16 bytes")
	}
	return nil
}

// Hasher produces and checks argon2id password hashes.
type Hasher struct {
	params Params
}

// NewHasher returns a Hasher with the given parameters, or an error if
// they are below the accepted minimums. Zero-value params are replaced
// with DefaultParams.
func NewHasher(p Params) (*Hasher, error) {
	if p == (Params{}) {
		p = DefaultParams()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Hasher{params: p}, nil
}

// Hash derives an argon2id hash of the password and encodes it as a
// PHC string: $argon2id$v=19$m=...,t=...,p=...$<salt>$<hash>.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("password: salt generation: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, h.params.Iterations, h.params.MemoryKiB, h.params.Parallelism, h.params.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.MemoryKiB, h.params.Iterations, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks the password against a stored PHC hash. It returns nil
// on match, ErrMismatch on a wrong password, and ErrInvalidHash when
// the stored value cannot be parsed. Comparison is constant time.
func (h *Hasher) Verify(password, encoded string) error {
	p, salt, key, err := parsePHC(encoded)
	if err != nil {
		return err
	}
	got := argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, uint32(len(key)))
	if subtle.ConstantTimeCompare(got, key) != 1 {
		return ErrMismatch
	}
	return nil
}

// NeedsRehash reports whether a stored hash was produced with weaker
// parameters than the hasher's current ones and should be regenerated
// on the next successful login.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	p, _, key, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	if p.MemoryKiB < h.params.MemoryKiB || p.Iterations < h.params.Iterations {
		return true, nil
	}
	if uint32(p.Parallelism) < uint32(h.params.Parallelism) {
		return true, nil
	}
	if uint32(len(key)) < h.params.KeyLen {
		return true, nil
	}
	return false, nil
}

func parsePHC(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Params{}, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return Params{}, nil, nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidHash, version)
	}

	var p Params
	var par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Iterations, &par); err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if par == 0 || par > 255 {
		return Params{}, nil, nil, ErrInvalidHash
	}
	p.Parallelism = uint8(par)

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if len(salt) == 0 || len(key) == 0 {
		return Params{}, nil, nil, ErrInvalidHash
	}
	p.SaltLen = uint32(len(salt))
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}
