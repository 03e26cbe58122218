package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// ChallengeID identifies a single-use challenge record. It is random,
// public, and safe to store alongside the secret's digest.
type ChallengeID [16]byte

const (
	// SecretSize is the raw byte length of every opaque bearer secret
	// (refresh, reset, verification, invite). 32 bytes of CSPRNG output
	// gives the 256 bits of entropy the digest lookup relies on.
	SecretSize = 32

	challengeRawSize = 16 + SecretSize
)

func NewChallengeID() (ChallengeID, error) {
	var id ChallengeID
	_, err := rand.Read(id[:])
	return id, err
}

func (c ChallengeID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(c[:])
}

func ParseChallengeID(s string) (ChallengeID, error) {
	var id ChallengeID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid challenge id size")
	}

	copy(id[:], raw)
	return id, nil
}

func NewSecret() ([SecretSize]byte, error) {
	var secret [SecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashSecret is the at-rest digest for every bearer secret. One-way,
// fixed length, used only for equality lookup; never for passwords.
func HashSecret(secret [SecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

func HashBytes(secret []byte) [32]byte {
	return sha256.Sum256(secret)
}

// EncodeBearerSecret renders a digest-keyed bearer token (refresh,
// invite). The wire form carries only the secret; the store key is its
// digest.
func EncodeBearerSecret(secret [SecretSize]byte) string {
	return base64.RawURLEncoding.EncodeToString(secret[:])
}

func DecodeBearerSecret(token string) ([SecretSize]byte, error) {
	var secret [SecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return secret, err
	}
	if len(raw) != SecretSize {
		return secret, errors.New("invalid bearer secret size")
	}

	copy(secret[:], raw)
	return secret, nil
}

// EncodeChallenge renders an id-addressed single-use token (password
// reset, email verification): challenge id followed by the secret.
func EncodeChallenge(id ChallengeID, secret [SecretSize]byte) string {
	var raw [challengeRawSize]byte
	copy(raw[:len(id)], id[:])
	copy(raw[len(id):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:])
}

func DecodeChallenge(token string) (ChallengeID, [SecretSize]byte, error) {
	var (
		id     ChallengeID
		secret [SecretSize]byte
	)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return id, secret, err
	}
	if len(raw) != challengeRawSize {
		return id, secret, errors.New("invalid challenge token size")
	}

	copy(id[:], raw[:len(id)])
	copy(secret[:], raw[len(id):])

	return id, secret, nil
}
