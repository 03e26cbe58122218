package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

// Purpose discriminates single-use challenge kinds sharing one store.
type Purpose uint8

const (
	// PurposePasswordReset marks a password-reset challenge.
	PurposePasswordReset Purpose = iota + 1
	// PurposeEmailVerification marks an email-verification challenge.
	PurposeEmailVerification
)

const singleUseRecordVersionV1 = 1

var (
	// ErrChallengeNotFound is returned when no record exists for the id.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeUsed is returned when the challenge was already
	// consumed. A consumed challenge is terminal; it never flips back.
	ErrChallengeUsed = errors.New("challenge already used")
	// ErrChallengeExpired is returned when the challenge outlived its TTL.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrChallengeMismatch is returned on a wrong secret or purpose.
	ErrChallengeMismatch = errors.New("challenge secret mismatch")
	// ErrChallengeAttempts is returned once the wrong-secret budget is
	// spent; the record is destroyed.
	ErrChallengeAttempts = errors.New("challenge attempts exceeded")
	// ErrSingleUseUnavailable wraps transport-level Redis failures.
	ErrSingleUseUnavailable = errors.New("single-use store unavailable")
)

// SingleUseRecord is the persisted state of one single-use challenge.
// The plaintext secret is never stored, only its digest.
type SingleUseRecord struct {
	UserID     string
	SecretHash [32]byte
	ExpiresAt  int64
	Attempts   uint16
	Used       bool
	Purpose    Purpose
}

// SingleUseStore persists password-reset and email-verification
// challenges. Consumption is exactly-once: the optimistic WATCH/MULTI
// transaction guarantees a single winner under concurrent consumes.
type SingleUseStore struct {
	redis  *redis.Client
	prefix string
}

func NewSingleUseStore(redisClient *redis.Client, prefix string) *SingleUseStore {
	return &SingleUseStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *SingleUseStore) key(purpose Purpose, challengeID string) string {
	return fmt.Sprintf("%s:su:%d:%s", s.prefix, purpose, challengeID)
}

// Save persists a fresh challenge record with the given TTL.
func (s *SingleUseStore) Save(
	ctx context.Context,
	challengeID string,
	record *SingleUseRecord,
	ttl time.Duration,
) error {
	encoded, err := encodeSingleUseRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(record.Purpose, challengeID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSingleUseUnavailable, err)
	}

	return nil
}

// Get fetches a challenge without consuming it.
func (s *SingleUseStore) Get(ctx context.Context, purpose Purpose, challengeID string) (*SingleUseRecord, error) {
	data, err := s.redis.Get(ctx, s.key(purpose, challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrSingleUseUnavailable, err)
	}

	record, err := decodeSingleUseRecord(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		return nil, ErrChallengeExpired
	}

	return record, nil
}

// Consume atomically transitions a challenge to used. Exactly one
// concurrent caller succeeds; every later or losing caller observes
// [ErrChallengeUsed]. Wrong secrets burn an attempt; spending the
// budget destroys the record. The used marker is retained until the
// record's natural expiry so replays stay distinguishable from
// never-issued tokens.
func (s *SingleUseStore) Consume(
	ctx context.Context,
	purpose Purpose,
	challengeID string,
	providedHash [32]byte,
	maxAttempts int,
) (*SingleUseRecord, error) {
	const maxRetries = 4
	key := s.key(purpose, challengeID)

	for i := 0; i < maxRetries; i++ {
		var matched *SingleUseRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeSingleUseRecord(data)
			if err != nil {
				return err
			}

			now := time.Now()
			if now.Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrChallengeExpired
			}

			if record.Used {
				return ErrChallengeUsed
			}

			if record.Purpose != purpose {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrChallengeMismatch
			}

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrChallengeExpired
			}

			if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
				record.Attempts++
				if int(record.Attempts) >= maxAttempts {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						return nil
					})
					if err != nil {
						return err
					}
					return ErrChallengeAttempts
				}

				updated, err := encodeSingleUseRecord(record)
				if err != nil {
					return err
				}

				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrChallengeMismatch
			}

			record.Used = true
			updated, err := encodeSingleUseRecord(record)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			matched = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrChallengeNotFound
			case errors.Is(err, ErrChallengeExpired),
				errors.Is(err, ErrChallengeUsed),
				errors.Is(err, ErrChallengeMismatch),
				errors.Is(err, ErrChallengeAttempts):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrSingleUseUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, ErrChallengeNotFound
}

func encodeSingleUseRecord(record *SingleUseRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(singleUseRecordVersionV1)
	buf.WriteByte(byte(record.Purpose))

	used := byte(0)
	if record.Used {
		used = 1
	}
	buf.WriteByte(used)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.UserID) > 65535 {
		return nil, errors.New("single-use record user id too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.UserID)
	buf.Write(record.SecretHash[:])

	return buf.Bytes(), nil
}

func decodeSingleUseRecord(data []byte) (*SingleUseRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != singleUseRecordVersionV1 {
		return nil, errors.New("invalid single-use record version")
	}

	purpose, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	used, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &SingleUseRecord{
		Purpose: Purpose(purpose),
		Used:    used == 1,
	}

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var userIDLen uint16
	if err := binary.Read(reader, binary.BigEndian, &userIDLen); err != nil {
		return nil, err
	}

	userID := make([]byte, userIDLen)
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, err
	}
	record.UserID = string(userID)

	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
