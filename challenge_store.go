package stepup

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	challengeKeyPrefix      = "sc"
	challengeRecordVersion1 = 1
)

var (
	errChallengeNotFound  = errors.New("challenge record not found")
	errChallengeExpired   = errors.New("challenge record expired")
	errChallengeCompleted = errors.New("challenge already completed")
	errChallengeExhausted = errors.New("challenge attempts exhausted")
	errChallengeBackend   = errors.New("challenge backend unavailable")
)

// challengeRecord is the stored state of one challenge. Required keeps the
// policy ordering; satisfied is a method bitmask that only ever accumulates,
// so it equals the set of methods with at least one successful response.
type challengeRecord struct {
	UserID        string
	ChallengeType string
	TokenHash     [32]byte
	ContextHash   [32]byte
	ContextData   map[string]string
	Required      []AuthMethod
	Satisfied     uint8
	Attempts      uint16
	MaxAttempts   uint16
	CreatedAt     int64
	ExpiresAt     int64
	Completed     bool
	CompletedAt   int64
}

func (r *challengeRecord) requiredMask() uint8 {
	var mask uint8
	for _, m := range r.Required {
		mask |= m.bit()
	}
	return mask
}

func (r *challengeRecord) remaining() []AuthMethod {
	out := make([]AuthMethod, 0, len(r.Required))
	for _, m := range r.Required {
		if r.Satisfied&m.bit() == 0 {
			out = append(out, m)
		}
	}
	return out
}

func (r *challengeRecord) requires(m AuthMethod) bool {
	for _, req := range r.Required {
		if req == m {
			return true
		}
	}
	return false
}

type challengeStore struct {
	redis  *redis.Client
	prefix string
}

func newChallengeStore(redisClient *redis.Client, prefix string) *challengeStore {
	return &challengeStore{redis: redisClient, prefix: prefix}
}

func (s *challengeStore) key(challengeID string) string {
	return s.prefix + ":" + challengeKeyPrefix + ":" + challengeID
}

func (s *challengeStore) Create(ctx context.Context, challengeID string, record *challengeRecord) error {
	encoded, err := encodeChallengeRecord(record)
	if err != nil {
		return err
	}
	ttl := time.Until(time.Unix(record.ExpiresAt, 0))
	if ttl <= 0 {
		return errChallengeExpired
	}
	ok, err := s.redis.SetNX(ctx, s.key(challengeID), encoded, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	if !ok {
		return fmt.Errorf("%w: duplicate challenge id", errChallengeBackend)
	}
	return nil
}

func (s *challengeStore) Get(ctx context.Context, challengeID string) (*challengeRecord, error) {
	data, err := s.redis.Get(ctx, s.key(challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}

	record, err := decodeChallengeRecord(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(challengeID)).Result()
		return nil, errChallengeExpired
	}
	return record, nil
}

func (s *challengeStore) Delete(ctx context.Context, challengeID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(challengeID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordAttempt applies one verification outcome to the challenge as a single
// conditional update: the open-state check, the attempt increment, the
// satisfied-set update, and the completion transition land atomically, so two
// concurrent responders can never both pass the attempts-cap check.
//
// The returned record reflects the state after the attempt. Closed challenges
// surface as errChallengeExpired / errChallengeCompleted / errChallengeExhausted
// without consuming an attempt.
func (s *challengeStore) RecordAttempt(
	ctx context.Context,
	challengeID string,
	method AuthMethod,
	success bool,
) (*challengeRecord, error) {
	const maxRetries = 4
	key := s.key(challengeID)

	for i := 0; i < maxRetries; i++ {
		var updated *challengeRecord
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeChallengeRecord(data)
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
				return errChallengeExpired
			}
			if record.Completed {
				return errChallengeCompleted
			}
			if record.Attempts >= record.MaxAttempts {
				return errChallengeExhausted
			}

			record.Attempts++
			if success {
				record.Satisfied |= method.bit()
				if record.Satisfied&record.requiredMask() == record.requiredMask() {
					record.Completed = true
					record.CompletedAt = now.Unix()
				}
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
				return errChallengeExpired
			}

			encoded, err := encodeChallengeRecord(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			if err != nil {
				return err
			}
			updated = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, errChallengeNotFound
			}
			if errors.Is(err, errChallengeExpired) ||
				errors.Is(err, errChallengeCompleted) ||
				errors.Is(err, errChallengeExhausted) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
		}
		return updated, nil
	}

	return nil, errChallengeNotFound
}

func encodeChallengeRecord(record *challengeRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(challengeRecordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.MaxAttempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.CompletedAt); err != nil {
		return nil, err
	}
	var completed uint8
	if record.Completed {
		completed = 1
	}
	buf.WriteByte(completed)
	buf.WriteByte(record.Satisfied)
	buf.Write(record.TokenHash[:])
	buf.Write(record.ContextHash[:])

	if len(record.Required) > 255 {
		return nil, errors.New("challenge required method count exceeded")
	}
	buf.WriteByte(uint8(len(record.Required)))
	for _, m := range record.Required {
		buf.WriteByte(uint8(m))
	}

	if err := writeString(&buf, record.UserID); err != nil {
		return nil, err
	}
	if err := writeString(&buf, record.ChallengeType); err != nil {
		return nil, err
	}

	if len(record.ContextData) > 65535 {
		return nil, errors.New("challenge context entry count exceeded")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.ContextData))); err != nil {
		return nil, err
	}
	for _, k := range sortedContextKeys(record.ContextData) {
		if err := writeString(&buf, k); err != nil {
			return nil, err
		}
		if err := writeString(&buf, record.ContextData[k]); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decodeChallengeRecord(data []byte) (*challengeRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersion1 {
		return nil, errors.New("invalid challenge record version")
	}

	record := &challengeRecord{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.MaxAttempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.CompletedAt); err != nil {
		return nil, err
	}
	completed, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	record.Completed = completed == 1
	if record.Satisfied, err = reader.ReadByte(); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.TokenHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.ContextHash[:]); err != nil {
		return nil, err
	}

	requiredLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	record.Required = make([]AuthMethod, 0, requiredLen)
	for i := 0; i < int(requiredLen); i++ {
		raw, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		m := AuthMethod(raw)
		if !m.Valid() {
			return nil, errors.New("invalid method in challenge record")
		}
		record.Required = append(record.Required, m)
	}

	if record.UserID, err = readString(reader); err != nil {
		return nil, err
	}
	if record.ChallengeType, err = readString(reader); err != nil {
		return nil, err
	}

	var entryCount uint16
	if err := binary.Read(reader, binary.BigEndian, &entryCount); err != nil {
		return nil, err
	}
	if entryCount > 0 {
		record.ContextData = make(map[string]string, entryCount)
		for i := 0; i < int(entryCount); i++ {
			k, err := readString(reader)
			if err != nil {
				return nil, err
			}
			v, err := readString(reader)
			if err != nil {
				return nil, err
			}
			record.ContextData[k] = v
		}
	}

	return record, nil
}

// sortedContextKeys gives the encoding (and the context hash) a canonical
// key order independent of map iteration.
func sortedContextKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 65535 {
		return errors.New("challenge record field length exceeded")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var length uint16
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return "", err
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
