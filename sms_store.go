package stepup

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

const (
	smsCodeKeyPrefix      = "ssc"
	smsCodeRecordVersion1 = 1
)

var (
	errSMSCodeNotFound = errors.New("sms code not found")
	errSMSCodeBackend  = errors.New("sms code backend unavailable")
)

// smsCodeRecord is one pending SMS code, keyed by user: re-sending replaces
// the previous code, so at most one code is live per user.
type smsCodeRecord struct {
	CodeHash  [32]byte
	Phone     string
	ExpiresAt int64
}

type smsCodeStore struct {
	redis  *redis.Client
	prefix string
}

func newSMSCodeStore(redisClient *redis.Client, prefix string) *smsCodeStore {
	return &smsCodeStore{redis: redisClient, prefix: prefix}
}

func (s *smsCodeStore) key(userID string) string {
	return s.prefix + ":" + smsCodeKeyPrefix + ":" + userID
}

func (s *smsCodeStore) Put(ctx context.Context, userID string, record *smsCodeRecord) error {
	encoded, err := encodeSMSCodeRecord(record)
	if err != nil {
		return err
	}
	ttl := time.Until(time.Unix(record.ExpiresAt, 0))
	if ttl <= 0 {
		return errSMSCodeNotFound
	}
	if err := s.redis.Set(ctx, s.key(userID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errSMSCodeBackend, err)
	}
	return nil
}

// Consume checks the presented hash against the unexpired stored value and
// deletes it on match, so a delivered code verifies at most once.
func (s *smsCodeStore) Consume(ctx context.Context, userID string, presentedHash [32]byte) (bool, error) {
	key := s.key(userID)
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", errSMSCodeBackend, err)
	}

	record, err := decodeSMSCodeRecord(data)
	if err != nil {
		return false, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, key).Result()
		return false, nil
	}
	if subtle.ConstantTimeCompare(record.CodeHash[:], presentedHash[:]) != 1 {
		return false, nil
	}
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return false, fmt.Errorf("%w: %v", errSMSCodeBackend, err)
	}
	return true, nil
}

func (s *smsCodeStore) Phone(ctx context.Context, userID string) (string, error) {
	data, err := s.redis.Get(ctx, s.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", errSMSCodeNotFound
		}
		return "", fmt.Errorf("%w: %v", errSMSCodeBackend, err)
	}
	record, err := decodeSMSCodeRecord(data)
	if err != nil {
		return "", err
	}
	return record.Phone, nil
}

func encodeSMSCodeRecord(record *smsCodeRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(smsCodeRecordVersion1)
	buf.Write(record.CodeHash[:])
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := writeString(&buf, record.Phone); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSMSCodeRecord(data []byte) (*smsCodeRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != smsCodeRecordVersion1 {
		return nil, errors.New("invalid sms code record version")
	}

	record := &smsCodeRecord{}
	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if record.Phone, err = readString(reader); err != nil {
		return nil, err
	}
	return record, nil
}
