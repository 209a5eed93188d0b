package stepup

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	responseKeyPrefix      = "scr"
	responseRecordVersion1 = 1
)

// ChallengeResponse is one row of the append-only per-challenge attempt log.
// Rows are never mutated after insertion; the log outlives the challenge key
// by [ChallengeConfig.ResponseRetention] so exhausted and expired challenges
// stay reviewable.
type ChallengeResponse struct {
	Method      AuthMethod
	Success     bool
	AttemptedAt time.Time
	ClientIP    string
	UserAgent   string
}

type responseStore struct {
	redis     *redis.Client
	prefix    string
	retention time.Duration
}

func newResponseStore(redisClient *redis.Client, prefix string, retention time.Duration) *responseStore {
	return &responseStore{redis: redisClient, prefix: prefix, retention: retention}
}

func (s *responseStore) key(challengeID string) string {
	return s.prefix + ":" + responseKeyPrefix + ":" + challengeID
}

// Append records one attempt. RPush preserves attemptedAt order because the
// orchestrator appends after the atomic attempt update for the same id.
func (s *responseStore) Append(ctx context.Context, challengeID string, row ChallengeResponse) error {
	encoded, err := encodeResponseRow(row)
	if err != nil {
		return err
	}
	key := s.key(challengeID)
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, encoded)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return nil
}

func (s *responseStore) List(ctx context.Context, challengeID string) ([]ChallengeResponse, error) {
	raw, err := s.redis.LRange(ctx, s.key(challengeID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	out := make([]ChallengeResponse, 0, len(raw))
	for _, item := range raw {
		row, err := decodeResponseRow([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *responseStore) Delete(ctx context.Context, challengeID string) error {
	if err := s.redis.Del(ctx, s.key(challengeID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return nil
}

func encodeResponseRow(row ChallengeResponse) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(responseRecordVersion1)
	buf.WriteByte(uint8(row.Method))
	var success uint8
	if row.Success {
		success = 1
	}
	buf.WriteByte(success)
	if err := binary.Write(&buf, binary.BigEndian, row.AttemptedAt.UnixNano()); err != nil {
		return nil, err
	}
	if err := writeString(&buf, row.ClientIP); err != nil {
		return nil, err
	}
	if err := writeString(&buf, row.UserAgent); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeResponseRow(data []byte) (ChallengeResponse, error) {
	var row ChallengeResponse
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return row, err
	}
	if version != responseRecordVersion1 {
		return row, fmt.Errorf("invalid response record version %d", version)
	}

	method, err := reader.ReadByte()
	if err != nil {
		return row, err
	}
	row.Method = AuthMethod(method)

	success, err := reader.ReadByte()
	if err != nil {
		return row, err
	}
	row.Success = success == 1

	var nanos int64
	if err := binary.Read(reader, binary.BigEndian, &nanos); err != nil {
		return row, err
	}
	row.AttemptedAt = time.Unix(0, nanos).UTC()

	if row.ClientIP, err = readString(reader); err != nil {
		return row, err
	}
	if row.UserAgent, err = readString(reader); err != nil {
		return row, err
	}
	return row, nil
}
