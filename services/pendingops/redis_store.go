package pendingops

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/redisutils"
)

const defaultKeyPrefix = "pendingops:"

// redisStore keeps operations in redis under a TTL. Tokens are 128 bits
// of randomness, hex encoded, so they carry no payload and cannot be
// forged. Delete's DEL count makes single use enforceable.
type redisStore struct {
	client *redisutils.Client
	prefix string
}

// NewRedisStore creates the redis backed store
func NewRedisStore(client *redisutils.Client) Store {
	return &redisStore{client: client, prefix: defaultKeyPrefix}
}

func (s *redisStore) key(opType, token string) string {
	return s.prefix + opType + ":" + token
}

// Create stores the operation under a fresh random token
func (s *redisStore) Create(ctx context.Context, opType string, data, meta map[string]interface{}, ttl time.Duration) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", errorutils.Wrap(err, "failed to generate pending operation token")
	}
	token := hex.EncodeToString(raw)

	now := time.Now().UTC()
	op := PendingOperation{
		Token:     token,
		Type:      opType,
		Data:      data,
		Meta:      meta,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	b, err := json.Marshal(op)
	if err != nil {
		return "", errorutils.Wrap(err, "failed to marshal pending operation")
	}
	if err := s.client.Set(ctx, s.key(opType, token), b, ttl).Err(); err != nil {
		return "", errorutils.Upstream(err, "failed to store pending operation", nil)
	}
	return token, nil
}

// Get fetches the operation; redis expiry doubles as the TTL check
func (s *redisStore) Get(ctx context.Context, opType, token string) (*PendingOperation, error) {
	b, err := s.client.Get(ctx, s.key(opType, token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errorutils.NotFound("pending operation not found")
	}
	if err != nil {
		return nil, errorutils.Upstream(err, "failed to fetch pending operation", nil)
	}

	var op PendingOperation
	if err := json.Unmarshal(b, &op); err != nil {
		return nil, errorutils.Wrap(err, "failed to unmarshal pending operation")
	}
	return &op, nil
}

// Delete removes the key; the DEL count says whether this caller won
func (s *redisStore) Delete(ctx context.Context, opType, token string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(opType, token)).Result()
	if err != nil {
		return false, errorutils.Upstream(err, "failed to delete pending operation", nil)
	}
	return n > 0, nil
}

// GetRawData returns the stored payload with redis's view of the
// remaining TTL
func (s *redisStore) GetRawData(ctx context.Context, opType, token string) (*PendingOperation, time.Duration, error) {
	op, err := s.Get(ctx, opType, token)
	if err != nil {
		return nil, 0, err
	}
	ttl, err := s.client.PTTL(ctx, s.key(opType, token)).Result()
	if err != nil {
		return nil, 0, errorutils.Upstream(err, "failed to read pending operation ttl", nil)
	}
	if ttl < 0 {
		// expired (or unset) between the fetch and the PTTL call
		return nil, 0, errorutils.NotFound("pending operation not found")
	}
	return op, ttl, nil
}

// List scans for live operations of the given type
func (s *redisStore) List(ctx context.Context, opType string) ([]PendingOperation, error) {
	var ops []PendingOperation
	iter := s.client.Scan(ctx, 0, s.prefix+opType+":*", 100).Iterator()
	for iter.Next(ctx) {
		b, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			// expired between scan and fetch
			continue
		}
		if err != nil {
			return nil, errorutils.Upstream(err, "failed to fetch pending operation", nil)
		}
		var op PendingOperation
		if err := json.Unmarshal(b, &op); err != nil {
			return nil, errorutils.Wrap(err, "failed to unmarshal pending operation")
		}
		ops = append(ops, op)
	}
	if err := iter.Err(); err != nil {
		return nil, errorutils.Upstream(err, "failed to scan pending operations", nil)
	}
	return ops, nil
}
