package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// consumeScript fetches and deletes a key in one server-side step so that
// concurrent spends of the same token cannot both see the value.
var consumeScript = redis.NewScript(`
	local v = redis.call("GET", KEYS[1])
	if v then
		redis.call("DEL", KEYS[1])
	end
	return v
`)

// RedisStore keeps handoff tokens in Redis, with expiry delegated to key
// TTLs. A vanished key and a never-issued token are the same miss.
type RedisStore struct {
	client *redis.Client
	ttls   TTLs
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed token store
func NewRedisStore(client *redis.Client, ttls TTLs) *RedisStore {
	return &RedisStore{client: client, ttls: ttls, now: time.Now}
}

type redisToken struct {
	UserID  string    `json:"user_id"`
	Data    Data      `json:"data"`
	Created time.Time `json:"created_at"`
	Expires time.Time `json:"expires_at"`
}

func redisKey(typ Type, value string) string {
	return fmt.Sprintf("keywarden:handoff:%s:%s", typ, value)
}

// Create issues a fresh token with a per-type key TTL
func (s *RedisStore) Create(ctx context.Context, typ Type, userID string, data Data) (*Token, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("invalid handoff token type %q", typ)
	}
	value, err := NewTokenValue()
	if err != nil {
		return nil, err
	}
	ttl := s.ttls.For(typ)
	now := s.now().UTC()
	tok := &Token{
		Value:   value,
		UserID:  userID,
		Type:    typ,
		Data:    data,
		Active:  true,
		Created: now,
		Expires: now.Add(ttl),
	}
	blob, err := json.Marshal(redisToken{UserID: userID, Data: data, Created: tok.Created, Expires: tok.Expires})
	if err != nil {
		return nil, fmt.Errorf("marshal handoff token: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(typ, value), blob, ttl).Err(); err != nil {
		return nil, fmt.Errorf("store handoff token: %w", err)
	}
	return tok, nil
}

// ConsumeOrFail atomically retrieves and deletes the matching token
func (s *RedisStore) ConsumeOrFail(ctx context.Context, value string, typ Type) (*Token, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{redisKey(typ, value)}).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume handoff token: %w", err)
	}
	blob, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("consume handoff token: unexpected reply type %T", res)
	}

	var rt redisToken
	if err := json.Unmarshal([]byte(blob), &rt); err != nil {
		return nil, fmt.Errorf("unmarshal handoff token: %w", err)
	}
	return &Token{
		Value:   value,
		UserID:  rt.UserID,
		Type:    typ,
		Data:    rt.Data,
		Active:  false,
		Created: rt.Created,
		Expires: rt.Expires,
	}, nil
}
