// README: Dispatch bookkeeping in Redis: one claim per agent and declined sets per order.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"courier/internal/types"
)

const (
	claimKeyPrefix    = "dispatch:agent:%s:order"
	declinedKeyPrefix = "dispatch:order:%s:declined"
)

// claimScript books the agent for the order unless the agent already holds
// another one. Re-claiming the same order refreshes the TTL.
var claimScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

// releaseScript drops the claim only while it still points at the order.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// Claim reports whether agentID is now booked for orderID.
func (s *Store) Claim(ctx context.Context, agentID, orderID types.ID) (bool, error) {
	n, err := claimScript.Run(ctx, s.redis, []string{claimKey(agentID)},
		string(orderID), claimTTL.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Release(ctx context.Context, agentID, orderID types.ID) error {
	return releaseScript.Run(ctx, s.redis, []string{claimKey(agentID)}, string(orderID)).Err()
}

// CurrentOrder returns the order agentID is booked for, if any.
func (s *Store) CurrentOrder(ctx context.Context, agentID types.ID) (types.ID, bool, error) {
	val, err := s.redis.Get(ctx, claimKey(agentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return types.ID(val), true, nil
}

func (s *Store) Decline(ctx context.Context, orderID, agentID types.ID) error {
	key := declinedKey(orderID)
	pipe := s.redis.Pipeline()
	pipe.SAdd(ctx, key, string(agentID))
	pipe.Expire(ctx, key, declineTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Declined(ctx context.Context, orderID types.ID) (map[types.ID]bool, error) {
	members, err := s.redis.SMembers(ctx, declinedKey(orderID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[types.ID]bool, len(members))
	for _, m := range members {
		out[types.ID(m)] = true
	}
	return out, nil
}

func claimKey(agentID types.ID) string {
	return fmt.Sprintf(claimKeyPrefix, string(agentID))
}

func declinedKey(orderID types.ID) string {
	return fmt.Sprintf(declinedKeyPrefix, string(orderID))
}
