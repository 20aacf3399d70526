package presence

import (
	"context"
	"sort"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/BevzyukIvan/JSocialFlux/logger"
)

const onlineUsersKey = "online_users"

var log = logger.Named("presence")

// Tracker is told about every authenticated session that opens or closes.
type Tracker interface {
	Connected(ctx context.Context, identity string)
	Disconnected(ctx context.Context, identity string)
}

// Nop ignores presence changes.
type Nop struct{}

func (Nop) Connected(context.Context, string)    {}
func (Nop) Disconnected(context.Context, string) {}

// disconnectScript decrements the connection count of a user and removes the
// field when it reaches zero, atomically.
var disconnectScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
  redis.call('HDEL', KEYS[1], ARGV[1])
  return 0
end
return n
`)

// Store counts open sessions per user in a Redis hash shared by all gateway
// instances. A user is online while the count is positive.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) AddOnlineUser(ctx context.Context, userID string) error {
	return s.rdb.HIncrBy(ctx, onlineUsersKey, userID, 1).Err()
}

func (s *Store) RemoveOnlineUser(ctx context.Context, userID string) error {
	return disconnectScript.Run(ctx, s.rdb, []string{onlineUsersKey}, userID).Err()
}

// GetOnlineUsers returns the users with at least one open session, sorted.
func (s *Store) GetOnlineUsers(ctx context.Context) ([]string, error) {
	users, err := s.rdb.HKeys(ctx, onlineUsersKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

func (s *Store) Connected(ctx context.Context, identity string) {
	if err := s.AddOnlineUser(ctx, identity); err != nil {
		log.Error("failed to add online user", zap.String("identity", identity), zap.Error(err))
	}
}

func (s *Store) Disconnected(ctx context.Context, identity string) {
	if err := s.RemoveOnlineUser(ctx, identity); err != nil {
		log.Error("failed to remove online user", zap.String("identity", identity), zap.Error(err))
	}
}

var (
	_ Tracker = Nop{}
	_ Tracker = (*Store)(nil)
)
