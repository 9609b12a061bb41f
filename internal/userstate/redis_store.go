package userstate

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const userStatePrefix = "actiongate:user:"

// RedisStore keeps each user document in a Redis hash with "rev" and "doc" fields.
type RedisStore struct {
	client *redis.Client
}

// Compile-time check to ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromURL parses a redis:// or rediss:// URL and connects lazily.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("user_state.open.redis: %w", err)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("user_state.open.redis: %w", pingErr)
	}
	return NewRedisStore(client), nil
}

// Close releases the client connection pool.
func (store *RedisStore) Close() error {
	return store.client.Close()
}

// Read loads the document for userID.
func (store *RedisStore) Read(ctx context.Context, userID string) (UserState, bool, error) {
	if userID == "" {
		return UserState{}, false, fmt.Errorf("user_state.read.redis: %w", ErrEmptyUserID)
	}
	fields, err := store.client.HGetAll(ctx, userStatePrefix+userID).Result()
	if err != nil {
		return UserState{}, false, fmt.Errorf("user_state.read.redis: %w", err)
	}
	if len(fields) == 0 {
		return UserState{UserID: userID}, false, nil
	}
	state, decodeErr := decodeDocument(userID, Revision(fields["rev"]), []byte(fields["doc"]))
	if decodeErr != nil {
		return UserState{}, false, fmt.Errorf("user_state.decode.redis: %w", decodeErr)
	}
	return state, true, nil
}

// compareAndSetScript replaces the document only when the stored revision matches ARGV[1].
// A missing document has the empty revision.
var compareAndSetScript = redis.NewScript(`
	local current = redis.call("hget", KEYS[1], "rev")
	if not current then
		current = ""
	end
	if current ~= ARGV[1] then
		return {0, current}
	end
	redis.call("hset", KEYS[1], "rev", ARGV[2], "doc", ARGV[3])
	return {1, ARGV[2]}
`)

// Write atomically checks the revision and stores the document.
func (store *RedisStore) Write(ctx context.Context, state UserState) (Revision, error) {
	if state.UserID == "" {
		return "", fmt.Errorf("user_state.write.redis: %w", ErrEmptyUserID)
	}
	payload, err := encodeDocument(state)
	if err != nil {
		return "", fmt.Errorf("user_state.encode.redis: %w", err)
	}
	revision, _ := nextRevision(state.Revision)

	reply, err := compareAndSetScript.Run(ctx, store.client, []string{userStatePrefix + state.UserID},
		string(state.Revision), string(revision), string(payload)).Slice()
	if err != nil {
		return "", fmt.Errorf("user_state.write.redis: %w", err)
	}
	if len(reply) != 2 {
		return "", fmt.Errorf("user_state.write.redis: unexpected script reply %v", reply)
	}
	applied, _ := reply[0].(int64)
	current, _ := reply[1].(string)
	if applied != 1 {
		return "", fmt.Errorf("user_state.write.redis: %w", &ConflictError{
			UserID:           state.UserID,
			ExpectedRevision: state.Revision,
			CurrentRevision:  Revision(current),
		})
	}
	return revision, nil
}
