// Package presence tracks ephemeral per-room state backed by Redis:
// which participants are online (and on which push endpoint instance)
// and each participant's last-read timestamp. Durable message data lives
// in Postgres; everything here may expire or be lost without data loss.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// onlinePrefix keys per-user online markers.
	onlinePrefix = "online:"

	// readPrefix keys per-room read-state hashes.
	readPrefix = "read:"

	// OnlineTTL is how long an online marker survives without a refresh.
	// Connections refresh it on every keepalive round trip.
	OnlineTTL = 90 * time.Second
)

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this push endpoint instance
}

// NewStore connects to Redis and returns a presence store.
func NewStore(redisAddr, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// SetOnline marks a user online on this instance with a TTL.
func (s *Store) SetOnline(ctx context.Context, userID int64) error {
	key := onlinePrefix + strconv.FormatInt(userID, 10)
	return s.client.Set(ctx, key, s.serverName, OnlineTTL).Err()
}

// RefreshOnline extends a user's online marker. Called per keepalive.
func (s *Store) RefreshOnline(ctx context.Context, userID int64) error {
	key := onlinePrefix + strconv.FormatInt(userID, 10)
	return s.client.Expire(ctx, key, OnlineTTL).Err()
}

// SetOffline removes a user's online marker.
func (s *Store) SetOffline(ctx context.Context, userID int64) error {
	key := onlinePrefix + strconv.FormatInt(userID, 10)
	return s.client.Del(ctx, key).Err()
}

// Online reports whether the user currently holds an online marker and,
// if so, which instance they are connected to.
func (s *Store) Online(ctx context.Context, userID int64) (bool, string, error) {
	key := onlinePrefix + strconv.FormatInt(userID, 10)
	server, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, server, nil
}

// MarkRead records the user's last-read time for a room.
func (s *Store) MarkRead(ctx context.Context, roomID, userID int64) error {
	key := readPrefix + strconv.FormatInt(roomID, 10)
	field := strconv.FormatInt(userID, 10)
	return s.client.HSet(ctx, key, field, time.Now().Unix()).Err()
}

// LastRead returns the user's last-read time for a room, or the zero time
// if the user has never marked the room read.
func (s *Store) LastRead(ctx context.Context, roomID, userID int64) (time.Time, error) {
	key := readPrefix + strconv.FormatInt(roomID, 10)
	field := strconv.FormatInt(userID, 10)
	unix, err := s.client.HGet(ctx, key, field).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0), nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
