package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is how long an unused device session is kept in Redis.
	SessionTTL = 30 * 24 * time.Hour
)

// Record is the persisted identity of one device.
type Record struct {
	UID          string `redis:"uid"`
	IDToken      string `redis:"id_token"`
	RefreshToken string `redis:"refresh_token"`
	ExpiresAt    int64  `redis:"expires_at"`  // unix timestamp
	CreatedAt    int64  `redis:"created_at"`  // unix timestamp
	LastActive   int64  `redis:"last_active"` // unix timestamp
}

// Store keeps device sessions in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Load returns the session stored for deviceID. Returns nil if not found.
func (s *Store) Load(ctx context.Context, deviceID string) (*Record, error) {
	key := SessionPrefix + deviceID
	var rec Record
	if err := s.client.HGetAll(ctx, key).Scan(&rec); err != nil {
		return nil, fmt.Errorf("session: load %s: %w", deviceID, err)
	}
	if rec.UID == "" {
		return nil, nil // not found
	}
	return &rec, nil
}

// Save writes rec for deviceID and refreshes the TTL.
func (s *Store) Save(ctx context.Context, deviceID string, rec *Record) error {
	key := SessionPrefix + deviceID
	now := time.Now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.LastActive = now

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"uid":           rec.UID,
		"id_token":      rec.IDToken,
		"refresh_token": rec.RefreshToken,
		"expires_at":    rec.ExpiresAt,
		"created_at":    rec.CreatedAt,
		"last_active":   rec.LastActive,
	})
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: save %s: %w", deviceID, err)
	}
	return nil
}

// Delete removes the session for deviceID.
func (s *Store) Delete(ctx context.Context, deviceID string) error {
	key := SessionPrefix + deviceID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", deviceID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
