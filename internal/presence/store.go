package presence

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store tracks which identities currently hold a live signaling channel.
type Store interface {
	Reset(ctx context.Context) error
	AddPeer(ctx context.Context, id string) error
	RemovePeer(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
}

// RedisStore implements Store using a Redis set.
type RedisStore struct {
	rdb      *redis.Client
	keyPeers string
}

// NewRedisStore builds a presence store backed by Redis. Prefix is optional (e.g., "stranger").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "stranger"
	}
	return &RedisStore{
		rdb:      rdb,
		keyPeers: fmt.Sprintf("%s:online", p),
	}
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.rdb.Del(ctx, s.keyPeers).Err()
}

func (s *RedisStore) AddPeer(ctx context.Context, id string) error {
	return s.rdb.SAdd(ctx, s.keyPeers, id).Err()
}

func (s *RedisStore) RemovePeer(ctx context.Context, id string) error {
	return s.rdb.SRem(ctx, s.keyPeers, id).Err()
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	return s.rdb.SCard(ctx, s.keyPeers).Result()
}

// MemoryStore is the in-process Store used when Redis is disabled.
type MemoryStore struct {
	mu    sync.Mutex
	peers map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{peers: make(map[string]struct{})}
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = make(map[string]struct{})
	return nil
}

func (s *MemoryStore) AddPeer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[id] = struct{}{}
	return nil
}

func (s *MemoryStore) RemovePeer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
	return nil
}

func (s *MemoryStore) Count(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.peers)), nil
}
