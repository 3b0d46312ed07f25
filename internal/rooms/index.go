package rooms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/stranger-signaling/internal/models"
)

// ErrNotFound is returned when a room id is unknown or already closed.
var ErrNotFound = errors.New("room not found")

const (
	recorderBuffer = 1024
	// closeReserve slots are kept free for removals once opens start dropping.
	closeReserve = 64
	scanBatch    = 100
)

// Lookup resolves the public metadata of an active room.
type Lookup interface {
	Get(ctx context.Context, roomID string) (models.RoomMetadata, error)
}

// LookupFunc adapts an in-process lookup (such as the broker) to Lookup.
type LookupFunc func(roomID string) (models.RoomMetadata, bool)

func (f LookupFunc) Get(_ context.Context, roomID string) (models.RoomMetadata, error) {
	meta, ok := f(roomID)
	if !ok {
		return models.RoomMetadata{}, ErrNotFound
	}
	return meta, nil
}

type op struct {
	meta   models.RoomMetadata
	closed bool
}

// RedisIndex mirrors room open/close into Redis hashes. Writes are queued
// and applied by a single goroutine, so the mirror sees rooms in the same
// order the broker created and destroyed them.
type RedisIndex struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	ops    chan op
	logger logrus.FieldLogger
}

// NewRedisIndex builds an index scoped under prefix (e.g., "stranger").
func NewRedisIndex(rdb *redis.Client, prefix string, ttl time.Duration, logger logrus.FieldLogger) *RedisIndex {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "stranger"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisIndex{
		rdb:    rdb,
		prefix: p,
		ttl:    ttl,
		ops:    make(chan op, recorderBuffer),
		logger: logger,
	}
}

func (x *RedisIndex) roomKey(roomID string) string {
	return fmt.Sprintf("%s:rooms:%s", x.prefix, roomID)
}

// RoomOpened queues the room for recording. It never blocks.
func (x *RedisIndex) RoomOpened(meta models.RoomMetadata) {
	x.enqueue(op{meta: meta})
}

// RoomClosed queues the room for removal. It never blocks.
func (x *RedisIndex) RoomClosed(roomID string) {
	x.enqueue(op{meta: models.RoomMetadata{ID: roomID}, closed: true})
}

func (x *RedisIndex) enqueue(o op) {
	if !o.closed && len(x.ops) >= recorderBuffer-closeReserve {
		x.logger.WithField("room_id", o.meta.ID).Warn("Room index buffer full, dropping update")
		return
	}
	select {
	case x.ops <- o:
	default:
		x.logger.WithField("room_id", o.meta.ID).Warn("Room index buffer full, dropping update")
	}
}

// Reset deletes every room hash under the prefix. Rooms never outlive the
// process that created them, so call it before Run at startup.
func (x *RedisIndex) Reset(ctx context.Context) error {
	iter := x.rdb.Scan(ctx, 0, x.roomKey("*"), scanBatch).Iterator()
	keys := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == scanBatch {
			if err := x.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("clear room index: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan room index: %w", err)
	}
	if len(keys) > 0 {
		if err := x.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("clear room index: %w", err)
		}
	}
	return nil
}

// Run applies queued updates until ctx is cancelled.
func (x *RedisIndex) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-x.ops:
			if err := x.apply(ctx, o); err != nil {
				x.logger.WithError(err).WithField("room_id", o.meta.ID).Warn("Failed to update room index")
			}
		}
	}
}

func (x *RedisIndex) apply(ctx context.Context, o op) error {
	key := x.roomKey(o.meta.ID)
	if o.closed {
		return x.rdb.Del(ctx, key).Err()
	}
	pipe := x.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":         o.meta.ID,
		"text_only":  strconv.FormatBool(o.meta.TextOnly),
		"created_at": o.meta.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, x.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get fetches a room by id, returning ErrNotFound when missing.
func (x *RedisIndex) Get(ctx context.Context, roomID string) (models.RoomMetadata, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return models.RoomMetadata{}, ErrNotFound
	}

	vals, err := x.rdb.HGetAll(ctx, x.roomKey(roomID)).Result()
	if err != nil {
		return models.RoomMetadata{}, err
	}
	if len(vals) == 0 {
		return models.RoomMetadata{}, ErrNotFound
	}

	meta := models.RoomMetadata{ID: roomID}
	meta.TextOnly, _ = strconv.ParseBool(vals["text_only"])
	if ts, ok := vals["created_at"]; ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			meta.CreatedAt = parsed
		}
	}
	return meta, nil
}
