package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/Hiviexd/kanban-board/domain"
)

// fillSnapshot stores a snapshot only while the board generation still
// matches the one read before the snapshot was loaded.
var fillSnapshot = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if not gen then gen = '0' end
if gen ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Cache serves board snapshots from Redis and evicts them whenever a board
// transaction commits. Every commit bumps a per-board generation, and a
// snapshot read from the base store is cached only if no commit happened
// since the read began.
type Cache struct {
	domain.Store
	redis *redis.Client
	ttl   time.Duration
}

func NewCache(base domain.Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if ttl > 0 && ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return &Cache{Store: base, redis: client, ttl: ttl}
}

func (c *Cache) Snapshot(ctx context.Context, boardID string) (domain.Snapshot, error) {
	if snap, ok := c.loadSnapshot(ctx, boardID); ok {
		return snap, nil
	}
	gen, genOK := c.generation(ctx, boardID)
	snap, err := c.Store.Snapshot(ctx, boardID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if genOK {
		c.storeSnapshot(ctx, boardID, gen, snap)
	}
	return snap, nil
}

func (c *Cache) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	if snap, ok := c.loadSnapshot(ctx, boardID); ok {
		return snap.Board, nil
	}
	return c.Store.GetBoard(ctx, boardID)
}

func (c *Cache) WithinBoard(ctx context.Context, boardID string, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := c.Store.WithinBoard(ctx, boardID, fn); err != nil {
		return err
	}
	c.evict(ctx, boardID)
	return nil
}

func (c *Cache) DeleteBoard(ctx context.Context, boardID string) error {
	if err := c.Store.DeleteBoard(ctx, boardID); err != nil {
		return err
	}
	c.evict(ctx, boardID)
	return nil
}

func (c *Cache) loadSnapshot(ctx context.Context, boardID string) (domain.Snapshot, bool) {
	if c.redis == nil {
		return domain.Snapshot{}, false
	}
	data, err := c.redis.Get(ctx, snapshotKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// Fall back to the store without failing the read.
			_ = c.redis.Del(ctx, snapshotKey(boardID)).Err()
		}
		return domain.Snapshot{}, false
	}
	var snap domain.Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		_ = c.redis.Del(ctx, snapshotKey(boardID)).Err()
		return domain.Snapshot{}, false
	}
	return snap, true
}

// generation returns the board's commit counter, "0" before the first
// commit. It fails when Redis cannot be read, and then nothing is cached.
func (c *Cache) generation(ctx context.Context, boardID string) (string, bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", false
	}
	gen, err := c.redis.Get(ctx, generationKey(boardID)).Result()
	if err == redis.Nil {
		return "0", true
	}
	if err != nil {
		return "", false
	}
	return gen, true
}

func (c *Cache) storeSnapshot(ctx context.Context, boardID, gen string, snap domain.Snapshot) {
	data, err := sonic.ConfigStd.Marshal(snap)
	if err != nil {
		return
	}
	keys := []string{snapshotKey(boardID), generationKey(boardID)}
	_ = fillSnapshot.Run(ctx, c.redis, keys, gen, data, c.ttl.Milliseconds()).Err()
}

// evict bumps the generation before deleting, so a fill that raced the
// commit either fails its check or is removed by the delete.
func (c *Cache) evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	_ = c.redis.Incr(ctx, generationKey(boardID)).Err()
	_ = c.redis.Del(ctx, snapshotKey(boardID)).Err()
}

func snapshotKey(boardID string) string {
	return "board:" + boardID
}

func generationKey(boardID string) string {
	return "board:" + boardID + ":gen"
}
