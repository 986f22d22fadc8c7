package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Keeper grants time-bounded processing leases on queue entries using Redis.
// A claimed entry without a live lease is presumed orphaned (the process that
// claimed it died mid-flight) and may be requeued by the watchdog.
type Keeper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewKeeper constructs a lease keeper.
func NewKeeper(client *redis.Client, ttl time.Duration) *Keeper {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Keeper{client: client, ttl: ttl}
}

// Acquire takes the lease for the entry. It reports false when another
// holder already owns it.
func (k *Keeper) Acquire(ctx context.Context, entryID uuid.UUID) (bool, error) {
	ok, err := k.client.SetNX(ctx, k.key(entryID), time.Now().UTC().Format(time.RFC3339Nano), k.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire: %w", err)
	}
	return ok, nil
}

// Renew extends the lease for an entry that is still in flight. Renewing a
// lease that expired re-creates it; that is acceptable because only the
// owning scheduler calls Renew.
func (k *Keeper) Renew(ctx context.Context, entryID uuid.UUID) error {
	script := redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
if redis.call('EXISTS', key) == 1 then
  redis.call('PEXPIRE', key, ttl)
  return 1
end
redis.call('SET', key, ARGV[2], 'PX', ttl)
return 0
`)
	if err := script.Run(ctx, k.client, []string{k.key(entryID)},
		k.ttl.Milliseconds(), time.Now().UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("lease renew: %w", err)
	}
	return nil
}

// Release drops the lease.
func (k *Keeper) Release(ctx context.Context, entryID uuid.UUID) error {
	if err := k.client.Del(ctx, k.key(entryID)).Err(); err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

// Alive reports whether the entry still has a live lease.
func (k *Keeper) Alive(ctx context.Context, entryID uuid.UUID) (bool, error) {
	n, err := k.client.Exists(ctx, k.key(entryID)).Result()
	if err != nil {
		return false, fmt.Errorf("lease check: %w", err)
	}
	return n == 1, nil
}

func (k *Keeper) key(entryID uuid.UUID) string {
	return fmt.Sprintf("dialer:queue:%s:lease", entryID.String())
}
