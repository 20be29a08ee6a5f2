package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jordanlanch/rewardsledger/pkg/cache"
)

// releaseScript deletes the lease only while it is still held by the caller
var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
if string.find(raw, '"owner":"' .. ARGV[1] .. '"', 1, true) then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaseInfo is stored under the lease key while a job runs
type LeaseInfo struct {
	Status    string `json:"status"`
	Owner     string `json:"owner"`
	StartedAt int64  `json:"started_at"`
}

// Lease keeps a scheduled job from running on two instances at once. The
// lease expires on its own if the holder dies.
type Lease struct {
	cache *cache.Client
	owner string
	ttl   time.Duration
}

// NewLease creates a lease manager for one instance
func NewLease(c *cache.Client, owner string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Lease{cache: c, owner: owner, ttl: ttl}
}

// Key returns the cache key of a job lease
func (l *Lease) Key(job string) string {
	return fmt.Sprintf("job_lease:%s", job)
}

// Acquire takes the lease for job. It reports false if another holder has it.
func (l *Lease) Acquire(ctx context.Context, job string) (bool, error) {
	data, err := json.Marshal(LeaseInfo{
		Status:    "in_progress",
		Owner:     l.owner,
		StartedAt: time.Now().Unix(),
	})
	if err != nil {
		return false, err
	}

	ok, err := l.cache.Redis.SetNX(ctx, l.Key(job), data, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease for %s: %w", job, err)
	}
	return ok, nil
}

// Holder returns the current lease of job, or nil when the job is idle
func (l *Lease) Holder(ctx context.Context, job string) (*LeaseInfo, error) {
	var info LeaseInfo
	hit, err := l.cache.GetJSON(ctx, l.Key(job), &info)
	if err != nil || !hit {
		return nil, err
	}
	return &info, nil
}

// Release gives the lease back if this instance still holds it
func (l *Lease) Release(ctx context.Context, job string) error {
	if err := releaseScript.Run(ctx, l.cache.Redis, []string{l.Key(job)}, l.owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease for %s: %w", job, err)
	}
	return nil
}
