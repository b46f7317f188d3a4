package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"

	"github.com/sells-group/price-oracle/internal/model"
)

// DefaultVisibility is how long a claimed job may stay in flight before
// another worker may claim it again.
const DefaultVisibility = 10 * time.Minute

// RedisBackend stores jobs in Redis so they survive restarts and can be
// shared by several worker processes. Jobs live in a hash keyed by ID; a
// sorted set orders due times and a second sorted set tracks claims. Claims
// that outlive the visibility window return to the schedule, which gives
// at-least-once delivery after a worker crash.
type RedisBackend struct {
	client     *redis.Client
	prefix     string
	visibility time.Duration
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithPrefix sets the key prefix. Default: "oracle:jobs".
func WithPrefix(p string) RedisOption {
	return func(r *RedisBackend) { r.prefix = p }
}

// WithVisibility sets the in-flight claim window.
func WithVisibility(d time.Duration) RedisOption {
	return func(r *RedisBackend) { r.visibility = d }
}

// NewRedisBackend connects to the Redis server at url (redis://...).
func NewRedisBackend(ctx context.Context, url string, opts ...RedisOption) (*RedisBackend, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "queue: parse redis url")
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "queue: ping redis")
	}
	return NewRedisBackendFromClient(client, opts...), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, opts ...RedisOption) *RedisBackend {
	r := &RedisBackend{client: client, prefix: "oracle:jobs", visibility: DefaultVisibility}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *RedisBackend) dataKey() string      { return r.prefix + ":data" }
func (r *RedisBackend) scheduledKey() string { return r.prefix + ":scheduled" }
func (r *RedisBackend) inFlightKey() string  { return r.prefix + ":inflight" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func (r *RedisBackend) Push(ctx context.Context, job model.ScrapeJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "queue: marshal job")
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.dataKey(), job.ID, data)
		p.ZRem(ctx, r.inFlightKey(), job.ID)
		p.ZAdd(ctx, r.scheduledKey(), &redis.Z{Score: score(job.NextRunAt), Member: job.ID})
		return nil
	})
	return eris.Wrapf(err, "queue: push job %s", job.ID)
}

// claimScript first returns expired claims to the schedule, then moves the
// earliest due job into the in-flight set and returns its payload.
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[2], ids[1])
return redis.call('HGET', KEYS[3], ids[1])
`)

func (r *RedisBackend) Pop(ctx context.Context, now time.Time) (*model.ScrapeJob, error) {
	raw, err := claimScript.Run(ctx, r.client,
		[]string{r.scheduledKey(), r.inFlightKey(), r.dataKey()},
		score(now), score(now.Add(r.visibility)),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim job")
	}

	var job model.ScrapeJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, eris.Wrap(err, "queue: unmarshal job")
	}
	return &job, nil
}

func (r *RedisBackend) Ack(ctx context.Context, jobID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.inFlightKey(), jobID)
		p.ZRem(ctx, r.scheduledKey(), jobID)
		p.HDel(ctx, r.dataKey(), jobID)
		return nil
	})
	return eris.Wrapf(err, "queue: ack job %s", jobID)
}

// Len counts scheduled and in-flight jobs.
func (r *RedisBackend) Len(ctx context.Context) (int, error) {
	n, err := r.client.HLen(ctx, r.dataKey()).Result()
	return int(n), eris.Wrap(err, "queue: length")
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
