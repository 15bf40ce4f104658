package device

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/newtron-network/newtcheck/pkg/util"
)

// leaseKeyPrefix namespaces lease hashes: NEWTCHECK_LEASE|<address>|<username>.
const leaseKeyPrefix = "NEWTCHECK_LEASE|"

// acquireLeaseScript atomically creates the lease hash if absent.
// Returns 1 on success, 0 if another holder has it.
var acquireLeaseScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
	if redis.call("HGET", key, "holder") == ARGV[1] then
		redis.call("EXPIRE", key, tonumber(ARGV[3]))
		return 1
	end
	return 0
end
redis.call("HSET", key, "holder", ARGV[1], "acquired", ARGV[2], "ttl", ARGV[3])
redis.call("EXPIRE", key, tonumber(ARGV[3]))
return 1
`)

// releaseLeaseScript deletes the lease only when the caller holds it.
// Returns 1 on success, 0 if holder mismatch, -1 if the key doesn't exist.
var releaseLeaseScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
	return -1
end
local current = redis.call("HGET", key, "holder")
if current ~= ARGV[1] then
	return 0
end
redis.call("DEL", key)
return 1
`)

// RedisLeaseOptions configures a RedisLease.
type RedisLeaseOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Holder   string // defaults to hostname:pid:random
}

// RedisLease stores leases as redis hashes with a TTL so a crashed holder
// cannot wedge a device forever.
type RedisLease struct {
	client *redis.Client
	holder string
	ttl    time.Duration
}

// NewRedisLease creates a lease backed by the redis server at opts.Addr.
func NewRedisLease(opts RedisLeaseOptions) *RedisLease {
	holder := opts.Holder
	if holder == "" {
		host, _ := os.Hostname()
		holder = fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	ttl := opts.TTL
	if ttl < time.Second {
		ttl = 5 * time.Minute
	}
	return &RedisLease{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		holder: holder,
		ttl:    ttl,
	}
}

// Ping tests the connection.
func (l *RedisLease) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Holder returns the identity this process writes into lease hashes.
func (l *RedisLease) Holder() string {
	return l.holder
}

// Acquire takes the lease for id, or returns util.ErrDeviceBusy.
func (l *RedisLease) Acquire(ctx context.Context, id Identity) error {
	now := time.Now().UTC().Format(time.RFC3339)
	seconds := fmt.Sprintf("%d", int(l.ttl/time.Second))

	result, err := acquireLeaseScript.Run(ctx, l.client, []string{leaseKey(id)},
		l.holder, now, seconds).Int()
	if err != nil {
		return fmt.Errorf("acquiring lease for %s: %w", id, err)
	}
	if result == 0 {
		return fmt.Errorf("lease for %s: %w", id, util.ErrDeviceBusy)
	}
	return nil
}

// Release drops the lease for id. A missing key is not an error; it expired.
func (l *RedisLease) Release(ctx context.Context, id Identity) error {
	result, err := releaseLeaseScript.Run(ctx, l.client, []string{leaseKey(id)}, l.holder).Int()
	if err != nil {
		return fmt.Errorf("releasing lease for %s: %w", id, err)
	}
	if result == 0 {
		return fmt.Errorf("lease holder mismatch for %s", id)
	}
	return nil
}

// Close closes the redis client.
func (l *RedisLease) Close() error {
	return l.client.Close()
}

func leaseKey(id Identity) string {
	return leaseKeyPrefix + id.Address + "|" + id.Username
}
