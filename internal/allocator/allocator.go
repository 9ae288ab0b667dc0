// Package allocator grants exclusive leases on accounts. The lease table is
// the single mutable shared structure on the dispatch hot path; acquire and
// release are atomic in Redis so two workers can never run jobs for the same
// account concurrently.
package allocator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"autopost-engine/internal/faults"
)

const keyPrefix = "lease:account:"

// Lease is an exclusivity token for one account, held for a job's RUNNING
// duration. The token fences release so a stale holder cannot free a lease
// that has since been revoked and re-acquired.
type Lease struct {
	AccountID string
	Token     string
}

// Allocator manages the account lease table.
type Allocator struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds an allocator. The TTL is a crash safety net; normal operation
// releases leases explicitly when a job settles.
func New(client *redis.Client, ttl time.Duration) *Allocator {
	if ttl <= 0 {
		ttl = 45 * time.Minute
	}
	return &Allocator{client: client, ttl: ttl}
}

// Acquire claims the account if no live lease exists for it. Returns
// faults.ErrResourceBusy when the account is already claimed.
func (a *Allocator) Acquire(ctx context.Context, accountID string) (Lease, error) {
	token := uuid.New().String()
	ok, err := a.client.SetNX(ctx, keyPrefix+accountID, token, a.ttl).Result()
	if err != nil {
		return Lease{}, err
	}
	if !ok {
		return Lease{}, faults.ErrResourceBusy
	}
	return Lease{AccountID: accountID, Token: token}, nil
}

// Release frees the lease. Idempotent: releasing a lease that expired, was
// revoked, or was already released is a no-op.
func (a *Allocator) Release(ctx context.Context, lease Lease) error {
	return releaseScript.Run(ctx, a.client, []string{keyPrefix + lease.AccountID}, lease.Token).Err()
}

// Extend pushes the lease TTL forward if the caller still holds it.
func (a *Allocator) Extend(ctx context.Context, lease Lease, ttl time.Duration) error {
	return extendScript.Run(ctx, a.client, []string{keyPrefix + lease.AccountID}, lease.Token, ttl.Milliseconds()).Err()
}

// Revoke forcibly deletes the lease regardless of holder. Used when a job
// blows its hard deadline and cannot be trusted to release cooperatively.
func (a *Allocator) Revoke(ctx context.Context, accountID string) error {
	return a.client.Del(ctx, keyPrefix+accountID).Err()
}

// Held reports whether a live lease exists for the account.
func (a *Allocator) Held(ctx context.Context, accountID string) (bool, error) {
	n, err := a.client.Exists(ctx, keyPrefix+accountID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
