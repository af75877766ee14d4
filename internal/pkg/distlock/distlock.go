// Package distlock provides a Redis-backed distributed lock used to keep
// concurrent analysis runs from competing for the same source tables and
// worker capacity. The job store already requires Redis, so the lock rides
// on the same client.
package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a single-owner lock using SET NX with a TTL. The TTL bounds how
// long a crashed run can hold the lock. A random ownership value and Lua
// scripts for release/extend prevent one process from releasing a lock that
// another process has since acquired.
//
// A Lock instance is owned by one goroutine; concurrent runs need separate
// instances.
type Lock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

// New creates a lock on the given name. The name is namespaced under
// "sccs:lock:" to keep it clear of job keys.
func New(client *redis.Client, name string, ttl time.Duration) *Lock {
	b := make([]byte, 16)
	rand.Read(b)
	return &Lock{
		client: client,
		key:    fmt.Sprintf("sccs:lock:%s", name),
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire tries to take the lock without blocking. Returns true on success,
// false if another owner holds it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Release releases the lock only if this instance still owns it.
func (l *Lock) Release(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	_, err := script.Run(ctx, l.client, []string{l.key}, l.value).Result()
	return err
}

// Extend refreshes the lock TTL. Long analyses call this between batches so
// the lock outlives the initial TTL while the run is healthy.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	_, err := script.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Result()
	return err
}
