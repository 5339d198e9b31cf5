package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the lease expired or was taken
// over by another holder.
var ErrNotHeld = errors.New("lease not held")

// Only the holder may extend or delete the key.
var (
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
)

// Lease is an exclusive, expiring claim on a Redis key. A held lease is
// renewed at half its TTL.
type Lease struct {
	client redis.UniversalClient
	key    string
	holder string
	ttl    time.Duration

	mu   sync.Mutex
	stop chan struct{}
	lost chan struct{}
}

func NewLease(client redis.UniversalClient, key, holder string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		holder: holder,
		ttl:    ttl,
		lost:   make(chan struct{}),
	}
}

func (l *Lease) Key() string { return l.key }

// TryAcquire claims the key without waiting. It reports false when another
// holder owns it. Renewal stops when ctx is done or Release is called.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", l.key, err)
	}
	if !acquired {
		return false, nil
	}

	l.mu.Lock()
	l.stop = make(chan struct{})
	stop := l.stop
	l.mu.Unlock()
	go l.renew(ctx, stop)
	return true, nil
}

// Lost is closed when a renewal finds the key gone or owned by someone
// else.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

func (l *Lease) renew(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int64()
			if err != nil {
				// Transient; the next tick retries before the key expires.
				continue
			}
			if n == 0 {
				close(l.lost)
				return
			}
		}
	}
}

// Release stops renewal and deletes the key if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	l.mu.Unlock()

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Int64()
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
