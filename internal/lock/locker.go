// Package lock provides the per-target leases that keep at most one run
// active on a host, and the short admission locks used when triggering.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lock held by another owner")

// ErrNotOwner is returned when releasing a lease that expired or was taken over.
var ErrNotOwner = errors.New("lock not owned")

// Lease identifies one successful acquisition.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Locker hands out expiring leases keyed by name.
type Locker interface {
	// TryLock acquires key for ttl or returns ErrHeld without waiting.
	TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	// Unlock releases the lease if the caller still owns it.
	Unlock(ctx context.Context, lease *Lease) error
	// Extend pushes the lease's expiry to ttl from now. It returns ErrNotOwner
	// once the lease expired or was taken over.
	Extend(ctx context.Context, lease *Lease, ttl time.Duration) error
}

// WaitOptions bound how long Wait keeps polling a held lock.
type WaitOptions struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// Wait polls TryLock with backoff until the lease is acquired, the attempts run
// out or ctx ends. Errors other than ErrHeld stop the wait immediately.
func Wait(ctx context.Context, l Locker, key string, ttl time.Duration, opts WaitOptions) (*Lease, error) {
	if opts.Attempts == 0 {
		opts.Attempts = 20
	}
	if opts.Delay == 0 {
		opts.Delay = 25 * time.Millisecond
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 500 * time.Millisecond
	}

	var lease *Lease
	err := retry.Do(
		func() error {
			var err error
			lease, err = l.TryLock(ctx, key, ttl)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(opts.Attempts),
		retry.Delay(opts.Delay),
		retry.MaxDelay(opts.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrHeld) }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Memory is a process-local Locker.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, leases: map[string]Lease{}}
}

var _ Locker = (*Memory)(nil)

func (m *Memory) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[key]; ok && now.Before(cur.ExpiresAt) {
		return nil, ErrHeld
	}
	l := Lease{Key: key, Token: newToken(), ExpiresAt: now.Add(ttl)}
	m.leases[key] = l
	return &l, nil
}

func (m *Memory) Unlock(_ context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[lease.Key]
	if !ok || cur.Token != lease.Token {
		return ErrNotOwner
	}
	delete(m.leases, lease.Key)
	return nil
}

func (m *Memory) Extend(_ context.Context, lease *Lease, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.leases[lease.Key]
	if !ok || cur.Token != lease.Token || !now.Before(cur.ExpiresAt) {
		return ErrNotOwner
	}
	cur.ExpiresAt = now.Add(ttl)
	m.leases[lease.Key] = cur
	lease.ExpiresAt = cur.ExpiresAt
	return nil
}
