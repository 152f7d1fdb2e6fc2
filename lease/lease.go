// Package lease provides named, expiring ownership records for runs that
// must not overlap, such as two sync jobs against the same spool.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrHeld is returned when another owner holds an unexpired lease.
	ErrHeld = errors.New("lease held by another owner")
	// ErrNotHeld is returned when renewing or releasing a lease the caller
	// no longer owns.
	ErrNotHeld = errors.New("lease not held")
)

const DefaultTTL = 30 * time.Second

// Locker stores leases. Implementations must make TryAcquire atomic: an
// expired lease may be taken over, a live one only by its owner.
type Locker interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) error
	Release(ctx context.Context, name, owner string) error
}

// NewOwner returns a unique owner id that also names the host and process.
func NewOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString())
}

// Lease is a held lease kept alive by a heartbeat. Its context is canceled
// when a renewal fails, so work bound to it stops once ownership is lost.
type Lease struct {
	locker Locker
	name   string
	owner  string
	ttl    time.Duration
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	lost   atomic.Bool
}

// Acquire takes the named lease or returns ErrHeld. The caller must defer
// Release.
func Acquire(ctx context.Context, locker Locker, name string, ttl time.Duration, logger *slog.Logger) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	owner := NewOwner()

	ok, err := locker.TryAcquire(ctx, name, owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lease %s: %w", name, ErrHeld)
	}

	lctx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		locker: locker,
		name:   name,
		owner:  owner,
		ttl:    ttl,
		logger: logger,
		ctx:    lctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.heartbeat()

	if logger != nil {
		logger.Debug("lease acquired", "name", name, "owner", owner, "ttl", ttl)
	}
	return l, nil
}

// Context is canceled when the lease is lost or released.
func (l *Lease) Context() context.Context { return l.ctx }

// Lost reports whether a renewal failed.
func (l *Lease) Lost() bool { return l.lost.Load() }

func (l *Lease) Owner() string { return l.owner }

func (l *Lease) heartbeat() {
	defer close(l.done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.locker.Renew(l.ctx, l.name, l.owner, l.ttl); err != nil {
				if l.ctx.Err() != nil {
					return
				}
				l.lost.Store(true)
				if l.logger != nil {
					l.logger.Error("lease lost", "name", l.name, "owner", l.owner, "err", err)
				}
				l.cancel(fmt.Errorf("lease %s: %w", l.name, err))
				return
			}
		}
	}
}

// Release stops the heartbeat and gives the lease up. It is safe to call
// more than once.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done

		l.cancel(nil)
		if l.lost.Load() {
			return
		}

		// the parent context may already be done; releasing must still happen
		ctx, cancel := context.WithTimeout(context.WithoutCancel(l.ctx), 5*time.Second)
		defer cancel()
		if rerr := l.locker.Release(ctx, l.name, l.owner); rerr != nil && !errors.Is(rerr, ErrNotHeld) {
			err = fmt.Errorf("release lease %s: %w", l.name, rerr)
		}
		if l.logger != nil {
			l.logger.Debug("lease released", "name", l.name, "owner", l.owner)
		}
	})
	return err
}
