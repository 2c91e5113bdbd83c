package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("invoice lock not acquired")
)

// Locker is used by the billing service to guard the reconciliation
// critical section per invoice. The storage row lock is what guarantees
// atomicity; this advisory lock keeps concurrent writers from queueing
// up on the same invoice row across instances.
type Locker interface {
	WithInvoiceLock(ctx context.Context, invoiceID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisInvoiceLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisInvoiceLocker creates a locker that uses a per invoice Redis key
func NewRedisInvoiceLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisInvoiceLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisInvoiceLocker) WithInvoiceLock(ctx context.Context, invoiceID uuid.UUID, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:invoice:%s", invoiceID.String())
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire invoice lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisInvoiceLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release invoice lock: %w", err)
	}
	return nil
}
