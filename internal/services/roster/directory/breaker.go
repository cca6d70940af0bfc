package directory

import (
	"sync"
	"time"

	perrors "github.com/silverpine/rollcall/internal/platform/errors"
)

// breaker is a process-wide cooldown gate. Any transport failure or 5xx
// from the directory stamps a last-failure time; fetch calls inside the
// cooldown window fail fast instead of piling onto a struggling upstream.
type breaker struct {
	mu          sync.Mutex
	cooldown    time.Duration
	lastFailure time.Time
	now         func() time.Time
}

func newBreaker(cooldown time.Duration) *breaker {
	return &breaker{cooldown: cooldown, now: time.Now}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
}

func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastFailure.IsZero() {
		return nil
	}
	remaining := b.cooldown - b.now().Sub(b.lastFailure)
	if remaining <= 0 {
		return nil
	}
	return perrors.WithMetadata(
		perrors.CodeDirectoryCooldown,
		"directory is cooling down after a recent failure",
		map[string]string{"retry_after": remaining.String()},
	)
}
