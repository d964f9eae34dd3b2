// Package admission gates run creation: a hard ceiling on runs waiting or
// executing, and a per-caller request rate limit. Both reject instead of
// blocking so callers get an immediate, typed answer.
package admission

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrQueueFull is returned when admitting would exceed the queue ceiling.
var ErrQueueFull = eris.New("admission: queue full")

// ErrRateLimited is returned when a caller exceeds its request rate.
var ErrRateLimited = eris.New("admission: rate limited")

// Controller enforces the queue ceiling and per-caller rate limits.
type Controller struct {
	mu       sync.Mutex
	occupied int
	ceiling  int

	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewController creates a controller admitting at most ceiling concurrent
// tickets and at most requests admissions per caller per window. A zero or
// negative requests disables rate limiting.
func NewController(ceiling, requests int, window time.Duration) *Controller {
	c := &Controller{
		ceiling:  ceiling,
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Inf,
		burst:    1,
	}
	if requests > 0 && window > 0 {
		c.limit = rate.Every(window / time.Duration(requests))
		c.burst = requests
	}
	return c
}

// Admit reserves a queue slot for the caller. The returned ticket must be
// released exactly when the run leaves the system; releasing twice is safe.
// Rate limits are checked before capacity so a throttled caller cannot
// consume slots.
func (c *Controller) Admit(caller string) (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.limiterLocked(caller).Allow() {
		return nil, eris.Wrapf(ErrRateLimited, "caller %q", caller)
	}
	if c.occupied >= c.ceiling {
		return nil, eris.Wrapf(ErrQueueFull, "%d of %d slots occupied", c.occupied, c.ceiling)
	}
	c.occupied++

	t := &Ticket{id: uuid.NewString()}
	t.release = func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.occupied--
		zap.L().Debug("admission ticket released",
			zap.String("ticket", t.id),
			zap.Int("occupied", c.occupied))
	}
	return t, nil
}

// Occupied returns the number of live tickets.
func (c *Controller) Occupied() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.occupied
}

func (c *Controller) limiterLocked(caller string) *rate.Limiter {
	l, ok := c.limiters[caller]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[caller] = l
	}
	return l
}

// Ticket is one admitted slot. Release is idempotent.
type Ticket struct {
	id      string
	release func()
	once    sync.Once
}

// ID returns the ticket's unique id, used to correlate admission logs.
func (t *Ticket) ID() string { return t.id }

// Release frees the slot. Safe to call more than once; only the first call
// has effect.
func (t *Ticket) Release() {
	t.once.Do(t.release)
}
