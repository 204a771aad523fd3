package updateid

import (
	"sync"
	"time"

	"ums-dlna/work/database"
	"ums-dlna/work/logger"

	"github.com/benbjohnson/clock"
)

// maxUpdateID is the largest value a UPnP ui4 SystemUpdateID may carry
// before wrapping back to zero.
const maxUpdateID = 2147483647

// Counter is the server-wide system update counter. Library mutations call
// Bump; bursts inside the debounce window collapse into a single increment
// so a bulk import moves the counter once, not once per file. The value
// persists across restarts through the database.
type Counter struct {
	mu       sync.Mutex
	db       *database.DB
	clock    clock.Clock
	debounce time.Duration
	timer    *clock.Timer
	value    int64
	loaded   bool
}

// NewCounter creates a counter backed by the given database. The wall clock
// is injected so tests can drive the debounce window deterministically.
func NewCounter(db *database.DB, clk clock.Clock, debounce time.Duration) *Counter {
	return &Counter{
		db:       db,
		clock:    clk,
		debounce: debounce,
	}
}

// Get returns the current counter value, loading the persisted value on
// first use.
func (c *Counter) Get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()
	return c.value
}

// Bump schedules an increment. Repeated bumps inside the debounce window
// reset the timer, so the increment lands once the burst settles.
func (c *Counter) Bump() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.clock.AfterFunc(c.debounce, c.fire)
}

// Stop cancels any pending increment without applying it.
func (c *Counter) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// fire applies the debounced increment, wrapping at the ui4 ceiling, and
// persists best-effort. A failed write is logged and never blocks the
// in-memory counter.
func (c *Counter) fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil

	if c.value >= maxUpdateID {
		c.value = 0
	} else {
		c.value++
	}

	if err := c.db.SaveUpdateID(c.value); err != nil {
		logger.Warn("{updateid - fire} Failed to persist update id %d: %v", c.value, err)
	} else {
		logger.Debug("{updateid - fire} System update id advanced to %d", c.value)
	}
}

// loadLocked pulls the persisted value on first touch. A fresh database
// starts the counter at zero.
func (c *Counter) loadLocked() {
	if c.loaded {
		return
	}
	c.loaded = true

	value, found, err := c.db.LoadUpdateID()
	if err != nil {
		logger.Warn("{updateid - loadLocked} Failed to load persisted update id: %v", err)
		return
	}
	if found {
		c.value = value
		logger.Debug("{updateid - loadLocked} Restored system update id %d", value)
	}
}
