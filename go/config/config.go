// Package config holds the server settings which operators may change
// at runtime. Settings are stored as a singleton row in the scheduler
// database and polled periodically, so a change propagates to all
// replicas within one poll interval without a restart.
package config

import (
	"context"
	"sync"
	"time"

	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/infra/go/util"
)

const (
	// DefaultReusableTaskAge is how far back deduplication searches
	// for a completed idempotent task.
	DefaultReusableTaskAge = 7 * 24 * time.Hour

	// DefaultBotPingTolerance is how long a bot may stay silent before
	// its running tasks are considered dead.
	DefaultBotPingTolerance = 10 * time.Minute

	// DefaultProbabilityOfQuickComeback is the chance that a polling
	// backoff is cut short so a mostly idle fleet still picks up new
	// tasks quickly.
	DefaultProbabilityOfQuickComeback = 0.05

	// PollInterval is how often cached settings are refreshed.
	PollInterval = time.Minute
)

// Settings are the tunable knobs of the scheduler.
type Settings struct {
	// ReusableTaskAgeSecs bounds how old a completed idempotent task
	// may be to serve as a deduplication source.
	ReusableTaskAgeSecs int64

	// BotPingToleranceSecs is how long a bot may stay silent before
	// its running tasks are considered dead.
	BotPingToleranceSecs int64

	// ProbabilityOfQuickComeback is the chance that an exponential
	// polling backoff is replaced with a one second delay.
	ProbabilityOfQuickComeback float64
}

// Default returns a Settings with every knob at its default.
func Default() *Settings {
	return &Settings{
		ReusableTaskAgeSecs:        int64(DefaultReusableTaskAge / time.Second),
		BotPingToleranceSecs:       int64(DefaultBotPingTolerance / time.Second),
		ProbabilityOfQuickComeback: DefaultProbabilityOfQuickComeback,
	}
}

// Copy returns a copy of the settings.
func (s *Settings) Copy() *Settings {
	rv := new(Settings)
	*rv = *s
	return rv
}

// Validate returns an error if any knob is out of range.
func (s *Settings) Validate() error {
	if s.ReusableTaskAgeSecs <= 0 {
		return skerr.Fmt("ReusableTaskAgeSecs must be positive, not %d", s.ReusableTaskAgeSecs)
	}
	if s.BotPingToleranceSecs <= 0 {
		return skerr.Fmt("BotPingToleranceSecs must be positive, not %d", s.BotPingToleranceSecs)
	}
	if s.ProbabilityOfQuickComeback < 0 || s.ProbabilityOfQuickComeback > 1 {
		return skerr.Fmt("ProbabilityOfQuickComeback must be in [0, 1], not %f", s.ProbabilityOfQuickComeback)
	}
	return nil
}

// ReusableTaskAge returns ReusableTaskAgeSecs as a duration.
func (s *Settings) ReusableTaskAge() time.Duration {
	return time.Duration(s.ReusableTaskAgeSecs) * time.Second
}

// BotPingTolerance returns BotPingToleranceSecs as a duration.
func (s *Settings) BotPingTolerance() time.Duration {
	return time.Duration(s.BotPingToleranceSecs) * time.Second
}

// Store reads and writes the persisted settings singleton.
type Store interface {
	// GetSettings returns the stored settings, or defaults if none
	// were ever stored.
	GetSettings(ctx context.Context) (*Settings, error)

	// PutSettings stores new settings.
	PutSettings(ctx context.Context, s *Settings) error
}

// Cache caches the settings and refreshes them in the background.
type Cache struct {
	store    Store
	mtx      sync.RWMutex
	settings *Settings
	failures metrics2.Counter
}

// NewCache returns a Cache pre-filled from the store which refreshes
// every PollInterval until ctx is canceled.
func NewCache(ctx context.Context, store Store) (*Cache, error) {
	c := &Cache{
		store:    store,
		failures: metrics2.GetCounter("task_scheduler_settings_refresh_failures", nil),
	}
	if err := c.refresh(ctx); err != nil {
		return nil, skerr.Wrap(err)
	}
	go util.RepeatCtx(ctx, PollInterval, func(ctx context.Context) {
		if err := c.refresh(ctx); err != nil {
			c.failures.Inc(1)
			sklog.Errorf("Failed to refresh settings: %s", err)
		}
	})
	return c, nil
}

func (c *Cache) refresh(ctx context.Context) error {
	s, err := c.store.GetSettings(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := s.Validate(); err != nil {
		return skerr.Wrapf(err, "stored settings are invalid")
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.settings = s
	return nil
}

// Get returns the cached settings. The caller must not modify the
// returned value.
func (c *Cache) Get() *Settings {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.settings
}
