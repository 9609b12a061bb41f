package authflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/actiongate/internal/metrics"
	"github.com/tyemirov/actiongate/internal/userstate"
)

const (
	defaultFallbackLifetime = time.Hour
	defaultRefreshTimeout   = 30 * time.Second
)

// Timer is the handle returned by a Scheduler.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after delay.
type Scheduler func(delay time.Duration, fn func()) Timer

func afterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}

// RefresherConfig wires the collaborators and timings of a Refresher.
type RefresherConfig struct {
	Machine          *userstate.Machine
	Refresher        TokenRefresher
	Logger           *zap.Logger
	Metrics          metrics.Recorder
	Clock            Clock
	Scheduler        Scheduler
	// Margin is how long before expiry a refresh fires.
	Margin           time.Duration
	// Interval, when positive, replaces the delay computed from the expiry.
	Interval         time.Duration
	// FallbackLifetime is assumed for tokens issued without an expiry.
	FallbackLifetime time.Duration
	// Timeout bounds one refresh round-trip including the state write.
	Timeout          time.Duration
}

type scheduledRefresh struct {
	timer      Timer
	generation uint64
}

// Refresher keeps one self-rescheduling refresh timer per user.
type Refresher struct {
	machine          *userstate.Machine
	refresher        TokenRefresher
	logger           *zap.Logger
	metrics          metrics.Recorder
	clock            Clock
	schedule         Scheduler
	margin           time.Duration
	interval         time.Duration
	fallbackLifetime time.Duration
	timeout          time.Duration

	mutex      sync.Mutex
	timers     map[string]scheduledRefresh
	generation uint64
	stopped    bool
}

// NewRefresher validates configuration and applies defaults.
func NewRefresher(configuration RefresherConfig) (*Refresher, error) {
	if configuration.Machine == nil || configuration.Refresher == nil {
		return nil, fmt.Errorf("%w: refresher requires machine and token refresher", ErrMissingDependency)
	}
	refresher := &Refresher{
		machine:          configuration.Machine,
		refresher:        configuration.Refresher,
		logger:           configuration.Logger,
		metrics:          configuration.Metrics,
		clock:            configuration.Clock,
		schedule:         configuration.Scheduler,
		margin:           configuration.Margin,
		interval:         configuration.Interval,
		fallbackLifetime: configuration.FallbackLifetime,
		timeout:          configuration.Timeout,
		timers:           make(map[string]scheduledRefresh),
	}
	if refresher.logger == nil {
		refresher.logger = zap.NewNop()
	}
	if refresher.metrics == nil {
		refresher.metrics = metrics.Nop{}
	}
	if refresher.clock == nil {
		refresher.clock = NewSystemClock()
	}
	if refresher.schedule == nil {
		refresher.schedule = afterFunc
	}
	if refresher.margin < 0 {
		refresher.margin = 0
	}
	if refresher.fallbackLifetime <= 0 {
		refresher.fallbackLifetime = defaultFallbackLifetime
	}
	if refresher.timeout <= 0 {
		refresher.timeout = defaultRefreshTimeout
	}
	return refresher, nil
}

// Delay returns how long to wait before refreshing tokens.
func (refresher *Refresher) Delay(tokens userstate.Tokens) time.Duration {
	if refresher.interval > 0 {
		return refresher.interval
	}
	now := refresher.clock.Now()
	expiry := tokens.Expiry
	if expiry.IsZero() {
		expiry = now.Add(refresher.fallbackLifetime)
	}
	delay := expiry.Sub(now) - refresher.margin
	if delay < 0 {
		return 0
	}
	return delay
}

// Schedule arms the user's refresh timer, replacing any timer already armed.
func (refresher *Refresher) Schedule(userID string, tokens userstate.Tokens) {
	delay := refresher.Delay(tokens)

	refresher.mutex.Lock()
	defer refresher.mutex.Unlock()
	refresher.arm(userID, delay)
}

// scheduleIfCurrent re-arms userID only while generation is still its armed timer.
// The check and the re-arm share one critical section so a concurrent Schedule wins.
func (refresher *Refresher) scheduleIfCurrent(userID string, generation uint64, tokens userstate.Tokens) bool {
	delay := refresher.Delay(tokens)

	refresher.mutex.Lock()
	defer refresher.mutex.Unlock()
	entry, ok := refresher.timers[userID]
	if !ok || entry.generation != generation {
		return false
	}
	return refresher.arm(userID, delay)
}

// arm must be called with mutex held.
func (refresher *Refresher) arm(userID string, delay time.Duration) bool {
	if refresher.stopped {
		return false
	}
	if existing, ok := refresher.timers[userID]; ok {
		existing.timer.Stop()
	}
	refresher.generation++
	generation := refresher.generation
	timer := refresher.schedule(delay, func() {
		refresher.fire(userID, generation)
	})
	refresher.timers[userID] = scheduledRefresh{timer: timer, generation: generation}
	refresher.metrics.Increment("refresh.scheduled")
	refresher.logger.Debug("refresh scheduled", zap.String("code", "refresh.scheduled"), zap.String("user_id", userID), zap.Duration("delay", delay))
	return true
}

// Active reports whether userID has an armed refresh timer.
func (refresher *Refresher) Active(userID string) bool {
	refresher.mutex.Lock()
	defer refresher.mutex.Unlock()
	_, ok := refresher.timers[userID]
	return ok
}

// Stop cancels every timer; later Schedule calls are ignored.
func (refresher *Refresher) Stop() {
	refresher.mutex.Lock()
	defer refresher.mutex.Unlock()
	refresher.stopped = true
	for userID, entry := range refresher.timers {
		entry.timer.Stop()
		delete(refresher.timers, userID)
	}
}

func (refresher *Refresher) current(userID string, generation uint64) bool {
	refresher.mutex.Lock()
	defer refresher.mutex.Unlock()
	entry, ok := refresher.timers[userID]
	return ok && entry.generation == generation && !refresher.stopped
}

func (refresher *Refresher) halt(userID string, generation uint64) {
	refresher.mutex.Lock()
	defer refresher.mutex.Unlock()
	if entry, ok := refresher.timers[userID]; ok && entry.generation == generation {
		delete(refresher.timers, userID)
	}
}

func (refresher *Refresher) fire(userID string, generation uint64) {
	if !refresher.current(userID, generation) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), refresher.timeout)
	defer cancel()

	tokens, err := refresher.refresh(ctx, userID)
	if err != nil {
		refresher.halt(userID, generation)
		refresher.metrics.Increment("refresh.failed")
		refresher.logger.Error("token refresh failed, loop halted", zap.String("code", "refresh.failed"), zap.String("user_id", userID), zap.Error(err))
		return
	}
	refresher.metrics.Increment("refresh.succeeded")
	refresher.logger.Info("token refreshed", zap.String("code", "refresh.succeeded"), zap.String("user_id", userID), zap.Time("expiry", tokens.Expiry))
	refresher.scheduleIfCurrent(userID, generation, tokens)
}

// refresh exchanges the stored refresh token and merges the result into the user's state.
func (refresher *Refresher) refresh(ctx context.Context, userID string) (userstate.Tokens, error) {
	state, err := refresher.machine.Get(ctx, userID)
	if err != nil {
		return userstate.Tokens{}, err
	}
	if state.Tokens == nil || state.Tokens.RefreshToken == "" {
		return userstate.Tokens{}, ErrMissingRefreshToken
	}
	fresh, err := refresher.refresher.RefreshToken(ctx, state.Tokens.RefreshToken)
	if err != nil {
		return userstate.Tokens{}, fmt.Errorf("%w: %w", ErrUpstreamAuth, err)
	}
	fresh = fresh.WithExpiry(refresher.clock.Now(), refresher.fallbackLifetime)

	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		updated, runErr := refresher.machine.Run(ctx, userID, func(current userstate.UserState) (userstate.UserState, error) {
			merged := userstate.MergeTokens(current.Tokens, fresh)
			current.Tokens = &merged
			return current, nil
		})
		if runErr == nil {
			return *updated.Tokens, nil
		}
		if !errors.Is(runErr, userstate.ErrConflict) {
			return userstate.Tokens{}, runErr
		}
		lastErr = runErr
	}
	return userstate.Tokens{}, lastErr
}
