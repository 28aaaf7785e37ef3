// ABOUTME: Background sync scheduler pulling remote rows on a jittered interval
// ABOUTME: Tracks run state and counters, backing off exponentially on failure

package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// backoffFloor is where the failure backoff starts and resets to.
const backoffFloor = time.Second

// Task is the pull-and-insert work executed each tick.
type Task func(ctx context.Context) error

// State holds the scheduler's observable counters. All mutation happens
// through the scheduler loop; readers take a Snapshot.
type State struct {
	mu           sync.Mutex
	running      bool
	lastStarted  time.Time
	lastFinished time.Time
	lastError    string
	totalRuns    int64
	totalErrors  int64
}

// NewState returns an empty state.
func NewState() *State {
	return &State{}
}

// Snapshot is a point-in-time copy of the sync state for status reporting.
// Timestamps are unix seconds; nil means "never".
type Snapshot struct {
	Running      bool   `json:"running"`
	LastStarted  *int64 `json:"last_started"`
	LastFinished *int64 `json:"last_finished"`
	LastError    string `json:"last_error,omitempty"`
	TotalRuns    int64  `json:"total_runs"`
	TotalErrors  int64  `json:"total_errors"`
}

// Snapshot returns a consistent copy of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Running:     s.running,
		LastError:   s.lastError,
		TotalRuns:   s.totalRuns,
		TotalErrors: s.totalErrors,
	}
	if !s.lastStarted.IsZero() {
		ts := s.lastStarted.Unix()
		snap.LastStarted = &ts
	}
	if !s.lastFinished.IsZero() {
		ts := s.lastFinished.Unix()
		snap.LastFinished = &ts
	}
	return snap
}

// beginRun transitions idle -> running. It returns false when a run is
// already in flight, in which case the tick is dropped, not queued. The lock
// covers only the flag transition, never the pull itself.
func (s *State) beginRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false
	}
	s.running = true
	s.lastStarted = time.Now()
	return true
}

// endRun transitions running -> idle and stamps the finish time.
func (s *State) endRun() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	s.lastFinished = time.Now()
}

func (s *State) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastError = ""
	s.totalRuns++
}

func (s *State) recordError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastError = msg
	s.totalErrors++
}

// Scheduler runs a Task on a jittered interval. Ticks that land while a run
// is in flight are skipped. Failures record last_error and delay the next
// wake by an exponentially growing backoff, capped at backoffMax.
type Scheduler struct {
	task       Task
	state      *State
	interval   time.Duration
	jitter     time.Duration
	backoffMax time.Duration
	logger     *slog.Logger
}

// New creates a scheduler around the given task and shared state.
func New(task Task, state *State, interval, jitter, backoffMax time.Duration) *Scheduler {
	return &Scheduler{
		task:       task,
		state:      state,
		interval:   interval,
		jitter:     jitter,
		backoffMax: backoffMax,
		logger:     slog.Default().With("component", "scheduler"),
	}
}

// Run executes the scheduling loop until ctx is cancelled. Cancellation
// interrupts both the interval sleep and the backoff sleep; it is not
// reported as an error.
func (s *Scheduler) Run(ctx context.Context) error {
	backoff := backoffFloor

	for {
		if err := sleep(ctx, s.interval+jitterDelay(s.jitter)); err != nil {
			return nil
		}

		if !s.state.beginRun() {
			// A pull is still in flight; drop this tick entirely.
			continue
		}
		backoff = s.tick(ctx, backoff)
		s.state.endRun()

		if ctx.Err() != nil {
			return nil
		}
	}
}

// tick runs the task once and returns the backoff to apply to the next
// failure. The backoff sleep happens inside the tick, delaying the next
// scheduled wake rather than spawning a second timer.
func (s *Scheduler) tick(ctx context.Context, backoff time.Duration) time.Duration {
	if err := s.task(ctx); err != nil {
		s.state.recordError(err.Error())
		s.logger.Warn("sync failed", "error", err, "backoff", backoff)

		delay := min(backoff, s.backoffMax)
		_ = sleep(ctx, delay)
		return min(backoff*2, s.backoffMax)
	}

	s.state.recordSuccess()
	s.logger.Debug("sync completed")
	return backoffFloor
}

// jitterDelay returns a uniform random duration in [0, jitter].
func jitterDelay(jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(jitter) + 1))
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
