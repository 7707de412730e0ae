// Package scheduler runs the fixed-cadence tick loop: ordered stages, a
// consecutive-error budget and an overheat cut-off.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrFatalErrorBudgetExceeded is returned by Result.Err when max_errors consecutive cycles failed
	ErrFatalErrorBudgetExceeded = errors.New("consecutive error budget exceeded")
	// ErrCriticalOverheat is returned by Result.Err when the ratio reached heat_critical
	ErrCriticalOverheat = errors.New("critical overheat")
)

// Reason explains why Run returned
type Reason int

const (
	Completed Reason = iota // max_ticks reached
	Canceled                // context canceled
	FatalErrorBudgetExceeded
	CriticalOverheat
)

func (r Reason) String() string {
	switch r {
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	case FatalErrorBudgetExceeded:
		return "fatal_error_budget_exceeded"
	case CriticalOverheat:
		return "critical_overheat"
	default:
		return "unknown"
	}
}

// Result describes how the loop ended
type Result struct {
	Reason            Reason
	Ticks             uint64
	ConsecutiveErrors int
	LastError         error
	Ratio             float64
}

// Err maps fatal reasons to sentinel errors. Completed and Canceled are not errors.
func (r Result) Err() error {
	switch r.Reason {
	case FatalErrorBudgetExceeded:
		return fmt.Errorf("%w after %d errors: %w", ErrFatalErrorBudgetExceeded, r.ConsecutiveErrors, r.LastError)
	case CriticalOverheat:
		return fmt.Errorf("%w: ratio %.3f at tick %d", ErrCriticalOverheat, r.Ratio, r.Ticks)
	default:
		return nil
	}
}

// Stage is one subsystem update within a cycle
type Stage struct {
	Name     string
	Priority int
	Run      func(ctx context.Context, tick uint64) error
}

// StageError identifies which stage failed a cycle
type StageError struct {
	Stage string
	Tick  uint64
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed at tick %d: %v", e.Stage, e.Tick, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Policy holds the settings that can change between cycles
type Policy struct {
	Interval        time.Duration
	MaxErrors       int
	ErrorRetryDelay time.Duration
	MaxTicks        uint64 // 0 = unbounded
	HeatCritical    float64
}

// Options configures a Scheduler
type Options struct {
	Policy

	// Ratio reports the current pressure ratio for the overheat check. Required.
	Ratio func() float64

	Clock  Clock
	Logger *slog.Logger

	// BeforeCycle runs on the loop goroutine before the stages of each cycle
	BeforeCycle func(tick uint64)
	// AfterCycle runs after the stages, with the first stage error (or nil)
	AfterCycle func(tick uint64, err error)
	// OnError runs for every failed cycle
	OnError func(tick uint64, stage string, consecutive int, err error)
}

type registered struct {
	Stage
	order int
}

// Scheduler is the single writer of engine state: every stage runs on the
// goroutine that called Run.
type Scheduler struct {
	mu     sync.Mutex
	policy Policy
	stages []registered

	ratio       func() float64
	clock       Clock
	logger      *slog.Logger
	beforeCycle func(uint64)
	afterCycle  func(uint64, error)
	onError     func(uint64, string, int, error)

	errLog  rate.Sometimes
	ticks   atomic.Uint64
	running atomic.Bool
}

// New creates a scheduler
func New(opts Options) (*Scheduler, error) {
	if opts.Ratio == nil {
		return nil, fmt.Errorf("ratio function is required")
	}
	if err := validatePolicy(opts.Policy); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		policy:      opts.Policy,
		ratio:       opts.Ratio,
		clock:       opts.Clock,
		logger:      opts.Logger,
		beforeCycle: opts.BeforeCycle,
		afterCycle:  opts.AfterCycle,
		onError:     opts.OnError,
		errLog:      rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}, nil
}

func validatePolicy(p Policy) error {
	if p.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", p.Interval)
	}
	if p.MaxErrors <= 0 {
		return fmt.Errorf("max_errors must be positive, got %d", p.MaxErrors)
	}
	if p.ErrorRetryDelay < 0 {
		return fmt.Errorf("error_retry_delay must be non-negative, got %v", p.ErrorRetryDelay)
	}
	if math.IsNaN(p.HeatCritical) || p.HeatCritical <= 0 {
		return fmt.Errorf("heat_critical must be positive, got %v", p.HeatCritical)
	}
	return nil
}

// Register adds a stage. Stages run in ascending priority; ties keep registration order.
func (s *Scheduler) Register(st Stage) error {
	if st.Name == "" || st.Run == nil {
		return fmt.Errorf("stage needs a name and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.stages {
		if r.Name == st.Name {
			return fmt.Errorf("stage %q already registered", st.Name)
		}
	}
	s.stages = append(s.stages, registered{Stage: st, order: len(s.stages)})
	s.sortStages()
	return nil
}

// Reprioritize changes stage priorities by name. Unknown names are ignored.
func (s *Scheduler) Reprioritize(priorities map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.stages {
		if p, ok := priorities[s.stages[i].Name]; ok {
			s.stages[i].Priority = p
		}
	}
	s.sortStages()
}

func (s *Scheduler) sortStages() {
	sort.SliceStable(s.stages, func(i, j int) bool {
		if s.stages[i].Priority != s.stages[j].Priority {
			return s.stages[i].Priority < s.stages[j].Priority
		}
		return s.stages[i].order < s.stages[j].order
	})
}

// StageNames returns the stage names in execution order
func (s *Scheduler) StageNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.stages))
	for i, r := range s.stages {
		names[i] = r.Name
	}
	return names
}

// SetPolicy replaces the policy. It takes effect from the next cycle.
func (s *Scheduler) SetPolicy(p Policy) error {
	if err := validatePolicy(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
	return nil
}

// Policy returns the current policy
func (s *Scheduler) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Ticks returns the number of cycles run so far
func (s *Scheduler) Ticks() uint64 {
	return s.ticks.Load()
}

// Running reports whether Run is executing
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Run drives the loop until a stop condition. A cycle in progress is always
// finished before Run returns.
func (s *Scheduler) Run(ctx context.Context) Result {
	if !s.running.CompareAndSwap(false, true) {
		return Result{Reason: Canceled, LastError: fmt.Errorf("scheduler already running")}
	}
	defer s.running.Store(false)

	var (
		tick        uint64
		consecutive int
		lastErr     error
		next        = s.clock.Now()
	)

	stop := func(reason Reason, ratio float64) Result {
		res := Result{
			Reason:            reason,
			Ticks:             tick,
			ConsecutiveErrors: consecutive,
			LastError:         lastErr,
			Ratio:             ratio,
		}
		s.logger.Info("scheduler stopped", "reason", reason.String(), "ticks", tick, "consecutive_errors", consecutive)
		return res
	}

	for {
		policy := s.Policy()

		if ctx.Err() != nil {
			return stop(Canceled, s.ratio())
		}
		if policy.MaxTicks > 0 && tick >= policy.MaxTicks {
			return stop(Completed, s.ratio())
		}

		if wait := next.Sub(s.clock.Now()); wait > 0 {
			if err := s.clock.Sleep(ctx, wait); err != nil {
				return stop(Canceled, s.ratio())
			}
		}

		tick++
		s.ticks.Store(tick)

		if s.beforeCycle != nil {
			s.beforeCycle(tick)
		}
		policy = s.Policy()

		stage, err := s.runCycle(ctx, tick)
		if s.afterCycle != nil {
			s.afterCycle(tick, err)
		}

		// overheat wins over everything else
		if ratio := s.ratio(); ratio >= policy.HeatCritical || math.IsNaN(ratio) {
			if err != nil {
				consecutive++
				lastErr = err
			}
			s.logger.Error("pressure ratio reached heat_critical, shutting down",
				"ratio", ratio, "heat_critical", policy.HeatCritical, "tick", tick)
			return stop(CriticalOverheat, ratio)
		}

		if err != nil {
			consecutive++
			lastErr = err
			if s.onError != nil {
				s.onError(tick, stage, consecutive, err)
			}
			s.errLog.Do(func() {
				s.logger.Warn("cycle failed", "tick", tick, "stage", stage,
					"consecutive_errors", consecutive, "max_errors", policy.MaxErrors, "error", err)
			})
			if consecutive >= policy.MaxErrors {
				s.logger.Error("error budget exhausted", "tick", tick, "consecutive_errors", consecutive, "error", err)
				return stop(FatalErrorBudgetExceeded, s.ratio())
			}
		} else {
			consecutive = 0
		}

		if ctx.Err() != nil {
			return stop(Canceled, s.ratio())
		}
		if policy.MaxTicks > 0 && tick >= policy.MaxTicks {
			return stop(Completed, s.ratio())
		}

		if err != nil {
			if serr := s.clock.Sleep(ctx, policy.ErrorRetryDelay); serr != nil {
				return stop(Canceled, s.ratio())
			}
			next = s.clock.Now()
			continue
		}

		next = next.Add(policy.Interval)
		if now := s.clock.Now(); !next.After(now) {
			// overran the whole interval: re-anchor instead of bursting to catch up
			next = now
		}
	}
}

// runCycle runs every stage in order and stops at the first failure
func (s *Scheduler) runCycle(ctx context.Context, tick uint64) (string, error) {
	s.mu.Lock()
	stages := make([]registered, len(s.stages))
	copy(stages, s.stages)
	s.mu.Unlock()

	for _, st := range stages {
		if err := runStage(ctx, st.Stage, tick); err != nil {
			return st.Name, &StageError{Stage: st.Name, Tick: tick, Err: err}
		}
	}
	return "", nil
}

func runStage(ctx context.Context, st Stage, tick uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return st.Run(ctx, tick)
}
