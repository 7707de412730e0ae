// Package valve runs expression events through their lifecycle and settles
// their pressure relief into the ledger.
package valve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/thermal/internal/config"
	"github.com/steveyegge/thermal/internal/ledger"
	"github.com/steveyegge/thermal/internal/types"
)

var (
	// ErrInvalidIntensity is returned for intensities outside (0, 1]
	ErrInvalidIntensity = errors.New("intensity must be in (0, 1]")
	// ErrNotCancellable is returned when cancelling an event that already left Pending
	ErrNotCancellable = errors.New("expression event is not cancellable")
	// ErrEventNotFound is returned for unknown event IDs
	ErrEventNotFound = errors.New("expression event not found")
)

// Relief applies a settled event's pressure drop. The ledger implements it.
type Relief interface {
	Relieve(src types.Source, drop float64, eventID string) error
}

// Subsystem owns every expression event. The scheduler goroutine drives it
// through Admit/Cancel/AdvanceTick; other goroutines only read copies.
type Subsystem struct {
	mu sync.RWMutex

	relief Relief
	logger *slog.Logger
	now    func() time.Time

	efficiency  map[types.Valve]float64
	holdTicks   uint64
	bonusMult   float64
	bonusCap    float64
	historySize int

	pending []*types.ExpressionEvent
	active  []*types.ExpressionEvent
	byID    map[string]*types.ExpressionEvent
	archive []types.ExpressionEvent
}

// New creates a subsystem that settles into relief
func New(cfg *config.Config, relief Relief, logger *slog.Logger) (*Subsystem, error) {
	if relief == nil {
		return nil, fmt.Errorf("relief is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subsystem{
		relief: relief,
		logger: logger,
		now:    time.Now,
		byID:   make(map[string]*types.ExpressionEvent),
	}
	s.reconfigure(cfg)
	return s, nil
}

// Reconfigure applies a reloaded configuration. In-flight events keep their state.
func (s *Subsystem) Reconfigure(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconfigure(cfg)
}

func (s *Subsystem) reconfigure(cfg *config.Config) {
	s.efficiency = make(map[types.Valve]float64, len(cfg.Valves.Efficiency))
	for v, eff := range cfg.Valves.Efficiency {
		s.efficiency[v] = eff
	}
	s.holdTicks = cfg.Valves.HoldTicks
	if s.holdTicks == 0 {
		s.holdTicks = 1
	}
	s.bonusMult = cfg.Valves.BonusMultiplier
	s.bonusCap = cfg.Valves.BonusCap
	s.historySize = cfg.Valves.HistorySize
	s.trimArchive()
}

// NewEvent validates the request and builds a Pending event with a fresh ID.
// An empty hint selects the valve's primary source.
func NewEvent(v types.Valve, intensity float64, hint types.Source) (*types.ExpressionEvent, error) {
	if !v.IsValid() {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownValve, v)
	}
	if math.IsNaN(intensity) || intensity <= 0 || intensity > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidIntensity, intensity)
	}
	if hint == "" {
		hint = PrimarySource(v)
	}
	if !hint.IsValid() {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownSource, hint)
	}
	return &types.ExpressionEvent{
		ID:         uuid.New().String(),
		Valve:      v,
		Intensity:  intensity,
		SourceHint: hint,
		State:      types.EventPending,
		OpenedAt:   time.Now(),
	}, nil
}

// Open creates and admits a Pending event at tick and returns a copy of it
func (s *Subsystem) Open(v types.Valve, intensity float64, hint types.Source, tick uint64) (types.ExpressionEvent, error) {
	ev, err := NewEvent(v, intensity, hint)
	if err != nil {
		return types.ExpressionEvent{}, err
	}
	if err := s.Admit(ev, tick); err != nil {
		return types.ExpressionEvent{}, err
	}
	return *ev, nil
}

// Admit takes ownership of a Pending event built by NewEvent. It becomes
// Active on the first AdvanceTick at or after tick.
func (s *Subsystem) Admit(ev *types.ExpressionEvent, tick uint64) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("event with an ID is required")
	}
	if ev.State != types.EventPending {
		return fmt.Errorf("only pending events can be admitted, got %s", ev.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[ev.ID]; exists {
		return fmt.Errorf("expression event %s already admitted", ev.ID)
	}
	ev.OpenedTick = tick
	s.pending = append(s.pending, ev)
	s.byID[ev.ID] = ev
	return nil
}

// Cancel moves a Pending event to Cancelled. It never touches the ledger.
func (s *Subsystem) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.byID[id]
	if !ok {
		if s.archived(id) {
			return fmt.Errorf("%w: %s is already terminal", ErrNotCancellable, id)
		}
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if ev.State != types.EventPending {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, ev.State)
	}
	if err := ev.Transition(types.EventCancelled); err != nil {
		return err
	}
	ev.SettledAt = s.now()

	s.pending = removeEvent(s.pending, id)
	delete(s.byID, id)
	s.archiveEvent(*ev)
	return nil
}

// AdvanceTick settles Active events whose hold has elapsed, then activates
// every Pending event admitted at or before tick. It returns the events settled this tick.
func (s *Subsystem) AdvanceTick(ctx context.Context, tick uint64) ([]types.ExpressionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		settled []types.ExpressionEvent
		errs    []error
		keep    = s.active[:0]
	)

	bonus := s.bonus(len(s.active))
	for _, ev := range s.active {
		if tick < ev.StartTick || tick-ev.StartTick < s.holdTicks {
			keep = append(keep, ev)
			continue
		}

		drop := ev.Intensity * s.efficiency[ev.Valve] * Affinity(ev.Valve, ev.SourceHint) * bonus
		err := s.relief.Relieve(ev.SourceHint, drop, ev.ID)
		if err != nil && !errors.Is(err, ledger.ErrAlreadyApplied) {
			errs = append(errs, fmt.Errorf("settle %s: %w", ev.ID, err))
			keep = append(keep, ev)
			continue
		}

		if err := ev.Transition(types.EventSettled); err != nil {
			errs = append(errs, err)
			keep = append(keep, ev)
			continue
		}
		ev.EndTick = tick
		ev.PressureDrop = drop
		ev.Bonus = bonus
		ev.SettledAt = s.now()

		delete(s.byID, ev.ID)
		s.archiveEvent(*ev)
		settled = append(settled, *ev)

		s.logger.Debug("expression event settled",
			"id", ev.ID, "valve", ev.Valve, "source", ev.SourceHint,
			"drop", drop, "bonus", bonus, "tick", tick)
	}
	for i := len(keep); i < len(s.active); i++ {
		s.active[i] = nil
	}
	s.active = keep

	stillPending := s.pending[:0]
	for _, ev := range s.pending {
		if ev.OpenedTick > tick {
			stillPending = append(stillPending, ev)
			continue
		}
		if err := ev.Transition(types.EventActive); err != nil {
			errs = append(errs, err)
			continue
		}
		ev.StartTick = tick
		s.active = append(s.active, ev)
	}
	for i := len(stillPending); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = stillPending

	return settled, errors.Join(errs...)
}

// bonus returns the concurrency multiplier for n simultaneously Active events
func (s *Subsystem) bonus(n int) float64 {
	if n < 2 {
		return 1
	}
	return math.Min(math.Pow(s.bonusMult, float64(n-1)), s.bonusCap)
}

// Get returns a copy of the event with id
func (s *Subsystem) Get(id string) (types.ExpressionEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ev, ok := s.byID[id]; ok {
		return *ev, true
	}
	for i := len(s.archive) - 1; i >= 0; i-- {
		if s.archive[i].ID == id {
			return s.archive[i], true
		}
	}
	return types.ExpressionEvent{}, false
}

// Active returns copies of the Active events
func (s *Subsystem) Active() []types.ExpressionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyEvents(s.active)
}

// Pending returns copies of the Pending events
func (s *Subsystem) Pending() []types.ExpressionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyEvents(s.pending)
}

// History returns the archived terminal events, oldest first
func (s *Subsystem) History() []types.ExpressionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.ExpressionEvent(nil), s.archive...)
}

func (s *Subsystem) archived(id string) bool {
	for _, ev := range s.archive {
		if ev.ID == id {
			return true
		}
	}
	return false
}

func (s *Subsystem) archiveEvent(ev types.ExpressionEvent) {
	s.archive = append(s.archive, ev)
	s.trimArchive()
}

func (s *Subsystem) trimArchive() {
	if s.historySize > 0 && len(s.archive) > s.historySize {
		s.archive = append([]types.ExpressionEvent(nil), s.archive[len(s.archive)-s.historySize:]...)
	}
}

func copyEvents(in []*types.ExpressionEvent) []types.ExpressionEvent {
	out := make([]types.ExpressionEvent, 0, len(in))
	for _, ev := range in {
		out = append(out, *ev)
	}
	return out
}

func removeEvent(in []*types.ExpressionEvent, id string) []*types.ExpressionEvent {
	for i, ev := range in {
		if ev.ID == id {
			return append(in[:i], in[i+1:]...)
		}
	}
	return in
}
