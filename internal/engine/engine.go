// Package engine wires the ledger, valves, zone tracker, coherence monitor
// and advisory gate into one tick pipeline driven by the scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steveyegge/thermal/internal/advisory"
	"github.com/steveyegge/thermal/internal/coherence"
	"github.com/steveyegge/thermal/internal/config"
	"github.com/steveyegge/thermal/internal/events"
	"github.com/steveyegge/thermal/internal/ledger"
	"github.com/steveyegge/thermal/internal/scheduler"
	"github.com/steveyegge/thermal/internal/types"
	"github.com/steveyegge/thermal/internal/valve"
	"github.com/steveyegge/thermal/internal/zone"
)

// ErrQueueFull is returned when too many inbound requests are waiting for the loop
var ErrQueueFull = errors.New("inbound queue full")

const defaultQueueLimit = 1024

// Publisher receives a snapshot after every successful cycle.
// Publish runs on the scheduler goroutine and must not block for long.
type Publisher interface {
	Publish(types.Snapshot)
}

// PublisherFunc adapts a function to the Publisher interface
type PublisherFunc func(types.Snapshot)

// Publish calls f(s)
func (f PublisherFunc) Publish(s types.Snapshot) { f(s) }

// Options configures an Engine
type Options struct {
	Config     *config.Config
	Advisor    advisory.Advisor // optional
	Sink       events.Sink      // optional
	Publishers []Publisher
	Clock      scheduler.Clock
	Logger     *slog.Logger
	QueueLimit int
}

type ingestRequest struct {
	source types.Source
	amount float64
}

// Engine owns all regulation state. The scheduler goroutine is its only
// writer; the exported methods validate and queue.
type Engine struct {
	logger *slog.Logger
	clock  scheduler.Clock

	ledger    *ledger.Ledger
	valves    *valve.Subsystem
	zones     *zone.Tracker
	coherence *coherence.Monitor
	gate      *advisory.Gate
	sched     *scheduler.Scheduler
	sinks     *events.MultiSink

	cfgMu sync.RWMutex
	cfg   *config.Config

	pubMu      sync.RWMutex
	publishers []Publisher

	snapshot atomic.Pointer[types.Snapshot]

	inMu       sync.Mutex
	queueLimit int
	ingests    []ingestRequest
	opens      []*types.ExpressionEvent
	cancels    []string
	staged     *config.Config

	// loop-goroutine scratch for the current cycle
	state  types.ThermalState
	score  float64
	advice *types.AdvisoryResponse
}

// New builds an engine from opts. The configuration is validated and cloned.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := opts.Config.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	queueLimit := opts.QueueLimit
	if queueLimit <= 0 {
		queueLimit = defaultQueueLimit
	}

	e := &Engine{
		logger:     logger,
		clock:      clock,
		cfg:        cfg,
		queueLimit: queueLimit,
		sinks:      events.NewMultiSink(opts.Sink),
		publishers: append([]Publisher(nil), opts.Publishers...),
	}

	e.ledger = ledger.New(cfg)
	valves, err := valve.New(cfg, e.ledger, logger.With("component", "valves"))
	if err != nil {
		return nil, err
	}
	e.valves = valves
	e.zones = zone.NewTracker(cfg)
	e.coherence = coherence.NewMonitor(cfg)
	e.gate = advisory.NewGate(cfg, opts.Advisor, logger.With("component", "advisory"))
	e.gate.SetNow(clock.Now)

	sched, err := scheduler.New(scheduler.Options{
		Policy:      policyFor(cfg),
		Ratio:       e.ledger.Ratio,
		Clock:       clock,
		Logger:      logger.With("component", "scheduler"),
		BeforeCycle: e.beforeCycle,
		AfterCycle:  e.afterCycle,
		OnError:     e.onError,
	})
	if err != nil {
		return nil, err
	}
	e.sched = sched

	stages := []scheduler.Stage{
		{Name: config.StageLedger, Run: e.runLedger},
		{Name: config.StageValves, Run: e.runValves},
		{Name: config.StageZones, Run: e.runZones},
		{Name: config.StageCoherence, Run: e.runCoherence},
		{Name: config.StageAdvisory, Run: e.runAdvisory},
	}
	for _, st := range stages {
		st.Priority = cfg.StagePriorities[st.Name]
		if err := sched.Register(st); err != nil {
			return nil, err
		}
	}

	e.snapshot.Store(&types.Snapshot{
		Ceiling:   cfg.Ledger.BaseCeiling,
		Zone:      types.ZoneCalm,
		Trend:     types.TrendStable,
		Sources:   map[types.Source]float64{},
		Timestamp: clock.Now(),
	})

	return e, nil
}

func policyFor(cfg *config.Config) scheduler.Policy {
	return scheduler.Policy{
		Interval:        cfg.TickInterval.D(),
		MaxErrors:       cfg.MaxErrors,
		ErrorRetryDelay: cfg.ErrorRetryDelay.D(),
		MaxTicks:        cfg.MaxTicks,
		HeatCritical:    cfg.HeatCritical,
	}
}

// Run drives the loop until a stop condition and returns how it ended.
// Shutdown alerts are emitted before Run returns.
func (e *Engine) Run(ctx context.Context) scheduler.Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.logger.Info("engine starting",
		"tick_interval", e.Config().TickInterval.D(),
		"stages", e.sched.StageNames())

	res := e.sched.Run(runCtx)

	cancel()
	e.gate.Wait()

	switch res.Reason {
	case scheduler.FatalErrorBudgetExceeded:
		e.sinks.Emit(events.NewFatalErrorBudgetExceeded(res.Ticks, res.ConsecutiveErrors, res.LastError))
	case scheduler.CriticalOverheat:
		e.sinks.Emit(events.NewCriticalOverheat(res.Ratio, e.Config().HeatCritical, res.Ticks))
	}

	e.logger.Info("engine stopped", "reason", res.Reason.String(), "ticks", res.Ticks)
	return res
}

// Ingest validates and queues pressure for source category
func (e *Engine) Ingest(category string, amount float64) error {
	src, err := types.ParseSource(category)
	if err != nil {
		return err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return err
	}
	if err := e.ledger.CheckSource(src); err != nil {
		return err
	}

	e.inMu.Lock()
	defer e.inMu.Unlock()
	if len(e.ingests) >= e.queueLimit {
		return ErrQueueFull
	}
	e.ingests = append(e.ingests, ingestRequest{source: src, amount: amount})
	return nil
}

// OpenValve validates and queues a new expression event and returns its ID.
// The event is admitted and becomes Active at the next cycle.
func (e *Engine) OpenValve(valveName string, intensity float64, sourceHint string) (string, error) {
	v, err := types.ParseValve(valveName)
	if err != nil {
		return "", err
	}
	var hint types.Source
	if sourceHint != "" {
		if hint, err = types.ParseSource(sourceHint); err != nil {
			return "", err
		}
	}
	ev, err := valve.NewEvent(v, intensity, hint)
	if err != nil {
		return "", err
	}

	e.inMu.Lock()
	defer e.inMu.Unlock()
	if len(e.opens) >= e.queueLimit {
		return "", ErrQueueFull
	}
	e.opens = append(e.opens, ev)
	return ev.ID, nil
}

// CancelValve queues cancellation of a Pending event
func (e *Engine) CancelValve(id string) error {
	e.inMu.Lock()
	defer e.inMu.Unlock()

	queued := false
	for _, ev := range e.opens {
		if ev.ID == id {
			queued = true
			break
		}
	}
	if !queued {
		ev, ok := e.valves.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", valve.ErrEventNotFound, id)
		}
		if ev.State != types.EventPending {
			return fmt.Errorf("%w: %s is %s", valve.ErrNotCancellable, id, ev.State)
		}
	}
	if len(e.cancels) >= e.queueLimit {
		return ErrQueueFull
	}
	e.cancels = append(e.cancels, id)
	return nil
}

// Reload validates cfg and stages it for the start of the next cycle
func (e *Engine) Reload(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	staged := cfg.Clone()
	if err := staged.Validate(); err != nil {
		return fmt.Errorf("reload rejected: %w", err)
	}
	e.inMu.Lock()
	e.staged = staged
	e.inMu.Unlock()
	return nil
}

// SetExternalHealth sets the host health input to the coherence score
func (e *Engine) SetExternalHealth(h float64) {
	e.coherence.SetExternalHealth(h)
}

// Subscribe registers another snapshot publisher
func (e *Engine) Subscribe(p Publisher) {
	if p == nil {
		return
	}
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	e.publishers = append(e.publishers, p)
}

// AddSink registers another alert sink
func (e *Engine) AddSink(s events.Sink) {
	e.sinks.Add(s)
}

// Snapshot returns a copy of the latest published snapshot
func (e *Engine) Snapshot() *types.Snapshot {
	return e.snapshot.Load().Clone()
}

// Config returns a copy of the configuration in effect
func (e *Engine) Config() *config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg.Clone()
}

// ZoneHistory returns the zone records, oldest first
func (e *Engine) ZoneHistory() []zone.Record {
	return e.zones.History()
}

// ValveHistory returns archived terminal expression events
func (e *Engine) ValveHistory() []types.ExpressionEvent {
	return e.valves.History()
}

// Event returns an expression event by ID
func (e *Engine) Event(id string) (types.ExpressionEvent, bool) {
	return e.valves.Get(id)
}

// Status summarizes the engine for operators
type Status struct {
	Running             bool            `json:"running"`
	Ticks               uint64          `json:"ticks"`
	Snapshot            *types.Snapshot `json:"snapshot"`
	Level               events.Level    `json:"level,omitempty"`
	PendingValves       int             `json:"pending_valves"`
	QueuedIngests       int             `json:"queued_ingests"`
	AdvisoryLastHour    int             `json:"advisory_last_hour"`
	ExternalHealth      float64         `json:"external_health"`
	ConsecutiveErrorCap int             `json:"max_errors"`
}

// Status returns the current status
func (e *Engine) Status() Status {
	e.inMu.Lock()
	queued := len(e.ingests)
	e.inMu.Unlock()

	return Status{
		Running:             e.sched.Running(),
		Ticks:               e.sched.Ticks(),
		Snapshot:            e.Snapshot(),
		Level:               e.zones.Level(),
		PendingValves:       len(e.valves.Pending()),
		QueuedIngests:       queued,
		AdvisoryLastHour:    e.gate.InvocationsLastHour(),
		ExternalHealth:      e.coherence.ExternalHealth(),
		ConsecutiveErrorCap: e.sched.Policy().MaxErrors,
	}
}

// Running reports whether the loop is executing
func (e *Engine) Running() bool {
	return e.sched.Running()
}

func (e *Engine) beforeCycle(tick uint64) {
	e.inMu.Lock()
	staged := e.staged
	e.staged = nil
	e.inMu.Unlock()

	e.advice = nil

	if staged == nil {
		return
	}

	e.ledger.Reconfigure(staged)
	e.valves.Reconfigure(staged)
	e.zones.Reconfigure(staged)
	e.coherence.Reconfigure(staged)
	e.gate.Reconfigure(staged)
	if err := e.sched.SetPolicy(policyFor(staged)); err != nil {
		e.logger.Error("reloaded scheduler policy rejected", "error", err)
	}
	e.sched.Reprioritize(staged.StagePriorities)

	e.cfgMu.Lock()
	e.cfg = staged
	e.cfgMu.Unlock()

	e.logger.Info("configuration reloaded", "tick", tick)
	e.sinks.Emit(events.NewConfigReloaded(tick))
}

func (e *Engine) afterCycle(tick uint64, err error) {
	if err != nil {
		return
	}
	snap := e.buildSnapshot(tick)
	snap.Advisory = e.advice
	e.snapshot.Store(snap)

	e.pubMu.RLock()
	pubs := e.publishers
	e.pubMu.RUnlock()
	for _, p := range pubs {
		p.Publish(*snap.Clone())
	}
}

func (e *Engine) onError(tick uint64, stage string, consecutive int, err error) {
	e.sinks.Emit(events.NewTransientError(tick, stage, consecutive, err))
}

func (e *Engine) interval() time.Duration {
	return e.sched.Policy().Interval
}

func (e *Engine) runLedger(ctx context.Context, tick uint64) error {
	e.inMu.Lock()
	ingests := e.ingests
	e.ingests = nil
	e.inMu.Unlock()

	e.ledger.DecayTick(tick)
	for _, in := range ingests {
		if err := e.ledger.Ingest(in.source, in.amount); err != nil {
			// allow-list may have changed since the request was queued
			e.logger.Warn("dropping queued ingestion", "source", in.source, "amount", in.amount, "error", err)
		}
	}
	e.state = e.ledger.Aggregate(tick, e.interval())
	return nil
}

func (e *Engine) runValves(ctx context.Context, tick uint64) error {
	// admit under inMu so CancelValve always finds an event in one place or the other
	e.inMu.Lock()
	for _, ev := range e.opens {
		if err := e.valves.Admit(ev, tick); err != nil {
			e.logger.Warn("dropping queued expression event", "id", ev.ID, "error", err)
		}
	}
	cancels := e.cancels
	e.opens, e.cancels = nil, nil
	e.inMu.Unlock()

	for _, id := range cancels {
		if err := e.valves.Cancel(id); err != nil {
			e.logger.Warn("cancel not applied", "id", id, "error", err)
		}
	}

	settled, err := e.valves.AdvanceTick(ctx, tick)
	if len(settled) > 0 {
		e.state = e.ledger.Aggregate(tick, e.interval())
	}
	return err
}

func (e *Engine) runZones(ctx context.Context, tick uint64) error {
	for _, a := range e.zones.OnTick(tick, e.state, e.score) {
		e.sinks.Emit(a)
	}
	return nil
}

func (e *Engine) runCoherence(ctx context.Context, tick uint64) error {
	e.score = e.coherence.Observe(e.state, e.ledger.Values())
	e.ledger.SetAdjustment(e.coherence.Adjustment(e.score))
	return nil
}

func (e *Engine) runAdvisory(ctx context.Context, tick uint64) error {
	for _, resp := range e.gate.Collect() {
		e.advice = resp
		e.sinks.Emit(events.NewAdvisoryResponse(resp))
	}
	e.gate.Dispatch(ctx, e.score, advisory.Request{Tick: tick, Score: e.score, Snapshot: e.buildSnapshot(tick)})
	return nil
}

func (e *Engine) buildSnapshot(tick uint64) *types.Snapshot {
	z, ok := e.zones.Current()
	if !ok {
		z = zone.ClassifyPressure(e.state.Pressure, e.state.Ceiling, e.Config().Zones)
	}
	return &types.Snapshot{
		Tick:      tick,
		Timestamp: e.clock.Now(),
		Pressure:  e.state.Pressure,
		Ceiling:   e.state.Ceiling,
		Ratio:     e.state.Ratio,
		Momentum:  e.state.Momentum,
		Overflow:  e.state.Overflow,
		Zone:      z,
		Coherence: e.score,
		Trend:     e.coherence.Trend(),
		Sources:   e.ledger.Values(),
		Active:    e.valves.Active(),
	}
}
