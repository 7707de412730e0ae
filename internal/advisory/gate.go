package advisory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/thermal/internal/config"
	"github.com/steveyegge/thermal/internal/types"
	"golang.org/x/sync/semaphore"
)

// Gate admits at most one advisory escalation per upward crossing of the
// trigger, subject to a cooldown and an hourly cap.
type Gate struct {
	mu sync.Mutex

	cfg     config.AdvisoryConfig
	advisor Advisor
	logger  *slog.Logger
	now     func() time.Time

	prev    float64
	last    time.Time
	hasLast bool
	recent  []time.Time // invocations in the trailing hour

	// only one call may be in flight
	sem     *semaphore.Weighted
	results chan outcome
	wg      sync.WaitGroup
}

type outcome struct {
	resp *types.AdvisoryResponse
	err  error
}

// NewGate creates a gate. A nil advisor makes every escalation a no-op, but
// crossings, cooldown and cap are still tracked.
func NewGate(cfg *config.Config, advisor Advisor, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:     cfg.Advisory,
		advisor: advisor,
		logger:  logger,
		now:     time.Now,
		sem:     semaphore.NewWeighted(1),
		results: make(chan outcome, 4),
	}
}

// SetNow replaces the time source used for cooldown and the hourly cap
func (g *Gate) SetNow(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now != nil {
		g.now = now
	}
}

// Reconfigure applies reloaded advisory settings. History is kept.
func (g *Gate) Reconfigure(cfg *config.Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg.Advisory
}

// Admit reports whether an escalation for score may go out at now. It is true
// only when score crosses the trigger from below, the cooldown has passed and
// the trailing-hour cap has room. Admission counts as an invocation.
func (g *Gate) Admit(now time.Time, score float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	trigger := g.cfg.Trigger
	crossed := g.prev < trigger && score >= trigger
	g.prev = score

	if !g.cfg.Enabled || !crossed {
		return false
	}
	if g.hasLast && now.Sub(g.last) < g.cfg.Cooldown.D() {
		g.logger.Debug("advisory escalation suppressed by cooldown", "score", score, "since_last", now.Sub(g.last))
		return false
	}

	cutoff := now.Add(-time.Hour)
	kept := g.recent[:0]
	for _, t := range g.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.recent = kept
	if len(g.recent) >= g.cfg.MaxQueriesPerHour {
		g.logger.Debug("advisory escalation suppressed by hourly cap", "score", score, "cap", g.cfg.MaxQueriesPerHour)
		return false
	}

	g.last = now
	g.hasLast = true
	g.recent = append(g.recent, now)
	return true
}

// InvocationsLastHour returns how many escalations were admitted in the trailing hour
func (g *Gate) InvocationsLastHour() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-time.Hour)
	n := 0
	for _, t := range g.recent {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// MaybeEscalate is the synchronous form: admit, then call the advisor with the
// configured timeout. Timeouts and errors return (nil, false) and are not retried.
// Without an advisor, crossings are still tracked exactly as Dispatch tracks them.
func (g *Gate) MaybeEscalate(ctx context.Context, score float64, req Request) (*types.AdvisoryResponse, bool) {
	if g.advisor == nil {
		g.Admit(g.now(), score)
		return nil, false
	}
	if !g.Admit(g.now(), score) {
		return nil, false
	}

	resp, err := g.call(ctx, score, req)
	if err != nil {
		g.logDeclined(err)
		return nil, false
	}
	return resp, true
}

// Dispatch is the asynchronous form used by the engine. When admitted, the
// call runs in its own goroutine and the result is picked up by Collect.
// Nothing is admitted while a previous call is still in flight.
func (g *Gate) Dispatch(ctx context.Context, score float64, req Request) bool {
	if g.advisor == nil {
		g.Admit(g.now(), score)
		return false
	}
	if !g.sem.TryAcquire(1) {
		// keep crossing detection current even while busy
		g.mu.Lock()
		g.prev = score
		g.mu.Unlock()
		return false
	}
	if !g.Admit(g.now(), score) {
		g.sem.Release(1)
		return false
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.sem.Release(1)

		resp, err := g.call(ctx, score, req)
		select {
		case g.results <- outcome{resp: resp, err: err}:
		default:
			g.logger.Warn("advisory result dropped, collector is behind")
		}
	}()
	return true
}

// Collect drains finished calls. Declined and timed-out calls are logged and omitted.
func (g *Gate) Collect() []*types.AdvisoryResponse {
	var out []*types.AdvisoryResponse
	for {
		select {
		case o := <-g.results:
			if o.err != nil {
				g.logDeclined(o.err)
				continue
			}
			out = append(out, o.resp)
		default:
			return out
		}
	}
}

// Wait blocks until in-flight calls finish
func (g *Gate) Wait() {
	g.wg.Wait()
}

func (g *Gate) call(ctx context.Context, score float64, req Request) (*types.AdvisoryResponse, error) {
	g.mu.Lock()
	timeout := g.cfg.Timeout.D()
	g.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req.Score = score
	start := g.now()
	resp, err := g.advisor.Advise(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			return nil, fmt.Errorf("%w after %v: %w", ErrTimeout, timeout, err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: advisor returned no response", ErrDeclined)
	}

	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	if resp.Tick == 0 {
		resp.Tick = req.Tick
	}
	resp.Score = score
	if resp.RequestedAt.IsZero() {
		resp.RequestedAt = start
	}
	if resp.Latency == 0 {
		resp.Latency = g.now().Sub(start)
	}
	return resp, nil
}

func (g *Gate) logDeclined(err error) {
	switch {
	case errors.Is(err, ErrTimeout):
		g.logger.Warn("advisory call timed out, treating as declined", "error", err)
	default:
		g.logger.Warn("advisory call declined", "error", err)
	}
}
