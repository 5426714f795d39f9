package match

import (
	"context"
	"errors"
	"sync"
	"time"

	"duel/internal/metrics"
)

// JanitorConfig configures background sweeping
type JanitorConfig struct {
	Interval  time.Duration
	IdleTTL   time.Duration // Pre-start matches idle this long are cancelled, 0 disables
	BatchSize int
}

// DefaultJanitorConfig returns sensible defaults
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Interval:  30 * time.Second,
		IdleTTL:   24 * time.Hour,
		BatchSize: 100,
	}
}

// Janitor cancels abandoned matches and settles expired ones that no
// client came back to finish
type Janitor struct {
	engine *Engine
	config JanitorConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewJanitor creates a janitor for an engine
func NewJanitor(engine *Engine, config JanitorConfig) *Janitor {
	if config.Interval <= 0 {
		config.Interval = DefaultJanitorConfig().Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultJanitorConfig().BatchSize
	}
	return &Janitor{engine: engine, config: config}
}

// Start begins sweeping in the background
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})

	go j.loop(j.stopCh, j.doneCh)
}

// Stop halts sweeping and waits for the current sweep to end
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopCh)
	done := j.doneCh
	j.mu.Unlock()

	<-done
}

func (j *Janitor) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many matches were cancelled and finished
func (j *Janitor) Sweep(ctx context.Context) (cancelled, finished int) {
	e := j.engine
	now := e.clock()

	if j.config.IdleTTL > 0 {
		idle, err := e.store.ListIdleMatches(ctx, now.Add(-j.config.IdleTTL), j.config.BatchSize)
		if err != nil {
			e.log.Error().Err(err).Msg("janitor: list idle matches")
		}
		for _, m := range idle {
			ok, err := j.expire(ctx, m)
			if err != nil {
				e.log.Warn().Err(err).Str("match_id", m.ID).Msg("janitor: cancel idle match")
				continue
			}
			if ok {
				cancelled++
			}
		}
	}

	if e.quoter != nil {
		expired, err := e.store.ListExpiredMatches(ctx, now, j.config.BatchSize)
		if err != nil {
			e.log.Error().Err(err).Msg("janitor: list expired matches")
		}
		for _, m := range expired {
			_, err := e.FinishAtMarket(ctx, m.ID)
			if errors.Is(err, ErrPriceUnavailable) {
				e.log.Debug().Str("match_id", m.ID).Msg("janitor: no price yet, will retry")
				continue
			}
			if err != nil {
				e.log.Warn().Err(err).Str("match_id", m.ID).Msg("janitor: finish expired match")
				continue
			}
			finished++
		}
	}

	if cancelled > 0 || finished > 0 {
		e.log.Info().Int("cancelled", cancelled).Int("finished", finished).Msg("janitor sweep")
	}
	return cancelled, finished
}

// expire cancels m if nobody has touched it since it was listed
func (j *Janitor) expire(ctx context.Context, m *Match) (bool, error) {
	if m.Status.Rank() >= StatusInProgress.Rank() {
		return false, nil
	}
	next := m.Clone()
	next.Status = StatusCancelled

	ok, err := j.engine.commit(ctx, m, next)
	if err != nil || !ok {
		return false, err
	}
	metrics.IdleCancelled.Inc()
	j.engine.committed(ctx, "expire", next)
	return true, nil
}
