// Package feedsim serves synthetic prices over the streaming feed protocol
// for local development and tests.
package feedsim

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"duel/internal/oracle"
)

// Asset is one simulated feed
type Asset struct {
	Symbol     string
	ID         string
	Price      decimal.Decimal
	Volatility float64 // Std dev of the per-tick relative change
}

// Tick is one generated price
type Tick struct {
	ID    string
	Price decimal.Decimal
	At    time.Time
}

type walk struct {
	asset Asset
	price decimal.Decimal
	drift float64
}

// Generator produces price movements for several feeds via random walk
type Generator struct {
	mu          sync.RWMutex
	walks       map[string]*walk // by normalised feed id
	order       []string
	expo        int32
	minPrice    decimal.Decimal
	subscribers []chan Tick
	stopCh      chan struct{}
	stopOnce    sync.Once
	rng         *rand.Rand
	now         func() time.Time
}

// NewGenerator creates a generator quoting prices with exponent expo
func NewGenerator(assets []Asset, expo int32) (*Generator, error) {
	g := &Generator{
		walks:    make(map[string]*walk, len(assets)),
		expo:     expo,
		minPrice: decimal.New(1, expo),
		stopCh:   make(chan struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
	for _, a := range assets {
		id := oracle.NormalizeFeedID(a.ID)
		if id == "" {
			return nil, fmt.Errorf("feedsim: asset %s has no id", a.Symbol)
		}
		if !a.Price.IsPositive() {
			return nil, fmt.Errorf("feedsim: asset %s needs a positive price", a.Symbol)
		}
		if _, dup := g.walks[id]; dup {
			return nil, fmt.Errorf("feedsim: duplicate id %s", id)
		}
		a.ID = id
		g.walks[id] = &walk{asset: a, price: a.Price.Round(-expo)}
		g.order = append(g.order, id)
	}
	return g, nil
}

// Has reports whether id is a simulated feed
func (g *Generator) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.walks[oracle.NormalizeFeedID(id)]
	return ok
}

// Expo returns the exponent prices are quoted with
func (g *Generator) Expo() int32 {
	return g.expo
}

// Price returns the current price of a feed
func (g *Generator) Price(id string) (decimal.Decimal, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	w, ok := g.walks[oracle.NormalizeFeedID(id)]
	if !ok {
		return decimal.Zero, false
	}
	return w.price, true
}

// Set forces a feed's price and publishes it
func (g *Generator) Set(id string, price decimal.Decimal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.walks[oracle.NormalizeFeedID(id)]
	if !ok {
		return false
	}
	w.price = price.Round(-g.expo)
	g.notify(Tick{ID: w.asset.ID, Price: w.price, At: g.now().UTC()})
	return true
}

// SetDrift adjusts a feed's mean relative change per tick
func (g *Generator) SetDrift(id string, d float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.walks[oracle.NormalizeFeedID(id)]; ok {
		w.drift = d
	}
}

// Subscribe returns a channel that receives every tick
func (g *Generator) Subscribe() chan Tick {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan Tick, 64)
	g.subscribers = append(g.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel
func (g *Generator) Unsubscribe(ch chan Tick) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, sub := range g.subscribers {
		if sub == ch {
			g.subscribers = append(g.subscribers[:i], g.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Start begins generating price updates at the given interval
func (g *Generator) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				g.tick()
			case <-g.stopCh:
				return
			}
		}
	}()
}

// Stop halts price generation
func (g *Generator) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

// tick moves every feed one random walk step
func (g *Generator) tick() []Tick {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	ticks := make([]Tick, 0, len(g.order))
	for _, id := range g.order {
		w := g.walks[id]

		// Relative random walk: price *= 1 + drift + volatility * N(0,1)
		change := w.drift + w.asset.Volatility*g.rng.NormFloat64()
		next := w.price.Mul(decimal.NewFromFloat(1 + change)).Round(-g.expo)
		if next.LessThan(g.minPrice) {
			next = g.minPrice
		}
		w.price = next
		t := Tick{ID: id, Price: next, At: now}
		ticks = append(ticks, t)
		g.notify(t)
	}
	return ticks
}

// notify delivers without blocking; full channels skip the tick.
// Callers hold g.mu so Unsubscribe cannot close a channel mid-send.
func (g *Generator) notify(t Tick) {
	for _, ch := range g.subscribers {
		select {
		case ch <- t:
		default:
		}
	}
}
