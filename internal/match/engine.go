package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"duel/internal/metrics"
)

// Precondition is what a conditional write expects to find in the store
type Precondition struct {
	Status  Status
	Version int64
}

// Store is the durable keyed state behind the engine. It is the only shared
// mutable resource; every mutation goes through UpdateMatch.
type Store interface {
	// CreateMatch inserts a new match. Returns ErrInviteCodeTaken when the
	// code is held by another non-terminal match.
	CreateMatch(ctx context.Context, m *Match) error
	// GetMatch returns ErrNotFound for unknown ids
	GetMatch(ctx context.Context, id string) (*Match, error)
	// GetMatchByInviteCode prefers the non-terminal holder of the code
	GetMatchByInviteCode(ctx context.Context, code string) (*Match, error)
	// UpdateMatch atomically replaces the stored match with m, but only if the
	// stored status and version still equal prev. Reports whether it wrote.
	UpdateMatch(ctx context.Context, m *Match, prev Precondition) (bool, error)
	// ListIdleMatches returns pre-start matches not updated since before
	ListIdleMatches(ctx context.Context, before time.Time, limit int) ([]*Match, error)
	// ListExpiredMatches returns in_progress matches whose end time is not after now
	ListExpiredMatches(ctx context.Context, now time.Time, limit int) ([]*Match, error)
}

// Subscription delivers committed versions of one match until cancelled
type Subscription interface {
	Updates() <-chan *Match
	Cancel()
}

// Broker fans committed matches out to subscribers keyed by match id
type Broker interface {
	Publish(ctx context.Context, m *Match) error
	Subscribe(matchID string) Subscription
}

// Quoter supplies the latest known price for a symbol
type Quoter interface {
	Quote(symbol string) (decimal.Decimal, error)
}

// Config contains engine rules
type Config struct {
	MinDurationSeconds    int
	MaxDurationSeconds    int           // 0 means unbounded
	FinishGrace           time.Duration // How early before EndTime a finish is accepted
	Assets                []string      // Allowed symbols, empty allows any
	RequireDistinctAssets bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MinDurationSeconds: 10,
		MaxDurationSeconds: 24 * 60 * 60,
		FinishGrace:        2 * time.Second,
	}
}

const (
	maxInviteAttempts = 8
	maxUpdateAttempts = 5
)

// Engine validates and executes match lifecycle operations against a Store
type Engine struct {
	store  Store
	broker Broker
	quoter Quoter
	config Config
	assets map[string]bool
	now    func() time.Time
	log    zerolog.Logger
}

// NewEngine creates a match engine. broker may be nil.
func NewEngine(store Store, broker Broker, config Config) *Engine {
	e := &Engine{
		store:  store,
		broker: broker,
		config: config,
		now:    time.Now,
		log:    zlog.With().Str("component", "engine").Logger(),
	}
	if len(config.Assets) > 0 {
		e.assets = make(map[string]bool, len(config.Assets))
		for _, a := range config.Assets {
			e.assets[NormalizeSymbol(a)] = true
		}
	}
	return e
}

// SetQuoter wires the price source used by StartAtMarket, FinishAtMarket and Refresh
func (e *Engine) SetQuoter(q Quoter) {
	e.quoter = q
}

// SetClock overrides the wall clock
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetLogger overrides the engine logger
func (e *Engine) SetLogger(l zerolog.Logger) {
	e.log = l
}

func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Millisecond)
}

// CreateMatch opens a match waiting for an opponent
func (e *Engine) CreateMatch(ctx context.Context, cmd CreateCommand) (*Match, error) {
	if err := cmd.normalize(e.config.MinDurationSeconds, e.config.MaxDurationSeconds); err != nil {
		return nil, err
	}

	now := e.clock()
	for attempt := 0; attempt < maxInviteAttempts; attempt++ {
		code, err := NewInviteCode()
		if err != nil {
			return nil, fmt.Errorf("generate invite code: %w", err)
		}

		m := &Match{
			ID:              uuid.NewString(),
			InviteCode:      code,
			CreatorWallet:   cmd.CreatorWallet,
			Status:          StatusWaitingForOpponent,
			DurationSeconds: cmd.DurationSeconds,
			Version:         1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		err = e.store.CreateMatch(ctx, m)
		if errors.Is(err, ErrInviteCodeTaken) {
			e.log.Debug().Str("invite_code", code).Msg("invite code collision, regenerating")
			continue
		}
		if err != nil {
			return nil, storeErr(err)
		}

		e.committed(ctx, "create", m)
		return m, nil
	}

	return nil, fmt.Errorf("could not allocate a unique invite code after %d attempts", maxInviteAttempts)
}

// JoinMatch adds the opponent to the match behind an invite code
func (e *Engine) JoinMatch(ctx context.Context, cmd JoinCommand) (*Match, error) {
	if err := cmd.normalize(); err != nil {
		return nil, err
	}

	found, err := e.store.GetMatchByInviteCode(ctx, cmd.InviteCode)
	if err != nil {
		return nil, storeErr(err)
	}

	return e.update(ctx, "join", found.ID, func(cur *Match) (*Match, error) {
		if cur.CreatorWallet == cmd.OpponentWallet {
			return nil, ErrSelfJoin
		}
		if cur.Status != StatusWaitingForOpponent {
			// A retry by the wallet that already joined is not an error
			if cur.OpponentWallet == cmd.OpponentWallet && !cur.Status.Terminal() {
				return cur, nil
			}
			return nil, fmt.Errorf("%w: no open match for invite code %s", ErrNotFound, cmd.InviteCode)
		}

		next := cur.Clone()
		next.OpponentWallet = cmd.OpponentWallet
		next.Status = StatusSelectingAssets
		return next, nil
	})
}

// SelectAsset sets the caller's symbol. Later calls overwrite earlier ones
// until the match starts.
func (e *Engine) SelectAsset(ctx context.Context, cmd SelectAssetCommand) (*Match, error) {
	if err := cmd.normalize(); err != nil {
		return nil, err
	}
	if e.assets != nil && !e.assets[cmd.Symbol] {
		return nil, fmt.Errorf("%w: unsupported asset %s", ErrInvalidInput, cmd.Symbol)
	}

	return e.update(ctx, "select_asset", cmd.MatchID, func(cur *Match) (*Match, error) {
		if !cur.IsParticipant(cmd.Wallet) {
			return nil, ErrNotParticipant
		}
		if cur.Status != StatusSelectingAssets {
			return nil, fmt.Errorf("%w: cannot select asset while %s", ErrInvalidState, cur.Status)
		}

		next := cur.Clone()
		other := cur.OpponentAsset
		if cmd.Wallet == cur.CreatorWallet {
			next.CreatorAsset = cmd.Symbol
		} else {
			next.OpponentAsset = cmd.Symbol
			other = cur.CreatorAsset
		}
		if e.config.RequireDistinctAssets && other == cmd.Symbol {
			return nil, fmt.Errorf("%w: %s already chosen by the other participant", ErrInvalidInput, cmd.Symbol)
		}
		if next.CreatorAsset == cur.CreatorAsset && next.OpponentAsset == cur.OpponentAsset {
			return cur, nil
		}
		return next, nil
	})
}

// StartMatch locks both start prices and starts the timer.
// Starting an already started match returns it unchanged. If an asset
// changes before the write lands it fails with ErrInvalidState, since the
// prices belong to the old assets; re-read and quote again.
func (e *Engine) StartMatch(ctx context.Context, cmd StartCommand) (*Match, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	cur, err := e.GetMatch(ctx, cmd.MatchID)
	if err != nil {
		return nil, err
	}
	if cmd.ExpectedVersion != 0 && cur.Status == StatusSelectingAssets && cur.Version != cmd.ExpectedVersion {
		return nil, fmt.Errorf("%w: match changed since version %d", ErrInvalidState, cmd.ExpectedVersion)
	}
	return e.start(ctx, cur, cmd.CreatorStartPrice, cmd.OpponentStartPrice)
}

// StartAtMarket starts the match with the oracle's latest prices for both assets
func (e *Engine) StartAtMarket(ctx context.Context, matchID string) (*Match, error) {
	cur, err := e.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if cur.Status == StatusInProgress || cur.Status == StatusFinished {
		return cur, nil
	}
	if err := e.startable(cur); err != nil {
		return nil, err
	}

	cp, err := e.quote(cur.CreatorAsset)
	if err != nil {
		return nil, err
	}
	op, err := e.quote(cur.OpponentAsset)
	if err != nil {
		return nil, err
	}
	cmd := StartCommand{MatchID: cur.ID, CreatorStartPrice: cp, OpponentStartPrice: op}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	return e.start(ctx, cur, cmd.CreatorStartPrice, cmd.OpponentStartPrice)
}

func (e *Engine) startable(cur *Match) error {
	if cur.Status != StatusSelectingAssets {
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, cur.Status)
	}
	if !cur.AssetsChosen() {
		return fmt.Errorf("%w: both assets must be selected", ErrInvalidState)
	}
	if e.config.RequireDistinctAssets && cur.CreatorAsset == cur.OpponentAsset {
		return fmt.Errorf("%w: participants must choose different assets", ErrInvalidState)
	}
	return nil
}

// start commits the transition pinned to the version the prices were quoted for
func (e *Engine) start(ctx context.Context, cur *Match, creatorPrice, opponentPrice decimal.Decimal) (*Match, error) {
	if cur.Status == StatusInProgress || cur.Status == StatusFinished {
		return cur, nil
	}
	if err := e.startable(cur); err != nil {
		return nil, err
	}

	now := e.clock()
	end := now.Add(time.Duration(cur.DurationSeconds) * time.Second)

	next := cur.Clone()
	next.Status = StatusInProgress
	next.StartTime = &now
	next.EndTime = &end
	next.CreatorStartPrice = decimal.NewNullDecimal(creatorPrice)
	next.OpponentStartPrice = decimal.NewNullDecimal(opponentPrice)

	ok, err := e.commit(ctx, cur, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		stored, err := e.GetMatch(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
		if stored.Status == StatusInProgress || stored.Status == StatusFinished {
			return stored, nil
		}
		return nil, fmt.Errorf("%w: match changed while starting, re-read and retry", ErrInvalidState)
	}

	e.committed(ctx, "start", next)
	return next, nil
}

// CancelMatch abandons a match before it starts. Only the creator may cancel.
func (e *Engine) CancelMatch(ctx context.Context, cmd CancelCommand) (*Match, error) {
	if cmd.MatchID == "" {
		return nil, fmt.Errorf("%w: match id required", ErrInvalidInput)
	}
	return e.update(ctx, "cancel", cmd.MatchID, func(cur *Match) (*Match, error) {
		if cur.CreatorWallet != cmd.Wallet {
			return nil, fmt.Errorf("%w: only the creator may cancel", ErrNotParticipant)
		}
		if cur.Status == StatusCancelled {
			return cur, nil
		}
		if cur.Status.Rank() >= StatusInProgress.Rank() {
			return nil, fmt.Errorf("%w: cannot cancel while %s", ErrInvalidState, cur.Status)
		}
		next := cur.Clone()
		next.Status = StatusCancelled
		return next, nil
	})
}

// GetMatch returns the stored match
func (e *Engine) GetMatch(ctx context.Context, id string) (*Match, error) {
	m, err := e.store.GetMatch(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return m, nil
}

// GetMatchByInviteCode returns the match holding an invite code
func (e *Engine) GetMatchByInviteCode(ctx context.Context, code string) (*Match, error) {
	m, err := e.store.GetMatchByInviteCode(ctx, NormalizeInviteCode(code))
	if err != nil {
		return nil, storeErr(err)
	}
	return m, nil
}

// Refresh reads a match and, if its timer has run out, finalizes it at
// market. A missing price leaves the stored match as it is.
func (e *Engine) Refresh(ctx context.Context, id string) (*Match, error) {
	cur, err := e.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusInProgress || !cur.Expired(e.clock()) || e.quoter == nil {
		return cur, nil
	}

	m, err := e.FinishAtMarket(ctx, id)
	if errors.Is(err, ErrPriceUnavailable) {
		e.log.Warn().Err(err).Str("match_id", id).Msg("expired match left open, no price")
		return cur, nil
	}
	return m, err
}

// Subscribe returns the current match and a subscription to its later versions.
// The subscription is opened before the read so no commit falls in between.
func (e *Engine) Subscribe(ctx context.Context, id string) (*Match, Subscription, error) {
	if e.broker == nil {
		return nil, nil, errors.New("realtime broker not configured")
	}
	sub := e.broker.Subscribe(id)
	cur, err := e.GetMatch(ctx, id)
	if err != nil {
		sub.Cancel()
		return nil, nil, err
	}
	return cur, sub, nil
}

// update re-reads, re-applies fn and retries the conditional write when a
// concurrent caller committed first. fn returning cur means nothing to write.
func (e *Engine) update(ctx context.Context, op string, id string, fn func(cur *Match) (*Match, error)) (*Match, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := e.GetMatch(ctx, id)
		if err != nil {
			return nil, err
		}

		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if next == cur {
			return cur, nil
		}

		ok, err := e.commit(ctx, cur, next)
		if err != nil {
			return nil, err
		}
		if ok {
			e.committed(ctx, op, next)
			return next, nil
		}
		metrics.Conflicts.WithLabelValues(op).Inc()
		e.log.Debug().Str("op", op).Str("match_id", id).Int("attempt", attempt).Msg("conditional write lost, retrying")
	}
	return nil, fmt.Errorf("match %s: too many concurrent updates, retry", id)
}

// commit writes next if the store still holds cur's status and version
func (e *Engine) commit(ctx context.Context, cur, next *Match) (bool, error) {
	next.Version = cur.Version + 1
	next.UpdatedAt = e.clock()
	ok, err := e.store.UpdateMatch(ctx, next, Precondition{Status: cur.Status, Version: cur.Version})
	if err != nil {
		return false, storeErr(err)
	}
	return ok, nil
}

// committed records and publishes a state change that is already durable
func (e *Engine) committed(ctx context.Context, op string, m *Match) {
	metrics.Transitions.WithLabelValues(op).Inc()
	e.log.Info().
		Str("op", op).
		Str("match_id", m.ID).
		Str("status", m.Status.String()).
		Int64("version", m.Version).
		Msg("match committed")

	if e.broker == nil {
		return
	}
	if err := e.broker.Publish(ctx, m.Clone()); err != nil {
		e.log.Warn().Err(err).Str("match_id", m.ID).Msg("publish failed")
	}
}

func (e *Engine) quote(symbol string) (decimal.Decimal, error) {
	if e.quoter == nil {
		return decimal.Zero, fmt.Errorf("%w: no price source configured", ErrPriceUnavailable)
	}
	p, err := e.quoter.Quote(symbol)
	if err != nil {
		if errors.Is(err, ErrPriceUnavailable) {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive quote %s for %s", ErrPriceUnavailable, p, symbol)
	}
	return p, nil
}

func storeErr(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("store: %w", err)
}
