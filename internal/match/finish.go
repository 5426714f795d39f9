package match

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"duel/internal/metrics"
)

// FinishMatch fixes the end prices and declares the winner exactly once.
//
// Any number of callers may race here with different prices. The first
// conditional write from in_progress wins; every other caller, and every
// later call, gets the stored terminal match back unchanged.
func (e *Engine) FinishMatch(ctx context.Context, cmd FinishCommand) (*Match, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	cur, err := e.GetMatch(ctx, cmd.MatchID)
	if err != nil {
		return nil, err
	}
	return e.finish(ctx, cur, cmd.CreatorEndPrice, cmd.OpponentEndPrice)
}

// FinishAtMarket finishes an expired match with the oracle's latest prices
func (e *Engine) FinishAtMarket(ctx context.Context, matchID string) (*Match, error) {
	cur, err := e.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if err := e.finishable(cur); err != nil || cur.Status == StatusFinished {
		return e.finished(cur, err)
	}

	cp, err := e.quote(cur.CreatorAsset)
	if err != nil {
		return nil, err
	}
	op, err := e.quote(cur.OpponentAsset)
	if err != nil {
		return nil, err
	}
	cmd := FinishCommand{MatchID: cur.ID, CreatorEndPrice: cp, OpponentEndPrice: op}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	return e.finish(ctx, cur, cmd.CreatorEndPrice, cmd.OpponentEndPrice)
}

func (e *Engine) finish(ctx context.Context, cur *Match, creatorEnd, opponentEnd decimal.Decimal) (*Match, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := e.finishable(cur); err != nil || cur.Status == StatusFinished {
			return e.finished(cur, err)
		}

		out := Score(cur.CreatorStartPrice.Decimal, creatorEnd, cur.OpponentStartPrice.Decimal, opponentEnd)

		next := cur.Clone()
		next.Status = StatusFinished
		next.CreatorEndPrice = decimal.NewNullDecimal(creatorEnd)
		next.OpponentEndPrice = decimal.NewNullDecimal(opponentEnd)
		if out.CreatorWins {
			next.WinnerWallet = cur.CreatorWallet
		} else {
			next.WinnerWallet = cur.OpponentWallet
		}

		ok, err := e.commit(ctx, cur, next)
		if err != nil {
			return nil, err
		}
		if ok {
			metrics.FinishOutcomes.WithLabelValues("committed").Inc()
			e.log.Info().
				Str("match_id", next.ID).
				Str("winner", next.WinnerWallet).
				Str("creator_change", out.CreatorChange.StringFixed(4)).
				Str("opponent_change", out.OpponentChange.StringFixed(4)).
				Msg("match finished")
			e.committed(ctx, "finish", next)
			return next, nil
		}

		// Someone else committed first. Their result stands.
		e.log.Debug().Str("match_id", cur.ID).Msg("finish lost conditional write")
		cur, err = e.GetMatch(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("match %s: too many concurrent updates, retry", cur.ID)
}

// finishable reports whether cur can be or already has been finished
func (e *Engine) finishable(cur *Match) error {
	switch cur.Status {
	case StatusFinished:
		return nil
	case StatusInProgress:
	default:
		return fmt.Errorf("%w: cannot finish while %s", ErrInvalidState, cur.Status)
	}

	if cur.EndTime == nil {
		return fmt.Errorf("%w: match has no end time", ErrInvalidState)
	}
	now := e.clock()
	if now.Before(cur.EndTime.Add(-e.config.FinishGrace)) {
		return fmt.Errorf("%w: %s remaining", ErrInvalidState, cur.Remaining(now).Round(time.Second))
	}
	return nil
}

// finished returns an already terminal match as a successful result
func (e *Engine) finished(cur *Match, err error) (*Match, error) {
	if err != nil {
		return nil, err
	}
	metrics.FinishOutcomes.WithLabelValues("already_finished").Inc()
	return cur, nil
}
