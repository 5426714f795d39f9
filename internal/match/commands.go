package match

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CreateCommand opens a new match for a creator
type CreateCommand struct {
	CreatorWallet   string
	DurationSeconds int
}

// JoinCommand joins an open match through its invite code
type JoinCommand struct {
	InviteCode     string
	OpponentWallet string
}

// SelectAssetCommand sets or replaces a participant's symbol
type SelectAssetCommand struct {
	MatchID string
	Wallet  string
	Symbol  string
}

// StartCommand starts the timer with both start prices
type StartCommand struct {
	MatchID            string
	CreatorStartPrice  decimal.Decimal
	OpponentStartPrice decimal.Decimal
	// ExpectedVersion, if set, rejects the start when the assets the prices
	// were quoted for have changed since that version
	ExpectedVersion int64
}

// FinishCommand fixes the end prices and declares the winner
type FinishCommand struct {
	MatchID          string
	CreatorEndPrice  decimal.Decimal
	OpponentEndPrice decimal.Decimal
}

// CancelCommand abandons a match that has not started
type CancelCommand struct {
	MatchID string
	Wallet  string
}

func (c *CreateCommand) normalize(minSec, maxSec int) error {
	c.CreatorWallet = strings.TrimSpace(c.CreatorWallet)
	if c.CreatorWallet == "" {
		return fmt.Errorf("%w: creator wallet required", ErrInvalidInput)
	}
	if c.DurationSeconds < minSec || (maxSec > 0 && c.DurationSeconds > maxSec) {
		return fmt.Errorf("%w: duration must be between %d and %d seconds", ErrInvalidInput, minSec, maxSec)
	}
	return nil
}

func (c *JoinCommand) normalize() error {
	c.InviteCode = NormalizeInviteCode(c.InviteCode)
	c.OpponentWallet = strings.TrimSpace(c.OpponentWallet)
	if c.OpponentWallet == "" {
		return fmt.Errorf("%w: opponent wallet required", ErrInvalidInput)
	}
	if c.InviteCode == "" {
		return fmt.Errorf("%w: invite code required", ErrInvalidInput)
	}
	return nil
}

func (c *SelectAssetCommand) normalize() error {
	c.Wallet = strings.TrimSpace(c.Wallet)
	c.Symbol = NormalizeSymbol(c.Symbol)
	if c.MatchID == "" || c.Wallet == "" || c.Symbol == "" {
		return fmt.Errorf("%w: match id, wallet and symbol required", ErrInvalidInput)
	}
	return nil
}

func (c *StartCommand) validate() error {
	if c.MatchID == "" {
		return fmt.Errorf("%w: match id required", ErrInvalidInput)
	}
	if !c.CreatorStartPrice.IsPositive() || !c.OpponentStartPrice.IsPositive() {
		return fmt.Errorf("%w: start prices must be positive", ErrInvalidInput)
	}
	return nil
}

func (c *FinishCommand) validate() error {
	if c.MatchID == "" {
		return fmt.Errorf("%w: match id required", ErrInvalidInput)
	}
	if c.CreatorEndPrice.IsNegative() || c.OpponentEndPrice.IsNegative() {
		return fmt.Errorf("%w: end prices must not be negative", ErrInvalidInput)
	}
	return nil
}

// NormalizeSymbol canonicalises a ticker symbol
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
