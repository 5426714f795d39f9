package match

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents where a match is in its lifecycle
type Status string

const (
	StatusWaitingForOpponent Status = "waiting_for_opponent" // Created, invite code not yet used
	StatusSelectingAssets    Status = "selecting_assets"     // Both wallets present, picking symbols
	StatusInProgress         Status = "in_progress"          // Timer running, start prices locked
	StatusFinished           Status = "finished"             // End prices and winner fixed
	StatusCancelled          Status = "cancelled"            // Abandoned before start
)

// Rank orders statuses for forward-only progression. Terminal statuses share a rank.
func (s Status) Rank() int {
	switch s {
	case StatusWaitingForOpponent:
		return 0
	case StatusSelectingAssets:
		return 1
	case StatusInProgress:
		return 2
	case StatusFinished, StatusCancelled:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

func (s Status) Valid() bool {
	return s.Rank() >= 0
}

func (s Status) String() string {
	return string(s)
}

// Match is the canonical record of one head-to-head duel
type Match struct {
	ID              string `json:"id"`
	InviteCode      string `json:"invite_code"`
	CreatorWallet   string `json:"creator_wallet"`
	OpponentWallet  string `json:"opponent_wallet,omitempty"`
	Status          Status `json:"status"`
	DurationSeconds int    `json:"duration_seconds"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	CreatorAsset  string `json:"creator_asset,omitempty"`
	OpponentAsset string `json:"opponent_asset,omitempty"`

	CreatorStartPrice  decimal.NullDecimal `json:"creator_start_price"`
	CreatorEndPrice    decimal.NullDecimal `json:"creator_end_price"`
	OpponentStartPrice decimal.NullDecimal `json:"opponent_start_price"`
	OpponentEndPrice   decimal.NullDecimal `json:"opponent_end_price"`

	WinnerWallet string `json:"winner_wallet,omitempty"`

	// Version increments on every committed change
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with m
func (m *Match) Clone() *Match {
	c := *m
	if m.StartTime != nil {
		t := *m.StartTime
		c.StartTime = &t
	}
	if m.EndTime != nil {
		t := *m.EndTime
		c.EndTime = &t
	}
	return &c
}

// IsParticipant reports whether wallet is the creator or the opponent
func (m *Match) IsParticipant(wallet string) bool {
	return wallet != "" && (wallet == m.CreatorWallet || wallet == m.OpponentWallet)
}

// AssetsChosen reports whether both participants have picked a symbol
func (m *Match) AssetsChosen() bool {
	return m.CreatorAsset != "" && m.OpponentAsset != ""
}

// Expired reports whether the timer of a started match has run out at now
func (m *Match) Expired(now time.Time) bool {
	return m.EndTime != nil && !now.Before(*m.EndTime)
}

// Remaining returns the time left on the timer, zero if not started or expired
func (m *Match) Remaining(now time.Time) time.Duration {
	if m.EndTime == nil {
		return 0
	}
	d := m.EndTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// CreatorChange returns the creator's percent change, if both prices are known
func (m *Match) CreatorChange() (decimal.Decimal, bool) {
	if !m.CreatorStartPrice.Valid || !m.CreatorEndPrice.Valid {
		return decimal.Zero, false
	}
	return PercentChange(m.CreatorStartPrice.Decimal, m.CreatorEndPrice.Decimal), true
}

// OpponentChange returns the opponent's percent change, if both prices are known
func (m *Match) OpponentChange() (decimal.Decimal, bool) {
	if !m.OpponentStartPrice.Valid || !m.OpponentEndPrice.Valid {
		return decimal.Zero, false
	}
	return PercentChange(m.OpponentStartPrice.Decimal, m.OpponentEndPrice.Decimal), true
}

// Newer reports whether a is a later committed version of the same match than b.
// A nil b is older than anything.
func Newer(a, b *Match) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	if ra, rb := a.Status.Rank(), b.Status.Rank(); ra != rb {
		return ra > rb
	}
	return a.Version > b.Version
}

// Tracker keeps the newest version of a match seen by one subscriber.
// Deliveries may arrive duplicated or out of order; Observe filters them.
type Tracker struct {
	current *Match
}

// NewTracker creates a tracker, optionally seeded with a known version
func NewTracker(seed *Match) *Tracker {
	return &Tracker{current: seed}
}

// Observe adopts m and returns true if it is newer than anything seen so far
func (t *Tracker) Observe(m *Match) bool {
	if !Newer(m, t.current) {
		return false
	}
	t.current = m
	return true
}

// Current returns the newest version seen, or nil
func (t *Tracker) Current() *Match {
	return t.current
}
