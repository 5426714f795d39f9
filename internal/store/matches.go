package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"duel/internal/match"
)

const matchColumns = `id, invite_code, creator_wallet, opponent_wallet, status, duration_seconds,
	start_time, end_time, creator_asset, opponent_asset,
	creator_start_price, creator_end_price, opponent_start_price, opponent_end_price,
	winner_wallet, version, created_at, updated_at`

// CreateMatch inserts a new match
func (s *Store) CreateMatch(ctx context.Context, m *match.Match) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matches (`+matchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.InviteCode, m.CreatorWallet, m.OpponentWallet, string(m.Status), m.DurationSeconds,
		nullMillis(m.StartTime), nullMillis(m.EndTime), m.CreatorAsset, m.OpponentAsset,
		m.CreatorStartPrice, m.CreatorEndPrice, m.OpponentStartPrice, m.OpponentEndPrice,
		m.WinnerWallet, m.Version, toMillis(m.CreatedAt), toMillis(m.UpdatedAt))
	if isUniqueViolation(err) {
		if strings.Contains(err.Error(), "invite_code") {
			return match.ErrInviteCodeTaken
		}
		return fmt.Errorf("%w: %v", match.ErrInviteCodeTaken, err)
	}
	return err
}

// GetMatch retrieves a match by id
func (s *Store) GetMatch(ctx context.Context, id string) (*match.Match, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+matchColumns+" FROM matches WHERE id = ?", id)
	m, err := scanMatch(row)
	if err == sql.ErrNoRows {
		return nil, match.ErrNotFound
	}
	return m, err
}

// GetMatchByInviteCode returns the open match holding code, or the most
// recent finished one if none is open
func (s *Store) GetMatchByInviteCode(ctx context.Context, code string) (*match.Match, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE invite_code = ?
		ORDER BY CASE WHEN status IN ('finished', 'cancelled') THEN 1 ELSE 0 END, created_at DESC
		LIMIT 1
	`, code)
	m, err := scanMatch(row)
	if err == sql.ErrNoRows {
		return nil, match.ErrNotFound
	}
	return m, err
}

// UpdateMatch replaces the stored match with m in one conditional statement.
// The write only lands if the row still has prev's status and version and is
// not terminal. Returns false when another writer got there first.
func (s *Store) UpdateMatch(ctx context.Context, m *match.Match, prev match.Precondition) (bool, error) {
	if m.Status.Rank() < prev.Status.Rank() {
		return false, fmt.Errorf("refusing to move match %s from %s back to %s", m.ID, prev.Status, m.Status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE matches SET
			opponent_wallet = ?, status = ?, start_time = ?, end_time = ?,
			creator_asset = ?, opponent_asset = ?,
			creator_start_price = ?, creator_end_price = ?,
			opponent_start_price = ?, opponent_end_price = ?,
			winner_wallet = ?, version = ?, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?
			AND status NOT IN ('finished', 'cancelled')
	`, m.OpponentWallet, string(m.Status), nullMillis(m.StartTime), nullMillis(m.EndTime),
		m.CreatorAsset, m.OpponentAsset,
		m.CreatorStartPrice, m.CreatorEndPrice,
		m.OpponentStartPrice, m.OpponentEndPrice,
		m.WinnerWallet, m.Version, toMillis(m.UpdatedAt),
		m.ID, string(prev.Status), prev.Version)
	if err != nil {
		return false, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ListIdleMatches returns matches that never started and were last updated before
func (s *Store) ListIdleMatches(ctx context.Context, before time.Time, limit int) ([]*match.Match, error) {
	return s.listMatches(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE status IN ('waiting_for_opponent', 'selecting_assets') AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?
	`, toMillis(before), limit)
}

// ListExpiredMatches returns running matches whose timer ran out by now
func (s *Store) ListExpiredMatches(ctx context.Context, now time.Time, limit int) ([]*match.Match, error) {
	return s.listMatches(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE status = 'in_progress' AND end_time <= ?
		ORDER BY end_time
		LIMIT ?
	`, toMillis(now), limit)
}

// ListMatchesByWallet returns recent matches a wallet took part in, newest first
func (s *Store) ListMatchesByWallet(ctx context.Context, wallet string, limit int) ([]*match.Match, error) {
	return s.listMatches(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE creator_wallet = ? OR opponent_wallet = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, wallet, wallet, limit)
}

func (s *Store) listMatches(ctx context.Context, query string, args ...any) ([]*match.Match, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*match.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMatch(row scanner) (*match.Match, error) {
	var (
		m                    match.Match
		status               string
		startTime, endTime   sql.NullInt64
		createdAt, updatedAt int64
		csp, cep, osp, oep   decimal.NullDecimal
	)
	err := row.Scan(&m.ID, &m.InviteCode, &m.CreatorWallet, &m.OpponentWallet, &status, &m.DurationSeconds,
		&startTime, &endTime, &m.CreatorAsset, &m.OpponentAsset,
		&csp, &cep, &osp, &oep,
		&m.WinnerWallet, &m.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	m.Status = match.Status(status)
	m.StartTime = timePtr(startTime)
	m.EndTime = timePtr(endTime)
	m.CreatorStartPrice, m.CreatorEndPrice = csp, cep
	m.OpponentStartPrice, m.OpponentEndPrice = osp, oep
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	return &m, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
