package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyExists   = errors.New("api key name already exists")
	ErrInvalidKey  = errors.New("invalid api key")
)

const keyPrefix = "dk_"

// APIKey identifies a client service allowed to call the match API
type APIKey struct {
	ID         string
	Name       string
	KeyHash    string
	Revoked    bool
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// CreateAPIKey stores a new key under name and returns it with the plaintext
// key. The plaintext is not recoverable afterwards.
func (s *Store) CreateAPIKey(name string) (*APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("api key name required")
	}

	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM api_keys WHERE name = ?)", name).Scan(&exists)
	if err != nil {
		return nil, "", err
	}
	if exists {
		return nil, "", ErrKeyExists
	}

	id, err := randomHex(8)
	if err != nil {
		return nil, "", err
	}
	secret, err := randomHex(24)
	if err != nil {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err = s.db.Exec(
		"INSERT INTO api_keys (id, name, key_hash, created_at) VALUES (?, ?, ?, ?)",
		id, name, string(hash), toMillis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, "", ErrKeyExists
		}
		return nil, "", err
	}

	key := &APIKey{ID: id, Name: name, KeyHash: string(hash), CreatedAt: now}
	return key, keyPrefix + id + "_" + secret, nil
}

// VerifyAPIKey checks a plaintext key and returns its record
func (s *Store) VerifyAPIKey(plaintext string) (*APIKey, error) {
	id, secret, ok := splitKey(plaintext)
	if !ok {
		return nil, ErrInvalidKey
	}

	key, err := s.getAPIKey(id)
	if err == ErrKeyNotFound {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	if key.Revoked {
		return nil, ErrInvalidKey
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
		return nil, ErrInvalidKey
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec("UPDATE api_keys SET last_used_at = ? WHERE id = ?", toMillis(now), id); err != nil {
		return nil, err
	}
	key.LastUsedAt = &now
	return key, nil
}

// RevokeAPIKey disables a key by name
func (s *Store) RevokeAPIKey(name string) error {
	res, err := s.db.Exec("UPDATE api_keys SET revoked = 1 WHERE name = ?", name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// ListAPIKeys returns all keys ordered by creation
func (s *Store) ListAPIKeys() ([]APIKey, error) {
	rows, err := s.db.Query("SELECT id, name, key_hash, revoked, last_used_at, created_at FROM api_keys ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (s *Store) getAPIKey(id string) (*APIKey, error) {
	row := s.db.QueryRow("SELECT id, name, key_hash, revoked, last_used_at, created_at FROM api_keys WHERE id = ?", id)
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	return k, err
}

func scanAPIKey(row scanner) (*APIKey, error) {
	var (
		k         APIKey
		lastUsed  sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Revoked, &lastUsed, &createdAt); err != nil {
		return nil, err
	}
	k.LastUsedAt = timePtr(lastUsed)
	k.CreatedAt = fromMillis(createdAt)
	return &k, nil
}

// splitKey parses "dk_<id>_<secret>"
func splitKey(plaintext string) (id, secret string, ok bool) {
	rest, found := strings.CutPrefix(plaintext, keyPrefix)
	if !found {
		return "", "", false
	}
	id, secret, found = strings.Cut(rest, "_")
	if !found || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
