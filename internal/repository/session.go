package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"homeswipe-client/internal/models"
)

// SaveSession persists the bearer token and serialized user record
func (s *SQLiteStore) SaveSession(ctx context.Context, token string, user *models.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	query := `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	for key, value := range map[string]string{KeyToken: token, KeyUser: string(data)} {
		if _, err := tx.ExecContext(ctx, query, key, value); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to save session: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// LoadSession returns the persisted token and user. An empty token means no
// session was stored.
func (s *SQLiteStore) LoadSession(ctx context.Context) (string, *models.User, error) {
	token, err := s.Get(ctx, KeyToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil, nil
		}
		return "", nil, err
	}

	raw, err := s.Get(ctx, KeyUser)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return token, nil, nil
		}
		return "", nil, err
	}

	var user models.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		// a corrupt record only loses the cached user; /user refreshes it
		return token, nil, nil
	}
	return token, &user, nil
}

// SaveLastCity remembers the last city chosen in the feed filters
func (s *SQLiteStore) SaveLastCity(ctx context.Context, city string) error {
	return s.Set(ctx, KeyLastCity, city)
}

// LastCity returns the remembered city, or "" when none is stored
func (s *SQLiteStore) LastCity(ctx context.Context) (string, error) {
	city, err := s.Get(ctx, KeyLastCity)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return city, err
}

// Clear removes token, user and last city together
func (s *SQLiteStore) Clear(ctx context.Context) error {
	return s.Delete(ctx, KeyToken, KeyUser, KeyLastCity)
}
