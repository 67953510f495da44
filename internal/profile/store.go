// Package profile reads the profile service's data that the live engine
// needs: whether a user may start a session at all, and the card shown to a
// matched partner. Profiles are owned and written elsewhere.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Card is the partner summary embedded in match events and the current
// match view.
type Card struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Age         int    `json:"age"`
	PhotoKey    string `json:"photo_key,omitempty"`
}

// Store reads profiles from PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a profile store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// HasProfile reports whether userID has a profile row.
func (s *Store) HasProfile(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM profiles WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("profile: exists %s: %w", userID, err)
	}
	return exists, nil
}

// Card returns the display card for userID, or nil if there is no profile.
func (s *Store) Card(ctx context.Context, userID string) (*Card, error) {
	const query = `
		SELECT user_id, display_name,
		       date_part('year', age(birth_date))::int,
		       COALESCE(photo_key, '')
		FROM profiles
		WHERE user_id = $1`

	var c Card
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&c.UserID, &c.DisplayName, &c.Age, &c.PhotoKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: card %s: %w", userID, err)
	}
	return &c, nil
}
