package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Repository implements Service against Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) Authenticate(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	q := `SELECT p.user_id, p.username
	        FROM sessions s JOIN players p ON p.user_id = s.user_id
	       WHERE s.token = $1 AND s.expires_at > now()`
	var id Identity
	err := r.db.QueryRowContext(ctx, q, token).Scan(&id.UserID, &id.Username)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (r *Repository) Profile(ctx context.Context, userID string) (*Profile, error) {
	q := `SELECT user_id, username, rank FROM players WHERE user_id = $1`
	var p Profile
	err := r.db.QueryRowContext(ctx, q, strings.TrimSpace(userID)).Scan(&p.UserID, &p.Username, &p.Rank)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no such player: %s", userID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Friends returns accepted friendships in either direction.
func (r *Repository) Friends(ctx context.Context, userID string) ([]string, error) {
	q := `SELECT CASE WHEN user_a = $1 THEN user_b ELSE user_a END
	        FROM friendships
	       WHERE (user_a = $1 OR user_b = $1) AND status = 'accepted'`
	rows, err := r.db.QueryContext(ctx, q, strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
