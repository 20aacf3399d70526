package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	userIDQuery      = `SELECT id FROM users WHERE username = $1`
	participantQuery = `SELECT EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`
)

// PostgresDirectory reads the application's users and chat_participants
// tables.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory connects to dsn and verifies the connection.
func NewPostgresDirectory(ctx context.Context, dsn string) (*PostgresDirectory, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	return &PostgresDirectory{pool: pool}, nil
}

func (d *PostgresDirectory) LookupUser(ctx context.Context, username string) (int64, error) {
	var id int64
	err := d.pool.QueryRow(ctx, userIDQuery, username).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (d *PostgresDirectory) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	var ok bool
	if err := d.pool.QueryRow(ctx, participantQuery, chatID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (d *PostgresDirectory) Close() {
	d.pool.Close()
}
