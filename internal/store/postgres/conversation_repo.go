package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatify/internal/domain"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) FindByPair(ctx context.Context, lo, hi int64) (*domain.Conversation, error) {
	query := `
		SELECT id, user_lo, user_hi, created_at, updated_at
		FROM conversations
		WHERE user_lo = $1 AND user_hi = $2
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, lo, hi))
}

// CreateForPair inserts the conversation for (lo, hi) or returns the row a
// concurrent sender already created; the unique pair constraint serializes
// the race.
func (r *ConversationRepo) CreateForPair(ctx context.Context, lo, hi int64) (*domain.Conversation, error) {
	insert := `
		INSERT INTO conversations (user_lo, user_hi)
		VALUES ($1, $2)
		ON CONFLICT (user_lo, user_hi) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, insert, lo, hi); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	conv, err := r.FindByPair(ctx, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("reselect conversation: %w", err)
	}
	return conv, nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	query := `
		SELECT id, user_lo, user_hi, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *ConversationRepo) Touch(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *ConversationRepo) scanOne(row *sql.Row) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	err := row.Scan(&c.ID, &c.UserLo, &c.UserHi, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return c, nil
}
