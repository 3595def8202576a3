package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatify/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	query := `
		INSERT INTO messages (conversation_id, sender_id, receiver_id, body, seen, deleted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		m.ConversationID,
		m.SenderID,
		m.ReceiverID,
		m.Body,
		m.Seen,
		m.Deleted,
		m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, receiver_id, body, seen, deleted, created_at
		FROM messages
		WHERE id = $1
	`
	m := &domain.Message{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.ReceiverID,
		&m.Body,
		&m.Seen,
		&m.Deleted,
		&m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) ListBetween(ctx context.Context, a, b int64) ([]*domain.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, receiver_id, body, seen, deleted, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, a, b)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var res []*domain.Message
	for rows.Next() {
		m := &domain.Message{}
		if err := rows.Scan(
			&m.ID,
			&m.ConversationID,
			&m.SenderID,
			&m.ReceiverID,
			&m.Body,
			&m.Seen,
			&m.Deleted,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r *MessageRepo) MarkSeen(ctx context.Context, id int64) error {
	return r.exec(ctx, `UPDATE messages SET seen = TRUE WHERE id = $1`, id)
}

func (r *MessageRepo) SoftDelete(ctx context.Context, id int64) error {
	return r.exec(ctx, `UPDATE messages SET deleted = TRUE WHERE id = $1`, id)
}

func (r *MessageRepo) exec(ctx context.Context, query string, id int64) error {
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
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
