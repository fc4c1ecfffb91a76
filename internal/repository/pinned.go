package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/model"
)

type PinnedRepository struct {
	pool *pgxpool.Pool
}

func NewPinnedRepository(pool *pgxpool.Pool) *PinnedRepository {
	return &PinnedRepository{pool: pool}
}

// Pin keeps at most one active pin record per message per group.
func (r *PinnedRepository) Pin(ctx context.Context, groupID, messageID, pinnedBy string) error {
	defer logger.DeferLogDuration("pinned.Pin", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO pinned_messages (group_id, message_id, pinned_by)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		groupID, messageID, pinnedBy,
	)
	if err != nil {
		return fmt.Errorf("pinnedRepo.Pin: %w", err)
	}
	return nil
}

func (r *PinnedRepository) Unpin(ctx context.Context, groupID, messageID string) error {
	defer logger.DeferLogDuration("pinned.Unpin", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM pinned_messages WHERE group_id = $1 AND message_id = $2`,
		groupID, messageID,
	)
	if err != nil {
		return fmt.Errorf("pinnedRepo.Unpin: %w", err)
	}
	return nil
}

// GetByGroup lists pins with the pinned message attached.
func (r *PinnedRepository) GetByGroup(ctx context.Context, groupID string) ([]model.PinnedMessage, error) {
	defer logger.DeferLogDuration("pinned.GetByGroup", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT p.group_id, p.message_id, p.pinned_by, p.pinned_at,
		        m.sender_id, m.sender_name, m.body, m.is_encrypted, m.created_at, m.deleted_at
		 FROM pinned_messages p
		 JOIN messages m ON m.id = p.message_id
		 WHERE p.group_id = $1
		 ORDER BY p.pinned_at`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("pinnedRepo.GetByGroup query: %w", err)
	}
	defer rows.Close()

	pins := make([]model.PinnedMessage, 0, 4)
	for rows.Next() {
		var p model.PinnedMessage
		m := &model.Message{}
		if err := rows.Scan(&p.GroupID, &p.MessageID, &p.PinnedBy, &p.PinnedAt,
			&m.SenderID, &m.SenderName, &m.Body, &m.IsEncrypted, &m.CreatedAt, &m.DeletedAt); err != nil {
			return nil, fmt.Errorf("pinnedRepo.GetByGroup scan: %w", err)
		}
		m.ID = p.MessageID
		m.GroupID = p.GroupID
		p.Message = m
		pins = append(pins, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pinnedRepo.GetByGroup rows: %w", err)
	}
	return pins, nil
}
