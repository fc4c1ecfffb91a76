package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) CreateMessage(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("message.CreateMessage", time.Now())()
	var fileURL, fileType *string
	var fileSize *int64
	if m.File != nil {
		fileURL, fileType, fileSize = &m.File.URL, &m.File.Type, &m.File.Size
	}
	var forwarded *string
	if m.ForwardedFrom != "" {
		forwarded = &m.ForwardedFrom
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, group_id, sender_id, sender_name, body, is_encrypted,
		                       file_url, file_type, file_size, parent_id, forwarded_from, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.GroupID, m.SenderID, m.SenderName, m.Body, m.IsEncrypted,
		fileURL, fileType, fileSize, m.ParentID, forwarded, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("messageRepo.CreateMessage: %w", err)
	}
	return nil
}

const messageColumns = `id, group_id, sender_id, sender_name, body, is_encrypted,
       file_url, file_type, file_size, parent_id, COALESCE(forwarded_from, ''),
       created_at, edited_at, deleted_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	m := &model.Message{}
	var fileURL, fileType *string
	var fileSize *int64
	err := row.Scan(&m.ID, &m.GroupID, &m.SenderID, &m.SenderName, &m.Body, &m.IsEncrypted,
		&fileURL, &fileType, &fileSize, &m.ParentID, &m.ForwardedFrom,
		&m.CreatedAt, &m.EditedAt, &m.DeletedAt)
	if err != nil {
		return nil, err
	}
	if fileURL != nil {
		m.File = &model.FileRef{URL: *fileURL}
		if fileType != nil {
			m.File.Type = *fileType
		}
		if fileSize != nil {
			m.File.Size = *fileSize
		}
	}
	return m, nil
}

// GetMessage returns nil when the id is unknown.
func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("message.GetMessage", time.Now())()
	m, err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("messageRepo.GetMessage: %w", err)
	}
	return m, nil
}

// History returns up to limit messages of a group ordered oldest first, with
// reactions and read receipts attached. before pages backwards when non-zero.
func (r *MessageRepository) History(ctx context.Context, groupID string, limit int, before time.Time) ([]model.Message, error) {
	defer logger.DeferLogDuration("message.History", time.Now())()
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE group_id = $1`
	args := []any{groupID}
	if !before.IsZero() {
		query += ` AND created_at < $2`
		args = append(args, before)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.History query: %w", err)
	}
	defer rows.Close()

	var batch []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("messageRepo.History scan: %w", err)
		}
		batch = append(batch, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messageRepo.History rows: %w", err)
	}

	// Flip newest-first page into chronological order.
	for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
		batch[i], batch[j] = batch[j], batch[i]
	}
	if err := r.attachReactions(ctx, batch); err != nil {
		return nil, err
	}
	if err := r.attachReads(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *MessageRepository) attachReactions(ctx context.Context, batch []model.Message) error {
	ids, index := messageIndex(batch)
	if len(ids) == 0 {
		return nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, user_name, emoji, created_at
		 FROM message_reactions WHERE message_id = ANY($1) ORDER BY created_at`, ids)
	if err != nil {
		return fmt.Errorf("messageRepo.attachReactions query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rc model.Reaction
		if err := rows.Scan(&rc.MessageID, &rc.UserName, &rc.Emoji, &rc.CreatedAt); err != nil {
			return fmt.Errorf("messageRepo.attachReactions scan: %w", err)
		}
		if i, ok := index[rc.MessageID]; ok {
			batch[i].Reactions = append(batch[i].Reactions, rc)
		}
	}
	return rows.Err()
}

func (r *MessageRepository) attachReads(ctx context.Context, batch []model.Message) error {
	ids, index := messageIndex(batch)
	if len(ids) == 0 {
		return nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, user_id, read_at
		 FROM message_reads WHERE message_id = ANY($1) ORDER BY read_at`, ids)
	if err != nil {
		return fmt.Errorf("messageRepo.attachReads query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rr model.ReadReceipt
		if err := rows.Scan(&rr.MessageID, &rr.UserID, &rr.ReadAt); err != nil {
			return fmt.Errorf("messageRepo.attachReads scan: %w", err)
		}
		if i, ok := index[rr.MessageID]; ok {
			batch[i].Reads = append(batch[i].Reads, rr)
		}
	}
	return rows.Err()
}

func messageIndex(batch []model.Message) ([]string, map[string]int) {
	ids := make([]string, 0, len(batch))
	index := make(map[string]int, len(batch))
	for i := range batch {
		ids = append(ids, batch[i].ID)
		index[batch[i].ID] = i
	}
	return ids, index
}

func (r *MessageRepository) UpdateBody(ctx context.Context, id, body string, editedAt time.Time) error {
	defer logger.DeferLogDuration("message.UpdateBody", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET body = $1, edited_at = $2 WHERE id = $3 AND deleted_at IS NULL`,
		body, editedAt, id)
	if err != nil {
		return fmt.Errorf("messageRepo.UpdateBody: %w", err)
	}
	return nil
}

// SoftDelete clears the content but keeps the row, so replies and the
// timeline position survive.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string, deletedAt time.Time) error {
	defer logger.DeferLogDuration("message.SoftDelete", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET body = NULL, file_url = NULL, file_type = NULL, file_size = NULL,
		        deleted_at = $1
		 WHERE id = $2 AND deleted_at IS NULL`, deletedAt, id)
	if err != nil {
		return fmt.Errorf("messageRepo.SoftDelete: %w", err)
	}
	return nil
}

// MarkRead upserts one receipt per (message, reader); re-marks are no-ops.
func (r *MessageRepository) MarkRead(ctx context.Context, messageIDs []string, readerID string, readAt time.Time) error {
	defer logger.DeferLogDuration("message.MarkRead", time.Now())()
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 SELECT unnest($1::uuid[]), $2, $3
		 ON CONFLICT DO NOTHING`,
		messageIDs, readerID, readAt)
	if err != nil {
		return fmt.Errorf("messageRepo.MarkRead: %w", err)
	}
	return nil
}
