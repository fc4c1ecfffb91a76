package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/model"
)

// ErrRequestPending means the requester already has an open request for the
// group.
var ErrRequestPending = errors.New("repository: join request already pending")

type JoinRequestRepository struct {
	pool *pgxpool.Pool
}

func NewJoinRequestRepository(pool *pgxpool.Pool) *JoinRequestRepository {
	return &JoinRequestRepository{pool: pool}
}

// Create opens a pending request. The partial unique index enforces one open
// request per (group, requester).
func (r *JoinRequestRepository) Create(ctx context.Context, groupID, userID, name string) (*model.JoinRequest, error) {
	defer logger.DeferLogDuration("joinRequest.Create", time.Now())()
	req := &model.JoinRequest{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Requester: name,
		UserID:    userID,
		Status:    model.JoinRequestPending,
		CreatedAt: time.Now().UTC(),
	}
	var requesterUser *string
	if req.UserID != "" {
		requesterUser = &req.UserID
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO join_requests (id, group_id, user_id, name, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		req.ID, req.GroupID, requesterUser, req.Requester, req.Status, req.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, ErrRequestPending
	}
	if err != nil {
		return nil, fmt.Errorf("joinRequestRepo.Create: %w", err)
	}
	return req, nil
}

func (r *JoinRequestRepository) ListPending(ctx context.Context, groupID string) ([]model.JoinRequest, error) {
	defer logger.DeferLogDuration("joinRequest.ListPending", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, group_id, COALESCE(user_id, ''), name, status, created_at
		 FROM join_requests WHERE group_id = $1 AND status = 'pending'
		 ORDER BY created_at`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("joinRequestRepo.ListPending query: %w", err)
	}
	defer rows.Close()

	reqs := make([]model.JoinRequest, 0, 4)
	for rows.Next() {
		var q model.JoinRequest
		if err := rows.Scan(&q.ID, &q.GroupID, &q.UserID, &q.Requester, &q.Status, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("joinRequestRepo.ListPending scan: %w", err)
		}
		reqs = append(reqs, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("joinRequestRepo.ListPending rows: %w", err)
	}
	return reqs, nil
}

// Approve resolves a pending request and creates the membership in one
// transaction. Approved is terminal.
func (r *JoinRequestRepository) Approve(ctx context.Context, requestID, resolvedBy string) (*model.Member, error) {
	defer logger.DeferLogDuration("joinRequest.Approve", time.Now())()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("joinRequestRepo.Approve begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var q model.JoinRequest
	err = tx.QueryRow(ctx,
		`UPDATE join_requests SET status = 'approved', resolved_at = now(), resolved_by = $2
		 WHERE id = $1 AND status = 'pending'
		 RETURNING group_id, COALESCE(user_id, ''), name`, requestID, resolvedBy,
	).Scan(&q.GroupID, &q.UserID, &q.Requester)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("joinRequestRepo.Approve resolve: %w", err)
	}

	m := &model.Member{
		ID:       uuid.NewString(),
		GroupID:  q.GroupID,
		Name:     q.Requester,
		UserID:   q.UserID,
		JoinedAt: time.Now().UTC(),
	}
	var memberUser *string
	if m.UserID != "" {
		memberUser = &m.UserID
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO members (id, group_id, name, user_id, joined_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT DO NOTHING`,
		m.ID, m.GroupID, m.Name, memberUser, m.JoinedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("joinRequestRepo.Approve member: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("joinRequestRepo.Approve commit: %w", err)
	}
	return m, nil
}

// Reject resolves a pending request without membership. Rejected is terminal.
func (r *JoinRequestRepository) Reject(ctx context.Context, requestID, resolvedBy string) error {
	defer logger.DeferLogDuration("joinRequest.Reject", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE join_requests SET status = 'rejected', resolved_at = now(), resolved_by = $2
		 WHERE id = $1 AND status = 'pending'`, requestID, resolvedBy,
	)
	if err != nil {
		return fmt.Errorf("joinRequestRepo.Reject: %w", err)
	}
	return nil
}
