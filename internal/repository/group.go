package repository

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/model"
)

// ErrOwnerImmutable rejects operations that would remove or demote the only
// owner without a transfer.
var ErrOwnerImmutable = errors.New("repository: group owner cannot be removed or demoted")

type GroupRepository struct {
	pool *pgxpool.Pool
}

func NewGroupRepository(pool *pgxpool.Pool) *GroupRepository {
	return &GroupRepository{pool: pool}
}

func hashPasscode(passcode string) string {
	sum := sha256.Sum256([]byte(passcode))
	return hex.EncodeToString(sum[:])
}

func (r *GroupRepository) Create(ctx context.Context, g *model.Group) error {
	defer logger.DeferLogDuration("group.Create", time.Now())()
	var passcodeHash *string
	if g.Passcode != "" {
		h := hashPasscode(g.Passcode)
		passcodeHash = &h
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO groups (id, title, visibility, passcode_hash, is_encrypted, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.Title, g.Visibility, passcodeHash, g.IsEncrypted, g.CreatedBy, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("groupRepo.Create: %w", err)
	}
	return nil
}

// GetGroup returns nil when the group does not exist.
func (r *GroupRepository) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	defer logger.DeferLogDuration("group.GetGroup", time.Now())()
	g := &model.Group{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, visibility, is_encrypted, created_by, created_at
		 FROM groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.Title, &g.Visibility, &g.IsEncrypted, &g.CreatedBy, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetGroup: %w", err)
	}
	return g, nil
}

// CheckPasscode compares a presented passcode against the stored hash.
func (r *GroupRepository) CheckPasscode(ctx context.Context, groupID, passcode string) (bool, error) {
	defer logger.DeferLogDuration("group.CheckPasscode", time.Now())()
	var stored *string
	err := r.pool.QueryRow(ctx,
		`SELECT passcode_hash FROM groups WHERE id = $1`, groupID,
	).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("groupRepo.CheckPasscode: %w", err)
	}
	if stored == nil {
		return passcode == "", nil
	}
	presented := hashPasscode(passcode)
	return subtle.ConstantTimeCompare([]byte(*stored), []byte(presented)) == 1, nil
}

func (r *GroupRepository) UpdateTitle(ctx context.Context, groupID, title string) error {
	defer logger.DeferLogDuration("group.UpdateTitle", time.Now())()
	_, err := r.pool.Exec(ctx, `UPDATE groups SET title = $1 WHERE id = $2`, title, groupID)
	if err != nil {
		return fmt.Errorf("groupRepo.UpdateTitle: %w", err)
	}
	return nil
}

func (r *GroupRepository) AddMember(ctx context.Context, m *model.Member) error {
	defer logger.DeferLogDuration("group.AddMember", time.Now())()
	var userID *string
	if m.UserID != "" {
		userID = &m.UserID
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO members (id, group_id, name, user_id, is_owner, is_admin, is_muted, is_banned, joined_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.GroupID, m.Name, userID, m.IsOwner, m.IsAdmin, m.IsMuted, m.IsBanned, m.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("groupRepo.AddMember: %w", err)
	}
	return nil
}

const memberColumns = `id, group_id, name, COALESCE(user_id, ''), is_owner, is_admin, is_muted, is_banned, joined_at`

func scanMember(row pgx.Row) (*model.Member, error) {
	m := &model.Member{}
	err := row.Scan(&m.ID, &m.GroupID, &m.Name, &m.UserID, &m.IsOwner, &m.IsAdmin, &m.IsMuted, &m.IsBanned, &m.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMember returns nil when no such membership exists.
func (r *GroupRepository) GetMember(ctx context.Context, groupID, memberID string) (*model.Member, error) {
	defer logger.DeferLogDuration("group.GetMember", time.Now())()
	m, err := scanMember(r.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE group_id = $1 AND id = $2`, groupID, memberID))
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetMember: %w", err)
	}
	return m, nil
}

// GetMemberByUser resolves a membership through the linked account id.
func (r *GroupRepository) GetMemberByUser(ctx context.Context, groupID, userID string) (*model.Member, error) {
	defer logger.DeferLogDuration("group.GetMemberByUser", time.Now())()
	m, err := scanMember(r.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE group_id = $1 AND user_id = $2`, groupID, userID))
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetMemberByUser: %w", err)
	}
	return m, nil
}

func (r *GroupRepository) ListMembers(ctx context.Context, groupID string) ([]model.Member, error) {
	defer logger.DeferLogDuration("group.ListMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+memberColumns+` FROM members WHERE group_id = $1 ORDER BY joined_at`, groupID)
	if err != nil {
		return nil, fmt.Errorf("groupRepo.ListMembers query: %w", err)
	}
	defer rows.Close()

	members := make([]model.Member, 0, 16)
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.ID, &m.GroupID, &m.Name, &m.UserID, &m.IsOwner, &m.IsAdmin, &m.IsMuted, &m.IsBanned, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("groupRepo.ListMembers scan: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("groupRepo.ListMembers rows: %w", err)
	}
	return members, nil
}

// RemoveMember deletes a membership together with the member's wrapped group
// key, so a departed member leaves no key row behind to mask a later coverage
// check. The owner is never removable; ownership must be transferred first.
func (r *GroupRepository) RemoveMember(ctx context.Context, groupID, memberID string) error {
	defer logger.DeferLogDuration("group.RemoveMember", time.Now())()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("groupRepo.RemoveMember begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID *string
	var isOwner bool
	err = tx.QueryRow(ctx,
		`SELECT user_id, is_owner FROM members WHERE group_id = $1 AND id = $2`, groupID, memberID,
	).Scan(&userID, &isOwner)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("groupRepo.RemoveMember lookup: %w", err)
	}
	if isOwner {
		return ErrOwnerImmutable
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM members WHERE group_id = $1 AND id = $2`, groupID, memberID); err != nil {
		return fmt.Errorf("groupRepo.RemoveMember delete: %w", err)
	}
	if userID != nil {
		if _, err := tx.Exec(ctx,
			`DELETE FROM group_keys WHERE group_id = $1 AND user_id = $2`, groupID, *userID); err != nil {
			return fmt.Errorf("groupRepo.RemoveMember keys: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("groupRepo.RemoveMember commit: %w", err)
	}
	return nil
}

func (r *GroupRepository) SetMuted(ctx context.Context, groupID, memberID string, muted bool) error {
	defer logger.DeferLogDuration("group.SetMuted", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE members SET is_muted = $1 WHERE group_id = $2 AND id = $3`, muted, groupID, memberID)
	if err != nil {
		return fmt.Errorf("groupRepo.SetMuted: %w", err)
	}
	return nil
}

func (r *GroupRepository) SetBanned(ctx context.Context, groupID, memberID string, banned bool) error {
	defer logger.DeferLogDuration("group.SetBanned", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE members SET is_banned = $1 WHERE group_id = $2 AND id = $3 AND NOT is_owner`,
		banned, groupID, memberID)
	if err != nil {
		return fmt.Errorf("groupRepo.SetBanned: %w", err)
	}
	return nil
}

func (r *GroupRepository) SetAdmin(ctx context.Context, groupID, memberID string, admin bool) error {
	defer logger.DeferLogDuration("group.SetAdmin", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE members SET is_admin = $1 WHERE group_id = $2 AND id = $3`, admin, groupID, memberID)
	if err != nil {
		return fmt.Errorf("groupRepo.SetAdmin: %w", err)
	}
	return nil
}

// TransferOwnership moves the owner flag in a single transaction; at no point
// does the group have zero or two owners visible outside the transaction.
func (r *GroupRepository) TransferOwnership(ctx context.Context, groupID, fromMemberID, toMemberID string) error {
	defer logger.DeferLogDuration("group.TransferOwnership", time.Now())()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("groupRepo.TransferOwnership begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE members SET is_owner = FALSE, is_admin = TRUE
		 WHERE group_id = $1 AND id = $2 AND is_owner`, groupID, fromMemberID)
	if err != nil {
		return fmt.Errorf("groupRepo.TransferOwnership demote: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("groupRepo.TransferOwnership: %s is not the owner of %s", fromMemberID, groupID)
	}
	tag, err = tx.Exec(ctx,
		`UPDATE members SET is_owner = TRUE
		 WHERE group_id = $1 AND id = $2 AND NOT is_banned`, groupID, toMemberID)
	if err != nil {
		return fmt.Errorf("groupRepo.TransferOwnership promote: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("groupRepo.TransferOwnership: target %s not eligible", toMemberID)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("groupRepo.TransferOwnership commit: %w", err)
	}
	return nil
}
