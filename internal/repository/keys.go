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

// ErrKeysIncomplete rejects an enable-encryption attempt whose key batch does
// not cover every member with a linked account.
var ErrKeysIncomplete = errors.New("repository: wrapped keys missing for some members")

type KeyRepository struct {
	pool *pgxpool.Pool
}

func NewKeyRepository(pool *pgxpool.Pool) *KeyRepository {
	return &KeyRepository{pool: pool}
}

// UpsertPublicKey publishes or replaces a user's directory entry.
func (r *KeyRepository) UpsertPublicKey(ctx context.Context, k *model.PublicKey) error {
	defer logger.DeferLogDuration("key.UpsertPublicKey", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO public_keys (user_id, public_key, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET public_key = EXCLUDED.public_key, created_at = EXCLUDED.created_at`,
		k.UserID, k.Key, k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("keyRepo.UpsertPublicKey: %w", err)
	}
	return nil
}

// GetPublicKey returns nil when the user has not published a key.
func (r *KeyRepository) GetPublicKey(ctx context.Context, userID string) (*model.PublicKey, error) {
	defer logger.DeferLogDuration("key.GetPublicKey", time.Now())()
	k := &model.PublicKey{}
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, public_key, created_at FROM public_keys WHERE user_id = $1`, userID,
	).Scan(&k.UserID, &k.Key, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyRepo.GetPublicKey: %w", err)
	}
	return k, nil
}

// StoreGroupKeys writes a wrapped-key batch in one transaction. A later batch
// for the same (group, user) replaces the earlier row, which is how key
// rotation and new-member key delivery work.
func (r *KeyRepository) StoreGroupKeys(ctx context.Context, batch *model.GroupKeyBatch) error {
	defer logger.DeferLogDuration("key.StoreGroupKeys", time.Now())()
	if len(batch.Keys) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("keyRepo.StoreGroupKeys begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, k := range batch.Keys {
		_, err := tx.Exec(ctx,
			`INSERT INTO group_keys (group_id, user_id, sender_id, encrypted_key, created_at)
			 VALUES ($1, $2, $3, $4, now())
			 ON CONFLICT (group_id, user_id) DO UPDATE
			   SET sender_id = EXCLUDED.sender_id,
			       encrypted_key = EXCLUDED.encrypted_key,
			       created_at = EXCLUDED.created_at`,
			batch.GroupID, k.UserID, batch.SenderID, k.EncryptedKey,
		)
		if err != nil {
			return fmt.Errorf("keyRepo.StoreGroupKeys insert %s: %w", k.UserID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("keyRepo.StoreGroupKeys commit: %w", err)
	}
	return nil
}

// GetWrappedKey returns nil when no key has been wrapped for the user.
func (r *KeyRepository) GetWrappedKey(ctx context.Context, groupID, userID string) (*model.WrappedGroupKey, error) {
	defer logger.DeferLogDuration("key.GetWrappedKey", time.Now())()
	k := &model.WrappedGroupKey{}
	err := r.pool.QueryRow(ctx,
		`SELECT group_id, user_id, sender_id, encrypted_key, created_at
		 FROM group_keys WHERE group_id = $1 AND user_id = $2`, groupID, userID,
	).Scan(&k.GroupID, &k.UserID, &k.SenderID, &k.EncryptedKey, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyRepo.GetWrappedKey: %w", err)
	}
	return k, nil
}

// EnableEncryption flips the group flag only after re-verifying that every
// member with a linked account has a wrapped key. The check and the flip run
// in one transaction so a concurrent join cannot slip between them.
func (r *KeyRepository) EnableEncryption(ctx context.Context, groupID string) error {
	defer logger.DeferLogDuration("key.EnableEncryption", time.Now())()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("keyRepo.EnableEncryption begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Coverage is per member, not a row count: a stale key row left by a
	// departed member must not stand in for a member who has none.
	var uncovered int
	err = tx.QueryRow(ctx,
		`SELECT count(*) FROM members m
		 WHERE m.group_id = $1 AND m.user_id IS NOT NULL
		   AND NOT EXISTS (
		     SELECT 1 FROM group_keys k
		     WHERE k.group_id = m.group_id AND k.user_id = m.user_id)`, groupID,
	).Scan(&uncovered)
	if err != nil {
		return fmt.Errorf("keyRepo.EnableEncryption coverage: %w", err)
	}
	if uncovered > 0 {
		return ErrKeysIncomplete
	}

	_, err = tx.Exec(ctx, `UPDATE groups SET is_encrypted = TRUE WHERE id = $1`, groupID)
	if err != nil {
		return fmt.Errorf("keyRepo.EnableEncryption flip: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("keyRepo.EnableEncryption commit: %w", err)
	}
	return nil
}
