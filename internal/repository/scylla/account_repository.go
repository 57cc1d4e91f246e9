package scylla

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"account-security/internal/bucketing"
	"account-security/internal/encryption"
	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/util"
)

const (
	insertAccount = `INSERT INTO accounts (
		account_bucket, account_id, email, phone_encrypted, phone_digest, password_hash,
		name, avatar, provider, created_at, failed_attempt_count, last_failed_at,
		locked_until, last_login_ip, last_login_client_signature
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectAccount = `SELECT account_id, email, phone_encrypted, password_hash, name, avatar,
		provider, created_at, failed_attempt_count, last_failed_at, locked_until,
		last_login_ip, last_login_client_signature
		FROM accounts WHERE account_bucket = ? AND account_id = ?`

	claimEmail   = `INSERT INTO account_by_email (email, account_id, created_at) VALUES (?, ?, ?) IF NOT EXISTS`
	claimPhone   = `INSERT INTO account_by_phone (phone_digest, account_id, created_at) VALUES (?, ?, ?) IF NOT EXISTS`
	releaseEmail = `DELETE FROM account_by_email WHERE email = ? IF account_id = ?`
	releasePhone = `DELETE FROM account_by_phone WHERE phone_digest = ? IF account_id = ?`
	lookupEmail  = `SELECT account_id FROM account_by_email WHERE email = ?`
	lookupPhone  = `SELECT account_id FROM account_by_phone WHERE phone_digest = ?`

	updateSecurity = `UPDATE accounts SET failed_attempt_count = ?, last_failed_at = ?, locked_until = ?,
		last_login_ip = ?, last_login_client_signature = ?
		WHERE account_bucket = ? AND account_id = ?`
	updatePassword = `UPDATE accounts SET password_hash = ? WHERE account_bucket = ? AND account_id = ?`
)

// indexWriter is the write path Create uses for index claims and the
// account row. ScyllaClient implements it.
type indexWriter interface {
	CAS(ctx context.Context, stmt string, values ...interface{}) (bool, error)
	ExecuteWithRetry(ctx context.Context, stmt string, values ...interface{}) error
}

// AccountRepository persists accounts in bucketed partitions. Phone numbers
// are envelope-encrypted at rest and indexed by digest.
type AccountRepository struct {
	client    *ScyllaClient
	writer    indexWriter
	buckets   *bucketing.BucketingManager
	encryptor *encryption.EncryptionManager
}

func NewAccountRepository(client *ScyllaClient, buckets *bucketing.BucketingManager, encryptor *encryption.EncryptionManager) *AccountRepository {
	return &AccountRepository{client: client, writer: client, buckets: buckets, encryptor: encryptor}
}

var _ repository.AccountRepository = (*AccountRepository)(nil)

func (r *AccountRepository) FindByID(ctx context.Context, id string) (*models.Account, error) {
	bucket := r.buckets.AccountBucket(id)

	var (
		account        models.Account
		provider       string
		phoneEncrypted string
		lastFailedAt   time.Time
		lockedUntil    time.Time
	)
	err := r.client.Query(ctx, selectAccount, bucket, id).Scan(
		&account.ID, &account.Email, &phoneEncrypted, &account.PasswordHash, &account.Name,
		&account.Avatar, &provider, &account.CreatedAt, &account.Security.FailedAttemptCount,
		&lastFailedAt, &lockedUntil, &account.Security.LastLoginIP,
		&account.Security.LastLoginClientSignature,
	)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		util.Error("Failed to get account by ID", util.AccountID(id), zap.Error(err))
		return nil, fmt.Errorf("failed to get account by ID: %w", err)
	}

	account.Bucket = bucket
	account.Provider = models.Provider(provider)
	account.Security.LastFailedAt = optionalTime(lastFailedAt)
	account.Security.LockedUntil = optionalTime(lockedUntil)

	if phoneEncrypted != "" {
		phone, err := r.decryptPhone(ctx, phoneEncrypted)
		if err != nil {
			return nil, err
		}
		account.Phone = phone
	}
	return &account, nil
}

func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.findByIndex(ctx, lookupEmail, email)
}

func (r *AccountRepository) FindByPhone(ctx context.Context, phone string) (*models.Account, error) {
	return r.findByIndex(ctx, lookupPhone, phoneDigest(phone))
}

func (r *AccountRepository) findByIndex(ctx context.Context, stmt, key string) (*models.Account, error) {
	var id string
	err := r.client.Query(ctx, stmt, key).Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	return r.FindByID(ctx, id)
}

// Create claims the email and phone index rows with lightweight transactions
// before writing the account, so concurrent registrations cannot share either.
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	if err := account.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	account.Bucket = r.buckets.AccountBucket(account.ID)

	var phoneEncrypted, digest string
	if account.Phone != "" {
		sealed, err := r.encryptor.EncryptField(ctx, account.Phone)
		if err != nil {
			return fmt.Errorf("failed to encrypt phone: %w", err)
		}
		raw, err := json.Marshal(sealed)
		if err != nil {
			return fmt.Errorf("failed to encode encrypted phone: %w", err)
		}
		phoneEncrypted = string(raw)
		digest = phoneDigest(account.Phone)
	}

	// Every claim taken is released if a later step fails, so a failed
	// registration never strands the email or phone.
	var claimed []claimedIndex
	rollback := func() {
		for _, c := range claimed {
			r.release(ctx, c, account.ID)
		}
	}

	if account.Email != "" {
		if err := r.claim(ctx, claimEmail, account.Email, account); err != nil {
			return err
		}
		claimed = append(claimed, claimedIndex{stmt: releaseEmail, key: account.Email})
	}
	if digest != "" {
		if err := r.claim(ctx, claimPhone, digest, account); err != nil {
			rollback()
			return err
		}
		claimed = append(claimed, claimedIndex{stmt: releasePhone, key: digest})
	}

	s := account.Security
	err := r.writer.ExecuteWithRetry(ctx, insertAccount,
		account.Bucket, account.ID, account.Email, phoneEncrypted, digest, account.PasswordHash,
		account.Name, account.Avatar, string(account.Provider), account.CreatedAt,
		s.FailedAttemptCount, s.LastFailedAt, s.LockedUntil, s.LastLoginIP, s.LastLoginClientSignature,
	)
	if err != nil {
		util.Error("Failed to create account", util.AccountID(account.ID), zap.Error(err))
		rollback()
		return fmt.Errorf("failed to create account: %w", err)
	}

	util.Info("Account created",
		util.AccountID(account.ID),
		zap.String("provider", string(account.Provider)),
		zap.Int("bucket", account.Bucket))
	return nil
}

type claimedIndex struct {
	stmt string
	key  string
}

func (r *AccountRepository) claim(ctx context.Context, stmt, key string, account *models.Account) error {
	applied, err := r.writer.CAS(ctx, stmt, key, account.ID, account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to claim account index: %w", err)
	}
	if !applied {
		return models.ErrAccountExists
	}
	return nil
}

// release deletes an index row only while it still points at accountID.
func (r *AccountRepository) release(ctx context.Context, c claimedIndex, accountID string) {
	if _, err := r.writer.CAS(ctx, c.stmt, c.key, accountID); err != nil {
		util.Warn("Failed to release account index claim", util.AccountID(accountID), zap.Error(err))
	}
}

func (r *AccountRepository) UpdateSecurityState(ctx context.Context, id string, state models.SecurityState) error {
	err := r.client.ExecuteWithRetry(ctx, updateSecurity,
		state.FailedAttemptCount, state.LastFailedAt, state.LockedUntil,
		state.LastLoginIP, state.LastLoginClientSignature,
		r.buckets.AccountBucket(id), id,
	)
	if err != nil {
		util.Error("Failed to update security state", util.AccountID(id), zap.Error(err))
		return fmt.Errorf("failed to update security state: %w", err)
	}
	return nil
}

func (r *AccountRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	account, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if account.Provider != models.ProviderLocal {
		return fmt.Errorf("%w: account has no password", models.ErrValidation)
	}
	if err := r.client.ExecuteWithRetry(ctx, updatePassword, hash, account.Bucket, id); err != nil {
		util.Error("Failed to update password hash", util.AccountID(id), zap.Error(err))
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	util.Info("Password hash updated", util.AccountID(id))
	return nil
}

func (r *AccountRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func (r *AccountRepository) decryptPhone(ctx context.Context, raw string) (string, error) {
	var sealed encryption.EncryptedData
	if err := json.Unmarshal([]byte(raw), &sealed); err != nil {
		return "", fmt.Errorf("failed to decode encrypted phone: %w", err)
	}
	phone, err := r.encryptor.DecryptField(ctx, &sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt phone: %w", err)
	}
	return phone, nil
}

func phoneDigest(phone string) string {
	sum := sha256.Sum256([]byte(phone))
	return hex.EncodeToString(sum[:])
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
