package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"account-security/internal/config"
	"account-security/internal/util"
)

// Schema creates the account tables. Lookup tables are keyed by the
// normalized email and by a digest of the phone number.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		account_bucket int,
		account_id text,
		email text,
		phone_encrypted text,
		phone_digest text,
		password_hash text,
		name text,
		avatar text,
		provider text,
		created_at timestamp,
		failed_attempt_count int,
		last_failed_at timestamp,
		locked_until timestamp,
		last_login_ip text,
		last_login_client_signature text,
		PRIMARY KEY ((account_bucket), account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS account_by_email (
		email text PRIMARY KEY,
		account_id text,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS account_by_phone (
		phone_digest text PRIMARY KEY,
		account_id text,
		created_at timestamp
	)`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	config     config.ScyllaConfig
	maxRetries int
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: scyllaConfig.MaxRetries,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			CertPath:               scyllaConfig.CertPath,
			KeyPath:                scyllaConfig.KeyPath,
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return &ScyllaClient{Session: session, config: scyllaConfig, maxRetries: scyllaConfig.MaxRetries}, nil
}

// EnsureSchema applies Schema. Statements are idempotent.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", zap.Int("tables", len(Schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

// CAS runs a lightweight transaction and reports whether it applied.
func (s *ScyllaClient) CAS(ctx context.Context, stmt string, values ...interface{}) (bool, error) {
	existing := map[string]interface{}{}
	return s.Query(ctx, stmt, values...).MapScanCAS(existing)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	if err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry runs a non-idempotent-safe write with linear backoff,
// stopping early when ctx is done.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, stmt string, values ...interface{}) error {
	var lastErr error
	for i := 0; i <= s.maxRetries; i++ {
		lastErr = s.Query(ctx, stmt, values...).Exec()
		if lastErr == nil {
			return nil
		}
		if i == s.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return lastErr
}
