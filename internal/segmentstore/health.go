package segmentstore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	querycore "github.com/lychee-technology/forma"
)

// ValidateS3Config performs basic sanity checks on the S3-related DuckDB
// settings before the store opens any connection.
func ValidateS3Config(cfg querycore.DuckDBConfig) error {
	if !cfg.EnableS3 {
		return nil
	}
	if cfg.S3Endpoint == "" && cfg.S3AccessKey == "" && cfg.S3SecretKey == "" {
		return fmt.Errorf("s3: enableS3=true requires at least s3Endpoint or credentials")
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey == "" {
		return fmt.Errorf("s3AccessKey provided without s3SecretKey")
	}
	if cfg.S3SecretKey != "" && cfg.S3AccessKey == "" {
		return fmt.Errorf("s3SecretKey provided without s3AccessKey")
	}
	return nil
}

// S3HealthCheck attempts a best-effort HTTP ping against the configured S3
// endpoint. It only succeeds outright for endpoints that accept anonymous
// HEAD requests (e.g. MinIO); for AWS S3 it typically returns 403, which is
// still useful to validate DNS resolution and TLS.
func S3HealthCheck(ctx context.Context, cfg querycore.DuckDBConfig, timeout time.Duration) error {
	if !cfg.EnableS3 {
		return nil
	}
	if cfg.S3Endpoint == "" {
		return fmt.Errorf("s3 endpoint not configured")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{Timeout: timeout}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, cfg.S3Endpoint, nil)
	if err != nil {
		return fmt.Errorf("s3 health request build failed: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("s3 health request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("s3 endpoint reachable but returned auth error: %d", resp.StatusCode)
	}
	return fmt.Errorf("s3 endpoint returned unexpected status: %d", resp.StatusCode)
}

// ValidatePostgresConfig performs basic sanity checks on the consuming
// segment's Postgres settings.
func ValidatePostgresConfig(cfg querycore.PostgresConfig) error {
	if cfg.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("postgres.maxConnections must be greater than 0")
	}
	return nil
}

// PostgresHealthCheck attempts to connect and ping the consuming segment's
// Postgres instance. timeout may be 0 to use a sensible default (5s).
func PostgresHealthCheck(ctx context.Context, dsn string, timeout time.Duration) error {
	if dsn == "" {
		return fmt.Errorf("empty dsn")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}

	if _, err := pool.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("postgres simple query failed: %w", err)
	}

	return nil
}
