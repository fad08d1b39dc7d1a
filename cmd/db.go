package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
)

// Connectivity errors. Both abort the run before any job starts.
var (
	ErrSourceUnavailable      = errors.New("source database unavailable")
	ErrDestinationUnavailable = errors.New("destination service unavailable")
)

// isConnectionError checks if an error is due to a closed or broken database connection
func isConnectionError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "bad connection") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "sql: database is closed")
}

// quoteDSNValue quotes a value for a libpq key/value connection string
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// connectionString builds a lib/pq DSN. A URL wins over the discrete fields.
func connectionString(cfg DatabaseConfig) (string, error) {
	var dsn string

	switch {
	case strings.HasPrefix(cfg.URL, "postgres://"), strings.HasPrefix(cfg.URL, "postgresql://"):
		parsed, err := pq.ParseURL(cfg.URL)
		if err != nil {
			return "", fmt.Errorf("invalid database url: %w", err)
		}
		dsn = parsed
	case cfg.URL != "":
		dsn = cfg.URL
	default:
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			quoteDSNValue(cfg.Host),
			cfg.Port,
			quoteDSNValue(cfg.User),
			quoteDSNValue(cfg.Password),
			quoteDSNValue(cfg.Name),
			sslMode,
		)
	}

	// lib/pq passes unknown keys to the server as run-time parameters
	if cfg.StatementTimeout > 0 {
		dsn += fmt.Sprintf(" statement_timeout=%d", cfg.StatementTimeout*1000)
	}

	return dsn, nil
}

// openDatabase opens the source database and waits until it answers a ping
func openDatabase(ctx context.Context, cfg DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	dsn, err := connectionString(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	if err := pingWithRetry(ctx, db, cfg, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func pingWithRetry(ctx context.Context, db *sql.DB, cfg DatabaseConfig, logger *slog.Logger) error {
	delay := time.Duration(cfg.RetryDelay) * time.Second
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(cfg.MaxRetries)),
		ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return db.PingContext(ctx)
	}, b, func(err error, wait time.Duration) {
		logger.Warn(fmt.Sprintf("⚠️  Database not reachable (attempt %d/%d): %v, retrying in %s",
			attempt, cfg.MaxRetries+1, err, wait))
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	return nil
}
