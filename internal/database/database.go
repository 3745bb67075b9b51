// internal/database/database.go
package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"raw-uart-service/internal/config"
	"raw-uart-service/internal/retry"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// Open connects to PostgreSQL, retrying until the server answers or ctx
// is done.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*DB, error) {
	logger = logger.With(zap.String("component", "database"))

	sqlDB, err := sql.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	attempt := 0
	err = retry.Do(ctx, retry.Persistent(), func() error {
		attempt++
		if err := sqlDB.PingContext(ctx); err != nil {
			logger.Warn("Database not reachable yet", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("Database connected",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("dbname", cfg.Database.DBName),
	)
	return &DB{DB: sqlDB, logger: logger}, nil
}

// Close closes the connection pool
func (db *DB) Close() error {
	db.logger.Info("Closing database connection")
	return db.DB.Close()
}
