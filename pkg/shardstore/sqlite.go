package shardstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dblight/pkg/dberrors"
	"dblight/pkg/types"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// record is the only table in a shard file. ExpiresAt is unix nanoseconds,
// 0 for no expiry.
type record struct {
	Key       string `gorm:"column:key;primaryKey"`
	Value     []byte `gorm:"column:value"`
	ExpiresAt int64  `gorm:"column:expires_at;not null;default:0;index"`
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (record) TableName() string {
	return "records"
}

// SQLiteStore keeps one shard in a single SQLite file in WAL mode.
// Commits are durable against process crashes; Sync checkpoints the WAL
// into the main file.
type SQLiteStore struct {
	db   *gorm.DB
	path string
}

// ShardFileName is the deterministic on-disk name of a shard.
func ShardFileName(name string, id types.ShardID) string {
	return fmt.Sprintf("%s-shard-%d.db", name, id)
}

// SQLiteOpener opens shard files named ShardFileName(Name, id) under Dir.
type SQLiteOpener struct {
	Dir  string
	Name string
}

func (o SQLiteOpener) Open(ctx context.Context, id types.ShardID) (Store, error) {
	return OpenSQLite(ctx, filepath.Join(o.Dir, ShardFileName(o.Name, id)))
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: create shard directory: %w", dberrors.ErrStorageUnavailable, err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", dberrors.ErrStorageUnavailable, path, err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&record{}); err != nil {
		closeGorm(db, path)
		return nil, fmt.Errorf("%w: migrate %s: %w", dberrors.ErrStorageUnavailable, path, err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key types.Key) (Record, error) {
	var rec record
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Record{}, dberrors.ErrNotFound
	case err != nil:
		return Record{}, wrapContext(ctx, fmt.Errorf("get %q from %s: %w", key, s.path, err))
	}
	if rec.Value == nil {
		rec.Value = []byte{}
	}
	return Record{Value: rec.Value, ExpiresAt: fromUnixNano(rec.ExpiresAt)}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key types.Key, rec Record) error {
	value := rec.Value
	if value == nil {
		value = types.Value{}
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at"}),
		}).
		Create(&record{Key: key, Value: value, ExpiresAt: toUnixNano(rec.ExpiresAt)}).Error
	if err != nil {
		return wrapContext(ctx, fmt.Errorf("put %q into %s: %w", key, s.path, err))
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key types.Key) error {
	err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&record{}).Error
	if err != nil {
		return wrapContext(ctx, fmt.Errorf("delete %q from %s: %w", key, s.path, err))
	}
	return nil
}

func (s *SQLiteStore) Sync(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(FULL)").Error; err != nil {
		return wrapContext(ctx, fmt.Errorf("checkpoint %s: %w", s.path, err))
	}
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context, now time.Time) ([]types.Key, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&record{}).
		Where("expires_at = 0 OR expires_at > ?", now.UnixNano()).
		Order("key").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, wrapContext(ctx, fmt.Errorf("list keys in %s: %w", s.path, err))
	}
	return keys, nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at > 0 AND expires_at <= ?", now.UnixNano()).
		Delete(&record{})
	if res.Error != nil {
		return 0, wrapContext(ctx, fmt.Errorf("purge expired in %s: %w", s.path, res.Error))
	}
	return int(res.RowsAffected), nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	return nil
}

func closeGorm(db *gorm.DB, path string) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if cerr := sqlDB.Close(); cerr != nil {
		slog.Warn("failed to close shard file after open error", "path", path, "error", cerr)
	}
}

// wrapContext classifies a backend error: a cancelled or expired context is
// a retryable timeout, anything else means the shard cannot be reached.
func wrapContext(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", dberrors.ErrStorageUnavailable, err)
}

var (
	_ Store   = (*SQLiteStore)(nil)
	_ Scanner = (*SQLiteStore)(nil)
	_ Purger  = (*SQLiteStore)(nil)
	_ Opener  = SQLiteOpener{}
)
