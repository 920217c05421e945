package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/opd-ai/p2psync"
	"github.com/sirupsen/logrus"
)

// DefaultDBFileName is the SQLite filename under the data directory.
const DefaultDBFileName = "p2psync.db"

// ErrClosed indicates the database has been closed.
var ErrClosed = errors.New("folder database closed")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS sync_folders (
  folder_id    TEXT PRIMARY KEY,
  local_path   TEXT NOT NULL,
  remote_path  TEXT NOT NULL DEFAULT '',
  device_id    TEXT NOT NULL,
  auto_sync    INTEGER NOT NULL DEFAULT 0,
  sync_types   TEXT NOT NULL DEFAULT '[]',
  last_sync    INTEGER,
  created_at   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_sync_folders_device
ON sync_folders (device_id, created_at);
`,
}

// FolderDB stores sync folders in SQLite.
type FolderDB struct {
	mu        sync.Mutex
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) the database under dataDir and runs migrations.
func Open(dataDir string) (*FolderDB, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	fdb, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return fdb, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*FolderDB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	fdb := &FolderDB{db: db}
	if err := fdb.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := fdb.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenPath",
		"path":     dbPath,
	}).Debug("Folder database opened")

	return fdb, nil
}

// Close closes the SQLite connection.
func (f *FolderDB) Close() error {
	var closeErr error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		closeErr = f.db.Close()
		f.db = nil
	})
	return closeErr
}

// LoadFolders returns every stored folder in creation order.
func (f *FolderDB) LoadFolders(ctx context.Context) ([]p2psync.SyncFolder, error) {
	db, err := f.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT folder_id, local_path, remote_path, device_id, auto_sync, sync_types, last_sync
		FROM sync_folders
		ORDER BY created_at, folder_id`)
	if err != nil {
		return nil, fmt.Errorf("query sync folders: %w", err)
	}
	defer rows.Close()

	var out []p2psync.SyncFolder
	for rows.Next() {
		var (
			folder   p2psync.SyncFolder
			autoSync int
			types    string
			lastSync sql.NullInt64
		)
		if err := rows.Scan(&folder.ID, &folder.LocalPath, &folder.RemotePath, &folder.DeviceID, &autoSync, &types, &lastSync); err != nil {
			return nil, fmt.Errorf("scan sync folder: %w", err)
		}
		folder.AutoSync = autoSync != 0
		if err := json.Unmarshal([]byte(types), &folder.SyncTypes); err != nil {
			return nil, fmt.Errorf("decode sync types of %q: %w", folder.ID, err)
		}
		if lastSync.Valid {
			folder.LastSync = time.UnixMilli(lastSync.Int64)
		}
		out = append(out, folder)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync folders: %w", err)
	}
	return out, nil
}

// SaveFolder inserts or replaces a folder.
func (f *FolderDB) SaveFolder(ctx context.Context, folder p2psync.SyncFolder) error {
	if folder.ID == "" {
		return errors.New("folder_id is required")
	}
	if folder.LocalPath == "" {
		return errors.New("local_path is required")
	}
	if folder.DeviceID == "" {
		return errors.New("device_id is required")
	}

	db, err := f.handle()
	if err != nil {
		return err
	}

	types := folder.SyncTypes
	if types == nil {
		types = []string{}
	}
	encodedTypes, err := json.Marshal(types)
	if err != nil {
		return fmt.Errorf("encode sync types: %w", err)
	}

	var lastSync sql.NullInt64
	if !folder.LastSync.IsZero() {
		lastSync = sql.NullInt64{Int64: folder.LastSync.UnixMilli(), Valid: true}
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO sync_folders (
			folder_id,
			local_path,
			remote_path,
			device_id,
			auto_sync,
			sync_types,
			last_sync,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_id) DO UPDATE SET
			local_path = excluded.local_path,
			remote_path = excluded.remote_path,
			device_id = excluded.device_id,
			auto_sync = excluded.auto_sync,
			sync_types = excluded.sync_types,
			last_sync = excluded.last_sync`,
		folder.ID,
		folder.LocalPath,
		folder.RemotePath,
		folder.DeviceID,
		boolToInt(folder.AutoSync),
		string(encodedTypes),
		lastSync,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save sync folder %q: %w", folder.ID, err)
	}
	return nil
}

// DeleteFolder removes a folder. Deleting an unknown id is not an error.
func (f *FolderDB) DeleteFolder(ctx context.Context, id string) error {
	db, err := f.handle()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM sync_folders WHERE folder_id = ?`, id); err != nil {
		return fmt.Errorf("delete sync folder %q: %w", id, err)
	}
	return nil
}

func (f *FolderDB) handle() (*sql.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.db == nil {
		return nil, ErrClosed
	}
	return f.db, nil
}

func (f *FolderDB) applyMigrations() error {
	var version int
	if err := f.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := f.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (f *FolderDB) enableWALMode() error {
	var journalMode string
	if err := f.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
