// Package storage persists sync folder definitions in SQLite.
//
// FolderDB satisfies p2psync.FolderStore. The schema is versioned with
// PRAGMA user_version and migrated forward on open.
package storage
