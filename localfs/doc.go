// Package localfs implements the filesystem bridge consumed by the sync
// coordinator: folder scans with type filtering, whole-file reads, and
// confined, idempotent writes of received files.
//
// # Fingerprints
//
// Fingerprint derives a FileMetadata ID from path, size and modification
// time using CRC-64/ECMA. It is cheap and not cryptographic; it only needs to
// be stable across scans of an unchanged file so transfers are idempotent.
//
// # Type Filters
//
// Scan filters accept any mix of:
//
//   - type classes: "image", "video", "audio", "document", "archive", "other"
//   - extensions: ".pdf" or "pdf"
//   - MIME types: "image/png", or wildcards such as "image/*"
//
// File types are detected from content with mimetype.
//
// # Writes
//
// WriteFile only writes below the configured root. Paths are cleaned and
// rejected with ErrDirectoryTraversal when they try to escape it. Writes go
// through a temporary file and a rename, and are skipped when the target
// already holds identical content.
package localfs
