// Package interfaces defines the contracts between the sync subsystem and the
// host application's collaborators.
//
// The core never touches the filesystem directly. Folder enumeration, reads
// and writes go through [FileSystem], which the host implements (or which is
// satisfied by the localfs package):
//
//	type FileSystem interface {
//	    ScanFolder(ctx context.Context, path string, types []string) ([]FileMetadata, error)
//	    ReadFile(ctx context.Context, path string) ([]byte, error)
//	    WriteFile(ctx context.Context, path string, data []byte) error
//	}
//
// [FileMetadata] is the record produced by a scan and carried over the data
// channel and through the relay. Its ID is a cheap fingerprint of path, size
// and modification time so that two scans of an unchanged file agree.
//
// [FileWriter] is the narrow "local write" collaborator used by both the
// transfer receiver and the relay listener. Implementations must be
// idempotent on duplicate content because relay delivery is at-least-once.
package interfaces
