package storage

import (
	"context"
	"time"
)

type ObjectInfo struct {
	Key          string     `json:"key"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// ArchiveOptions controls where a completed download lands.
type ArchiveOptions struct {
	// KeyPrefix is appended to the archiver's configured prefix.
	KeyPrefix        string
	ProgressCallback func(done, total int64)
}

// Archiver copies completed downloads to remote object storage.
type Archiver interface {
	// Archive uploads a file or a directory tree and returns its location.
	Archive(ctx context.Context, localPath string, opts ArchiveOptions) (string, error)
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, prefix string) error
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}
