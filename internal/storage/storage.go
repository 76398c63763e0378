package storage

import (
	"context"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// Service archives completed downloads to remote object storage. The
// engine treats archival like settlement: best effort, never blocking
// a download's completion.
type Service interface {
	ArchiveFile(ctx context.Context, localPath, key string) (string, error)
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, prefix string) error
}
