package domain

import (
	"context"
	"time"
)

// Storage holds mirrored copies of fetched archives.
type Storage interface {
	Upload(ctx context.Context, localPath string, remoteName string) error
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, remoteName string) error
	GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error)
}

// Notifier reports run outcomes to people.
type Notifier interface {
	SendNotification(message string) error
}
