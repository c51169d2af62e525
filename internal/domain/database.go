package domain

import (
	"context"
	"fmt"
)

// RestoreTarget is the database a dump is loaded into.
type RestoreTarget struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SourcePath string
}

// WithSource returns a copy of t pointing at sourcePath.
func (t RestoreTarget) WithSource(sourcePath string) RestoreTarget {
	t.SourcePath = sourcePath
	return t
}

func (t RestoreTarget) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", t.User, t.Host, t.Port, t.Database)
}

// Database restores directory-format dumps into a live database.
type Database interface {
	Restore(ctx context.Context, target RestoreTarget) (CommandResult, error)
	Ping(ctx context.Context, target RestoreTarget) error
	GetType() string
}

// Extractor unpacks a local archive into destDir and returns the extracted root.
type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir string) (string, error)
}
