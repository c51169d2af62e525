package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/semmidev/dbrefresh/internal/config"
)

// GDriveStorage mirrors archives into a Google Drive folder.
type GDriveStorage struct {
	service  *drive.Service
	folderID string
}

func NewGDrive(ctx context.Context, cfg *config.UploadTarget, opts ...option.ClientOption) (*GDriveStorage, error) {
	if len(opts) == 0 {
		opts = []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
	}

	service, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	return &GDriveStorage{
		service:  service,
		folderID: cfg.FolderID,
	}, nil
}

func (g *GDriveStorage) Upload(ctx context.Context, localPath string, remoteName string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	fileMetadata := &drive.File{
		Name:     remoteName,
		Parents:  []string{g.folderID},
		MimeType: "application/gzip",
	}

	_, err = g.service.Files.Create(fileMetadata).
		Media(file).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to upload to gdrive: %w", err)
	}

	return nil
}

func (g *GDriveStorage) List(ctx context.Context) ([]string, error) {
	files, err := g.find(ctx, g.folderQuery())
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return names(files), nil
}

// Delete removes every file in the folder carrying remoteName.
func (g *GDriveStorage) Delete(ctx context.Context, remoteName string) error {
	query := fmt.Sprintf("%s and name='%s'", g.folderQuery(), escapeQuery(remoteName))

	files, err := g.find(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to find file: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("file not found: %s", remoteName)
	}

	for _, f := range files {
		if err := g.service.Files.Delete(f.Id).Context(ctx).Do(); err != nil {
			return fmt.Errorf("failed to delete file: %w", err)
		}
	}
	return nil
}

func (g *GDriveStorage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	query := fmt.Sprintf("%s and createdTime < '%s'", g.folderQuery(), cutoffTime.UTC().Format(time.RFC3339))

	files, err := g.find(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list old files: %w", err)
	}
	return names(files), nil
}

func (g *GDriveStorage) find(ctx context.Context, query string) ([]*drive.File, error) {
	var files []*drive.File
	err := g.service.Files.List().
		Q(query).
		Fields("nextPageToken, files(id, name, createdTime)").
		Pages(ctx, func(page *drive.FileList) error {
			files = append(files, page.Files...)
			return nil
		})
	return files, err
}

func (g *GDriveStorage) folderQuery() string {
	return fmt.Sprintf("'%s' in parents and trashed=false", escapeQuery(g.folderID))
}

func names(files []*drive.File) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Name)
	}
	return out
}

// escapeQuery escapes a value for a single-quoted Drive query literal.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
