package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/semmidev/dbrefresh/internal/domain"
)

// Fetcher downloads whole files and refuses to hand back anything it could
// not verify against the remote listing.
type Fetcher struct {
	logger Logger
}

func NewFetcher(logger Logger) *Fetcher {
	return &Fetcher{logger: logger}
}

// Fetch copies remotePath into localDir and returns the local path. The copy
// is written to a .part file and only renamed into place once its size, and
// its SHA-256 when wantSHA256 is set, match. Nothing is left behind on
// failure.
func (f *Fetcher) Fetch(ctx context.Context, src domain.FileSource, remotePath, localDir, wantSHA256 string) (string, error) {
	start := time.Now()

	size, err := src.Stat(ctx, remotePath)
	if err != nil {
		return "", transferError(err)
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create local dir: %v", domain.ErrTransfer, err)
	}

	dest := filepath.Join(localDir, path.Base(remotePath))
	part := dest + ".part"

	rc, err := src.Open(ctx, remotePath)
	if err != nil {
		return "", transferError(err)
	}
	defer rc.Close()

	out, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", domain.ErrTransfer, part, err)
	}

	f.logger.Infof("Downloading %s (%.2f MB) to %s", remotePath, float64(size)/(1024*1024), dest)

	hash := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(out, hash), &contextReader{ctx: ctx, r: rc})
	if copyErr == nil {
		copyErr = out.Sync()
	}
	if cerr := out.Close(); copyErr == nil {
		copyErr = cerr
	}

	verifyErr := copyErr
	switch {
	case copyErr != nil:
		verifyErr = fmt.Errorf("%w: interrupted after %d of %d bytes: %v", domain.ErrTransfer, n, size, copyErr)
	case n != size:
		verifyErr = fmt.Errorf("%w: received %d bytes, remote file has %d", domain.ErrTransfer, n, size)
	case wantSHA256 != "":
		got := hex.EncodeToString(hash.Sum(nil))
		if !strings.EqualFold(got, wantSHA256) {
			verifyErr = fmt.Errorf("%w: sha256 mismatch: got %s, want %s", domain.ErrTransfer, got, wantSHA256)
		}
	}
	if verifyErr != nil {
		_ = os.Remove(part)
		return "", verifyErr
	}

	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("%w: move into place: %v", domain.ErrTransfer, err)
	}

	f.logger.Infof("Downloaded %s in %s (%d bytes verified)", path.Base(remotePath), time.Since(start).Round(time.Millisecond), n)
	return dest, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func transferError(err error) error {
	if errors.Is(err, domain.ErrTransfer) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrTransfer, err)
}
