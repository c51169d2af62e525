package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/semmidev/dbrefresh/internal/domain"
)

var gzipMagic = []byte{0x1f, 0x8b}

type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
}

type TarGzExtractor struct {
	logger Logger
}

func NewTarGz(logger Logger) *TarGzExtractor {
	return &TarGzExtractor{logger: logger}
}

// Extract unpacks archivePath into destDir and returns destDir. Entries are
// written to a staging directory beside destDir which replaces it only once
// every entry has been read, so a failed extraction leaves no usable tree.
func (e *TarGzExtractor) Extract(ctx context.Context, archivePath, destDir string) (string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	magic := make([]byte, len(gzipMagic))
	if _, err := io.ReadFull(file, magic); err != nil || !bytes.Equal(magic, gzipMagic) {
		return "", fmt.Errorf("%w: %s is not a gzip stream", domain.ErrUnsupportedFormat, filepath.Base(archivePath))
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind archive: %w", err)
	}

	gzipReader, err := gzip.NewReader(file)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrCorruptArchive, err)
	}
	defer gzipReader.Close()

	destDir = filepath.Clean(destDir)
	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("failed to create extraction parent: %w", err)
	}

	staging, err := os.MkdirTemp(parent, "."+filepath.Base(destDir)+".extract-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()
	if err := os.Chmod(staging, 0o755); err != nil {
		return "", fmt.Errorf("failed to prepare staging dir: %w", err)
	}

	count, err := e.extractAll(ctx, tar.NewReader(gzipReader), staging)
	if err != nil {
		return "", err
	}
	if count == 0 {
		return "", fmt.Errorf("%w: archive has no entries", domain.ErrCorruptArchive)
	}
	// Reading to the end verifies the gzip trailer.
	if _, err := io.Copy(io.Discard, gzipReader); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrCorruptArchive, err)
	}

	if err := os.RemoveAll(destDir); err != nil {
		return "", fmt.Errorf("failed to clear previous extraction: %w", err)
	}
	if err := os.Rename(staging, destDir); err != nil {
		return "", fmt.Errorf("failed to move extraction into place: %w", err)
	}
	committed = true

	e.logger.Infof("Extracted %d entries from %s into %s", count, filepath.Base(archivePath), destDir)
	return destDir, nil
}

func (e *TarGzExtractor) extractAll(ctx context.Context, tr *tar.Reader, root string) (int, error) {
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, fmt.Errorf("extraction interrupted: %w", err)
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("%w: read entry: %v", domain.ErrCorruptArchive, err)
		}

		target, err := entryTarget(root, header.Name)
		if err != nil {
			return count, err
		}
		if err := noSymlinkParents(root, target); err != nil {
			return count, err
		}
		if header.Typeflag != tar.TypeSymlink {
			if err := notSymlink(target, header.Name); err != nil {
				return count, err
			}
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode).Perm()|0o700); err != nil {
				return count, fmt.Errorf("failed to create %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, header, tr); err != nil {
				return count, err
			}
		case tar.TypeSymlink:
			if err := writeSymlink(root, target, header); err != nil {
				return count, err
			}
		case tar.TypeLink:
			if err := writeHardLink(root, target, header); err != nil {
				return count, err
			}
		case tar.TypeXGlobalHeader:
			e.logger.Debugf("Skipping global pax header %s", header.Name)
			continue
		default:
			return count, fmt.Errorf("%w: entry %q has unsupported tar type %q", domain.ErrCorruptArchive, header.Name, header.Typeflag)
		}
		count++
	}
}

// entryTarget maps an entry name onto a path below root, rejecting absolute
// names and anything that climbs out with "..".
func entryTarget(root, name string) (string, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	if normalized == "" {
		return "", fmt.Errorf("%w: entry with empty name", domain.ErrCorruptArchive)
	}
	if path.IsAbs(normalized) {
		return "", fmt.Errorf("%w: absolute entry %q", domain.ErrCorruptArchive, name)
	}

	cleaned := path.Clean(normalized)
	if cleaned == "." {
		return root, nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: entry %q escapes the extraction directory", domain.ErrCorruptArchive, name)
	}

	target := filepath.Join(root, filepath.FromSlash(cleaned))
	if !within(root, target) {
		return "", fmt.Errorf("%w: entry %q escapes the extraction directory", domain.ErrCorruptArchive, name)
	}
	return target, nil
}

// noSymlinkParents refuses to write through a symlink extracted earlier.
func noSymlinkParents(root, target string) error {
	rel, err := filepath.Rel(root, filepath.Dir(target))
	if err != nil || rel == "." {
		return nil
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: entry %q is below a symlink", domain.ErrCorruptArchive, target)
		}
	}
	return nil
}

// notSymlink refuses to replace or follow a symlink extracted earlier.
func notSymlink(target, name string) error {
	info, err := os.Lstat(target)
	if err != nil {
		return nil
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: entry %q would be written through a symlink", domain.ErrCorruptArchive, name)
	}
	return nil
}

func writeEntry(target string, header *tar.Header, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode).Perm()|0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", header.Name, err)
	}

	src := &trackingReader{r: r}
	_, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	switch {
	case src.err != nil:
		return fmt.Errorf("%w: read %s: %v", domain.ErrCorruptArchive, header.Name, src.err)
	case copyErr != nil:
		return fmt.Errorf("failed to write %s: %w", header.Name, copyErr)
	case closeErr != nil:
		return fmt.Errorf("failed to write %s: %w", header.Name, closeErr)
	}

	if !header.ModTime.IsZero() {
		_ = os.Chtimes(target, header.ModTime, header.ModTime)
	}
	return nil
}

func writeSymlink(root, target string, header *tar.Header) error {
	link := filepath.FromSlash(header.Linkname)
	if link == "" || filepath.IsAbs(link) {
		return fmt.Errorf("%w: symlink %q has unsafe target %q", domain.ErrCorruptArchive, header.Name, header.Linkname)
	}
	// Lexical checks cannot see earlier symlinks on the path, so ".." is never allowed.
	if hasDotDot(header.Linkname) || !within(root, filepath.Join(filepath.Dir(target), link)) {
		return fmt.Errorf("%w: symlink %q points outside the extraction directory", domain.ErrCorruptArchive, header.Name)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
	}
	_ = os.Remove(target)
	if err := os.Symlink(link, target); err != nil {
		return fmt.Errorf("failed to create symlink %s: %w", header.Name, err)
	}
	return nil
}

// writeHardLink links target to an earlier regular entry of the same archive.
func writeHardLink(root, target string, header *tar.Header) error {
	source, err := entryTarget(root, header.Linkname)
	if err != nil {
		return err
	}
	if err := noSymlinkParents(root, source); err != nil {
		return err
	}
	info, err := os.Lstat(source)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: hard link %q points at %q, which is not an extracted file", domain.ErrCorruptArchive, header.Name, header.Linkname)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
	}
	_ = os.Remove(target)
	if err := os.Link(source, target); err != nil {
		return fmt.Errorf("failed to create hard link %s: %w", header.Name, err)
	}
	return nil
}

func hasDotDot(name string) bool {
	for _, part := range strings.Split(strings.ReplaceAll(name, "\\", "/"), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// trackingReader remembers read errors so they can be told apart from
// write errors after io.Copy.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		t.err = err
	}
	return n, err
}
