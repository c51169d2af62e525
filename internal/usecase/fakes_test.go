package usecase

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/dbrefresh/internal/domain"
)

// fakeSession serves files from memory and answers commands via handler.
type fakeSession struct {
	mu       sync.Mutex
	files    map[string][]byte
	handler  func(command string) (domain.CommandResult, error)
	commands []string
	stats    int
	closes   int
}

func (s *fakeSession) Exec(ctx context.Context, command string) (domain.CommandResult, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	handler := s.handler
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.CommandResult{ExitCode: -1}, fmt.Errorf("%w: %w", domain.ErrRemoteCommand, err)
	}
	return handler(command)
}

func (s *fakeSession) Stat(ctx context.Context, remotePath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats++
	data, ok := s.files[remotePath]
	if !ok {
		return 0, fmt.Errorf("%w: stat %s: file does not exist", domain.ErrTransfer, remotePath)
	}
	return int64(len(data)), nil
}

func (s *fakeSession) Open(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[remotePath]
	if !ok {
		return nil, fmt.Errorf("%w: open %s: file does not exist", domain.ErrTransfer, remotePath)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSession) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// fakeConnector hands out one session and fails the attempts listed in errs.
type fakeConnector struct {
	session *fakeSession
	errs    []error
	opens   int
	params  []domain.ConnectionParameters
}

func (c *fakeConnector) Open(ctx context.Context, params domain.ConnectionParameters) (domain.Session, error) {
	c.opens++
	c.params = append(c.params, params)
	if c.opens <= len(c.errs) && c.errs[c.opens-1] != nil {
		return nil, c.errs[c.opens-1]
	}
	return c.session, nil
}

type fakeDatabase struct {
	result   domain.CommandResult
	err      error
	pingErr  error
	pings    int
	targets  []domain.RestoreTarget
	sawToc   bool
	restored bool
}

func (d *fakeDatabase) Restore(ctx context.Context, target domain.RestoreTarget) (domain.CommandResult, error) {
	d.restored = true
	d.targets = append(d.targets, target)
	_, err := os.Stat(filepath.Join(target.SourcePath, "toc.dat"))
	d.sawToc = err == nil
	return d.result, d.err
}

func (d *fakeDatabase) Ping(ctx context.Context, target domain.RestoreTarget) error {
	d.pings++
	return d.pingErr
}

func (d *fakeDatabase) GetType() string {
	return "postgresql"
}

type fakeNotifier struct {
	messages []string
}

func (n *fakeNotifier) SendNotification(message string) error {
	n.messages = append(n.messages, message)
	return nil
}

// failingStorage refuses every upload.
type failingStorage struct{}

func (failingStorage) Upload(ctx context.Context, localPath, remoteName string) error {
	return errors.New("bucket unreachable")
}

func (failingStorage) List(ctx context.Context) ([]string, error) {
	return nil, errors.New("bucket unreachable")
}

func (failingStorage) Delete(ctx context.Context, remoteName string) error {
	return errors.New("bucket unreachable")
}

func (failingStorage) GetOldFiles(ctx context.Context, cutoff time.Time) ([]string, error) {
	return nil, errors.New("bucket unreachable")
}

type tarFile struct {
	name string
	body string
	dir  bool
}

func tarGz(files ...tarFile) []byte {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, f := range files {
		hdr := &tar.Header{Name: f.name, Mode: 0o644, Typeflag: tar.TypeReg, Size: int64(len(f.body))}
		if f.dir {
			hdr = &tar.Header{Name: f.name, Mode: 0o755, Typeflag: tar.TypeDir}
		}
		So(tw.WriteHeader(hdr), ShouldBeNil)
		if !f.dir {
			_, err := tw.Write([]byte(f.body))
			So(err, ShouldBeNil)
		}
	}
	So(tw.Close(), ShouldBeNil)
	So(gw.Close(), ShouldBeNil)
	return buf.Bytes()
}

// dumpArchive is what tar -czf produces for a directory-format pg_dump.
func dumpArchive(name string) []byte {
	return tarGz(
		tarFile{name: name + "/", dir: true},
		tarFile{name: name + "/toc.dat", body: "PGDMP"},
		tarFile{name: name + "/3001.dat.gz", body: "rows"},
	)
}

func sha256Line(data []byte, path string) domain.CommandResult {
	sum := sha256.Sum256(data)
	return domain.CommandResult{Stdout: []string{hex.EncodeToString(sum[:]) + "  " + path}}
}

func isChecksum(command string) bool {
	return strings.HasPrefix(command, "sha256sum ")
}
