package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/semmidev/dbrefresh/internal/domain"
)

// Session is one authenticated SSH connection and the SFTP client riding on
// it. Close tears both down once; later calls are no-ops.
type Session struct {
	client *ssh.Client
	sftp   *sftp.Client
	once   sync.Once
}

func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		var errs []error
		if s.sftp != nil {
			if cerr := s.sftp.Close(); cerr != nil && !isClosed(cerr) {
				errs = append(errs, fmt.Errorf("close sftp: %w", cerr))
			}
		}
		if s.client != nil {
			if cerr := s.client.Close(); cerr != nil && !isClosed(cerr) {
				errs = append(errs, fmt.Errorf("close ssh: %w", cerr))
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

// Exec runs command in a fresh channel and waits for it to exit. A non-zero
// exit status is returned in the result, not as an error. When ctx ends
// first the remote process is sent SIGKILL and the channel is closed.
func (s *Session) Exec(ctx context.Context, command string) (domain.CommandResult, error) {
	if s.client == nil {
		return domain.CommandResult{}, fmt.Errorf("%w: session is not connected", domain.ErrRemoteCommand)
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return domain.CommandResult{}, fmt.Errorf("%w: open channel: %v", domain.ErrRemoteCommand, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(command); err != nil {
		return domain.CommandResult{}, fmt.Errorf("%w: start: %v", domain.ErrRemoteCommand, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return domain.CommandResult{ExitCode: -1}, fmt.Errorf("%w: %w", domain.ErrRemoteCommand, ctx.Err())
	case err := <-done:
		result := domain.CommandResult{
			Stdout: domain.SplitLines(stdout.String()),
			Stderr: domain.SplitLines(stderr.String()),
		}
		if err == nil {
			return result, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("%w: %v", domain.ErrRemoteCommand, err)
	}
}

// Stat returns the size of a regular remote file. Relative paths resolve
// against the login directory.
func (s *Session) Stat(ctx context.Context, remotePath string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrTransfer, err)
	}
	if s.sftp == nil {
		return 0, fmt.Errorf("%w: session has no sftp channel", domain.ErrTransfer)
	}
	info, err := s.sftp.Stat(remotePath)
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", domain.ErrTransfer, remotePath, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s is not a regular file", domain.ErrTransfer, remotePath)
	}
	return info.Size(), nil
}

func (s *Session) Open(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransfer, err)
	}
	if s.sftp == nil {
		return nil, fmt.Errorf("%w: session has no sftp channel", domain.ErrTransfer)
	}
	f, err := s.sftp.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrTransfer, remotePath, err)
	}
	return f, nil
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
