package remote

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/semmidev/dbrefresh/internal/domain"
)

// HostKeyVerifier builds the host key callback for one connection attempt.
type HostKeyVerifier interface {
	Callback(params domain.ConnectionParameters) (ssh.HostKeyCallback, error)
}

// VerifierFor returns the verifier for a configured policy. The callback
// policy has no configuration form; use WithHostKeyCallback instead.
func VerifierFor(policy domain.HostKeyPolicy) (HostKeyVerifier, error) {
	switch policy {
	case "", domain.HostKeyTrustOnFirstUse:
		return &TrustOnFirstUse{}, nil
	case domain.HostKeyStrict:
		return StrictKnownHosts{}, nil
	case domain.HostKeyCallback:
		return nil, fmt.Errorf("host key policy %q needs a callback supplied in code", policy)
	default:
		return nil, fmt.Errorf("unknown host key policy %q", policy)
	}
}

// StrictKnownHosts only accepts keys already present in the known hosts file.
type StrictKnownHosts struct{}

func (StrictKnownHosts) Callback(params domain.ConnectionParameters) (ssh.HostKeyCallback, error) {
	if params.KnownHostsPath == "" {
		return nil, errors.New("known hosts path is required for strict host key checking")
	}
	cb, err := knownhosts.New(params.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

// TrustOnFirstUse accepts a host it has never seen and appends its key to the
// known hosts file. A host whose key changed is still rejected.
type TrustOnFirstUse struct {
	mu sync.Mutex
}

func (v *TrustOnFirstUse) Callback(params domain.ConnectionParameters) (ssh.HostKeyCallback, error) {
	path := params.KnownHostsPath
	if path == "" {
		return nil, errors.New("known hosts path is required to remember host keys")
	}
	if err := ensureFile(path); err != nil {
		return nil, fmt.Errorf("prepare known hosts: %w", err)
	}
	known, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := known(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return v.remember(path, hostname, key)
		}
		return err
	}, nil
}

func (v *TrustOnFirstUse) remember(path, hostname string, key ssh.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open known hosts: %w", err)
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("remember host key: %w", err)
	}
	return f.Close()
}

// CallbackVerifier delegates to a caller supplied callback.
type CallbackVerifier struct {
	Fn ssh.HostKeyCallback
}

func (v CallbackVerifier) Callback(domain.ConnectionParameters) (ssh.HostKeyCallback, error) {
	if v.Fn == nil {
		return nil, errors.New("host key callback is nil")
	}
	return v.Fn, nil
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}
