package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/semmidev/dbrefresh/internal/domain"
)

type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

// Connector opens SSH sessions, with an SFTP channel on the same transport,
// against the backup host.
type Connector struct {
	logger   Logger
	verifier HostKeyVerifier
	dialer   *net.Dialer
}

type Option func(*Connector)

// WithHostKeyCallback overrides the configured host key policy.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(c *Connector) {
		c.verifier = CallbackVerifier{Fn: cb}
	}
}

// WithVerifier overrides the configured host key policy.
func WithVerifier(v HostKeyVerifier) Option {
	return func(c *Connector) {
		c.verifier = v
	}
}

func NewConnector(logger Logger, opts ...Option) *Connector {
	c := &Connector{
		logger: logger,
		dialer: &net.Dialer{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open dials and authenticates. The connect timeout covers both the TCP dial
// and the SSH handshake.
func (c *Connector) Open(ctx context.Context, params domain.ConnectionParameters) (domain.Session, error) {
	timeout := params.ConnectTimeout
	if timeout <= 0 {
		timeout = domain.DefaultConnectTimeout
	}

	signer, err := loadSigner(params.KeyPath, params.KeyPassphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}

	verifier := c.verifier
	if verifier == nil {
		if verifier, err = VerifierFor(params.HostKeyPolicy); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
		}
	}
	hostKeyCallback, err := verifier.Callback(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}

	var rejected hostKeyRejection
	cfg := &ssh.ClientConfig{
		User: params.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := hostKeyCallback(hostname, remote, key); err != nil {
				rejected.set(err)
				return err
			}
			return nil
		},
		Timeout: timeout,
	}

	addr := params.Address()
	c.logger.Debugf("Connecting to %s@%s (timeout %s)", params.User, addr, timeout)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrConnect, addr, err)
	}

	// Closing the conn is the only way to interrupt a handshake in progress.
	stop := context.AfterFunc(dialCtx, func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(timeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() && err == nil {
		sshConn.Close()
		err = dialCtx.Err()
	}
	if err != nil {
		conn.Close()
		switch {
		case rejected.get() != nil:
			return nil, fmt.Errorf("%w: host key for %s rejected: %v", domain.ErrAuthentication, addr, rejected.get())
		case strings.Contains(err.Error(), "unable to authenticate"):
			return nil, fmt.Errorf("%w: %s@%s: %v", domain.ErrAuthentication, params.User, addr, err)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: handshake with %s: %w", domain.ErrConnect, addr, ctx.Err())
		case dialCtx.Err() != nil || isTimeout(err):
			return nil, fmt.Errorf("%w: handshake with %s timed out after %s", domain.ErrConnect, addr, timeout)
		default:
			return nil, fmt.Errorf("%w: handshake with %s: %v", domain.ErrConnect, addr, err)
		}
	}
	_ = conn.SetDeadline(time.Time{})

	session := &Session{client: ssh.NewClient(sshConn, chans, reqs)}

	sftpClient, err := sftp.NewClient(session.client)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: open sftp channel on %s: %v", domain.ErrConnect, addr, err)
	}
	session.sftp = sftpClient

	c.logger.Infof("Connected to backup host %s as %s", addr, params.User)
	return session, nil
}

func loadSigner(keyPath, passphrase string) (ssh.Signer, error) {
	if keyPath == "" {
		return nil, errors.New("ssh key path is empty")
	}
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}

	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", keyPath, err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("ssh key %s is encrypted and no passphrase is configured", keyPath)
		}
		return nil, fmt.Errorf("parse ssh key %s: %w", keyPath, err)
	}
	return signer, nil
}

type hostKeyRejection struct {
	mu  sync.Mutex
	err error
}

func (r *hostKeyRejection) set(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *hostKeyRejection) get() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
