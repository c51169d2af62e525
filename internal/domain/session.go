package domain

import (
	"context"
	"io"
	"time"
)

// HostKeyPolicy names how unknown or changed backup host keys are handled.
type HostKeyPolicy string

const (
	HostKeyTrustOnFirstUse HostKeyPolicy = "trust-on-first-use"
	HostKeyStrict          HostKeyPolicy = "strict"
	HostKeyCallback        HostKeyPolicy = "callback"
)

// DefaultConnectTimeout bounds TCP dial plus SSH handshake.
const DefaultConnectTimeout = 5000 * time.Millisecond

// ConnectionParameters describe how to reach the backup host. Passed by value.
type ConnectionParameters struct {
	Host             string
	User             string
	KeyPath          string
	KeyPassphrase    string
	Port             int
	RemoteBackupRoot string
	KnownHostsPath   string
	HostKeyPolicy    HostKeyPolicy
	ConnectTimeout   time.Duration
}

// Address returns host:port.
func (p ConnectionParameters) Address() string {
	port := p.Port
	if port == 0 {
		port = 22
	}
	return joinHostPort(p.Host, port)
}

// Shell runs opaque commands on the backup host.
type Shell interface {
	Exec(ctx context.Context, command string) (CommandResult, error)
}

// FileSource reads whole files from the backup host.
type FileSource interface {
	Stat(ctx context.Context, remotePath string) (int64, error)
	Open(ctx context.Context, remotePath string) (io.ReadCloser, error)
}

// Session is an authenticated remote shell plus its file transfer channel.
// Close must be safe to call more than once.
type Session interface {
	Shell
	FileSource
	Close() error
}

// Connector opens sessions against a backup host.
type Connector interface {
	Open(ctx context.Context, params ConnectionParameters) (Session, error)
}
