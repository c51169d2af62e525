package remote

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/crypto/ssh"

	"github.com/semmidev/dbrefresh/internal/domain"
)

// testHost is an in-process SSH server with exec and sftp support.
type testHost struct {
	addr     string
	home     string
	hostKey  ssh.Signer
	listener net.Listener

	mu       sync.Mutex
	commands []string
	handler  func(command string) (stdout, stderr string, status uint32)

	release   chan struct{}
	closeOnce sync.Once
}

func startTestHost(t *testing.T, authorized ssh.PublicKey) *testHost {
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	So(err, ShouldBeNil)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	So(err, ShouldBeNil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	So(err, ShouldBeNil)

	h := &testHost{
		addr:     ln.Addr().String(),
		home:     t.TempDir(),
		hostKey:  hostSigner,
		listener: ln,
		release:  make(chan struct{}),
		handler: func(string) (string, string, uint32) {
			return "", "", 0
		},
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unauthorized key")
		},
	}
	cfg.AddHostKey(hostSigner)

	go h.serve(cfg)
	Reset(h.Close)
	return h
}

func (h *testHost) Close() {
	h.closeOnce.Do(func() {
		close(h.release)
		h.listener.Close()
	})
}

func (h *testHost) setHandler(fn func(command string) (string, string, uint32)) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

func (h *testHost) executed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

func (h *testHost) params(keyPath, knownHosts string) domain.ConnectionParameters {
	host, portStr, _ := net.SplitHostPort(h.addr)
	port, _ := strconv.Atoi(portStr)
	return domain.ConnectionParameters{
		Host:             host,
		Port:             port,
		User:             "backup",
		KeyPath:          keyPath,
		RemoteBackupRoot: "/srv/backups",
		KnownHostsPath:   knownHosts,
		HostKeyPolicy:    domain.HostKeyTrustOnFirstUse,
		ConnectTimeout:   2 * time.Second,
	}
}

func (h *testHost) serve(cfg *ssh.ServerConfig) {
	for {
		nConn, err := h.listener.Accept()
		if err != nil {
			return
		}
		go h.handleConn(nConn, cfg)
	}
}

func (h *testHost) handleConn(nConn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(nConn, cfg)
	if err != nil {
		nConn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go h.handleSession(ch, requests)
	}
}

func (h *testHost) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			h.mu.Lock()
			h.commands = append(h.commands, payload.Command)
			handler := h.handler
			h.mu.Unlock()

			stdout, stderr, status := handler(payload.Command)
			_, _ = io.WriteString(ch, stdout)
			_, _ = io.WriteString(ch.Stderr(), stderr)
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = server.Serve()
			_ = server.Close()
			return

		default:
			_ = req.Reply(false, nil)
		}
	}
}

// writeClientKey writes an unencrypted OpenSSH private key and returns its
// path and public half.
func writeClientKey(dir, name string) (string, ssh.PublicKey) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	So(err, ShouldBeNil)
	block, err := ssh.MarshalPrivateKey(priv, "")
	So(err, ShouldBeNil)

	path := filepath.Join(dir, name)
	So(os.WriteFile(path, pem.EncodeToMemory(block), 0o600), ShouldBeNil)

	signer, err := ssh.NewSignerFromKey(priv)
	So(err, ShouldBeNil)
	return path, signer.PublicKey()
}
