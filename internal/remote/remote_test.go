package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/BadgerOps/dmfship/internal/apperr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newPipeSession connects a session to an in-memory SFTP server.
func newPipeSession(t *testing.T) *sftpSession {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	server := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go server.Serve()
	t.Cleanup(func() { server.Close() })

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)

	s := NewSession(client).(*sftpSession)
	t.Cleanup(func() { s.Close() })
	return s
}

func readRemote(t *testing.T, c *sftp.Client, name string) string {
	t.Helper()
	f, err := c.Open(name)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func TestEnsureDirCreatesAndIsIdempotent(t *testing.T) {
	s := newPipeSession(t)

	require.NoError(t, s.EnsureDir("/cga/2026-10-18-09-30"))
	require.NoError(t, s.EnsureDir("/cga/2026-10-18-09-30"))

	fi, err := s.client.Stat("/cga/2026-10-18-09-30")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestEnsureDirRejectsFile(t *testing.T) {
	s := newPipeSession(t)
	require.NoError(t, s.EnsureDir("/cga"))
	_, err := s.WriteFile("/cga/STARTDMS", strings.NewReader(""))
	require.NoError(t, err)

	err = s.EnsureDir("/cga/STARTDMS")
	assert.ErrorIs(t, err, apperr.ErrTransferIO)
}

func TestWriteFile(t *testing.T) {
	s := newPipeSession(t)
	require.NoError(t, s.EnsureDir("/out"))

	n, err := s.WriteFile("/out/index.csv", strings.NewReader("a||b\nc||d"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	assert.Equal(t, "a||b\nc||d", readRemote(t, s.client, "/out/index.csv"))
}

func TestWriteFileEmpty(t *testing.T) {
	s := newPipeSession(t)
	require.NoError(t, s.EnsureDir("/out"))

	n, err := s.WriteFile("/out/STARTDMS", strings.NewReader(""))
	require.NoError(t, err)
	assert.Zero(t, n)

	fi, err := s.client.Stat("/out/STARTDMS")
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
}

func TestWriteFileMissingParent(t *testing.T) {
	s := newPipeSession(t)
	_, err := s.WriteFile("/nowhere/file.pdf", strings.NewReader("x"))
	assert.ErrorIs(t, err, apperr.ErrTransferIO)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("stream reset") }

func TestWriteFileSourceError(t *testing.T) {
	s := newPipeSession(t)
	require.NoError(t, s.EnsureDir("/out"))

	_, err := s.WriteFile("/out/broken.pdf", failingReader{})
	assert.ErrorIs(t, err, apperr.ErrTransferIO)
	assert.ErrorContains(t, err, "stream reset")
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newPipeSession(t)
	first := s.Close()
	second := s.Close()
	assert.Equal(t, first, second)
}

func TestCredentialsAddr(t *testing.T) {
	assert.Equal(t, "sftp.example.com:22", Credentials{Host: "sftp.example.com"}.Addr())
	assert.Equal(t, "sftp.example.com:2222", Credentials{Host: "sftp.example.com", Port: 2222}.Addr())
	assert.Equal(t, "[::1]:22", Credentials{Host: "::1"}.Addr())
}

func TestNewDialerValidation(t *testing.T) {
	tests := []struct {
		name string
		opts DialerOptions
	}{
		{"missing host", DialerOptions{Credentials: Credentials{User: "u"}}},
		{"missing user", DialerOptions{Credentials: Credentials{Host: "h"}}},
		{"bad port", DialerOptions{Credentials: Credentials{Host: "h", User: "u", Port: 70000}}},
		{"missing known_hosts", DialerOptions{Credentials: Credentials{Host: "h", User: "u"}, KnownHosts: "/nonexistent/known_hosts"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDialer(tt.opts, discardLogger())
			assert.ErrorIs(t, err, apperr.ErrConfiguration)
		})
	}
}

// sshServer is a password-authenticated SSH server exposing an in-memory
// SFTP subsystem shared by all connections.
type sshServer struct {
	addr     string
	hostKey  ssh.PublicKey
	handlers sftp.Handlers
}

func startSSHServer(t *testing.T, user, password string) *sshServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := &sshServer{addr: ln.Addr().String(), hostKey: signer.PublicKey(), handlers: sftp.InMemHandler()}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(nc, cfg)
		}
	}()
	return srv
}

func (s *sshServer) serve(nc net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			return
		}
		go func(in <-chan *ssh.Request) {
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
			}
		}(requests)

		server := sftp.NewRequestServer(ch, s.handlers)
		go func() {
			server.Serve()
			server.Close()
		}()
	}
}

func (s *sshServer) credentials(t *testing.T, user, password string) Credentials {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Credentials{Host: host, Port: port, User: user, Password: password}
}

func writeKnownHosts(t *testing.T, addr string, key ssh.PublicKey) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, key)
	require.NoError(t, os.WriteFile(p, []byte(line+"\n"), 0o600))
	return p
}

func TestDialerOpenWritesOverSSH(t *testing.T) {
	srv := startSSHServer(t, "dms", "s3cret")

	d, err := NewDialer(DialerOptions{
		Credentials: srv.credentials(t, "dms", "s3cret"),
		KnownHosts:  writeKnownHosts(t, srv.addr, srv.hostKey),
		DialTimeout: 5 * time.Second,
	}, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := d.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.EnsureDir("/cga/2026-10-18-09-30"))
	_, err = sess.WriteFile("/cga/2026-10-18-09-30/doc.pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	// a second session sees the file written by the first
	sess2, err := d.Open(ctx)
	require.NoError(t, err)
	defer sess2.Close()
	assert.Equal(t, "%PDF", readRemote(t, sess2.(*sftpSession).client, "/cga/2026-10-18-09-30/doc.pdf"))
}

func TestDialerOpenWithoutKnownHosts(t *testing.T) {
	srv := startSSHServer(t, "dms", "s3cret")

	d, err := NewDialer(DialerOptions{Credentials: srv.credentials(t, "dms", "s3cret")}, discardLogger())
	require.NoError(t, err)

	sess, err := d.Open(context.Background())
	require.NoError(t, err)
	assert.NoError(t, sess.Close())
}

func TestDialerOpenRejectsWrongPassword(t *testing.T) {
	srv := startSSHServer(t, "dms", "s3cret")

	d, err := NewDialer(DialerOptions{Credentials: srv.credentials(t, "dms", "wrong")}, discardLogger())
	require.NoError(t, err)

	_, err = d.Open(context.Background())
	assert.ErrorIs(t, err, apperr.ErrSession)
}

func TestDialerOpenRejectsUnknownHostKey(t *testing.T) {
	srv := startSSHServer(t, "dms", "s3cret")

	other, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherKey, err := ssh.NewPublicKey(other)
	require.NoError(t, err)

	d, err := NewDialer(DialerOptions{
		Credentials: srv.credentials(t, "dms", "s3cret"),
		KnownHosts:  writeKnownHosts(t, srv.addr, otherKey),
	}, discardLogger())
	require.NoError(t, err)

	_, err = d.Open(context.Background())
	assert.ErrorIs(t, err, apperr.ErrSession)
}

func TestDialerOpenUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	d, err := NewDialer(DialerOptions{
		Credentials: Credentials{Host: "127.0.0.1", Port: addr.Port, User: "dms"},
		DialTimeout: time.Second,
	}, discardLogger())
	require.NoError(t, err)

	_, err = d.Open(context.Background())
	assert.ErrorIs(t, err, apperr.ErrSession)
}
