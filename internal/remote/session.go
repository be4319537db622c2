// Package remote provides sessions against the SFTP delivery endpoint.
//
// A Session is never shared: each transfer worker, the manifest write and
// the completion marker write open their own.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/sftp"

	"github.com/BadgerOps/dmfship/internal/apperr"
)

// Session is one authenticated connection to the delivery endpoint.
type Session interface {
	// EnsureDir creates dir and its parents unless it already exists.
	EnsureDir(dir string) error
	// WriteFile streams r to name, truncating any existing file.
	WriteFile(name string, r io.Reader) (int64, error)
	// Close releases the session. It is safe to call more than once.
	Close() error
}

// Opener opens new sessions.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

type sftpSession struct {
	client    *sftp.Client
	transport []io.Closer

	once     sync.Once
	closeErr error
}

// NewSession wraps an SFTP client. transport is closed after the client,
// typically the underlying *ssh.Client.
func NewSession(client *sftp.Client, transport ...io.Closer) Session {
	return &sftpSession{client: client, transport: transport}
}

func (s *sftpSession) EnsureDir(dir string) error {
	const op = "ensure dir"

	fi, err := s.client.Stat(dir)
	if err == nil {
		if !fi.IsDir() {
			return apperr.New(op, apperr.ErrTransferIO, fmt.Errorf("%s exists and is not a directory", dir))
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return apperr.New(op, apperr.ErrTransferIO, fmt.Errorf("stat %s: %w", dir, err))
	}

	if err := s.client.MkdirAll(dir); err != nil {
		return apperr.New(op, apperr.ErrTransferIO, fmt.Errorf("mkdir %s: %w", dir, err))
	}
	return nil
}

func (s *sftpSession) WriteFile(name string, r io.Reader) (int64, error) {
	const op = "write file"

	f, err := s.client.Create(name)
	if err != nil {
		return 0, apperr.New(op, apperr.ErrTransferIO, fmt.Errorf("create %s: %w", name, err))
	}

	n, err := f.ReadFrom(r)
	if err != nil {
		f.Close()
		return n, apperr.New(op, apperr.ErrTransferIO, fmt.Errorf("write %s: %w", name, err))
	}
	if err := f.Close(); err != nil {
		return n, apperr.New(op, apperr.ErrTransferIO, fmt.Errorf("close %s: %w", name, err))
	}
	return n, nil
}

func (s *sftpSession) Close() error {
	s.once.Do(func() {
		errs := []error{s.client.Close()}
		for _, c := range s.transport {
			errs = append(errs, c.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
