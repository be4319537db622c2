package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/BadgerOps/dmfship/internal/apperr"
)

// Credentials identify the SFTP endpoint and its login.
type Credentials struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Addr returns host:port, defaulting the port to 22.
func (c Credentials) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// DialerOptions configures a Dialer.
type DialerOptions struct {
	Credentials Credentials
	// KnownHosts is an OpenSSH known_hosts file. When empty any host key
	// is accepted and a warning is logged.
	KnownHosts  string
	DialTimeout time.Duration
}

// Dialer opens SSH connections and starts an SFTP subsystem on each.
type Dialer struct {
	addr    string
	config  *ssh.ClientConfig
	timeout time.Duration
	logger  *slog.Logger
}

// NewDialer validates opts and prepares the SSH client configuration.
// No connection is made until Open.
func NewDialer(opts DialerOptions, logger *slog.Logger) (*Dialer, error) {
	const op = "new sftp dialer"

	if logger == nil {
		logger = slog.Default()
	}
	creds := opts.Credentials
	if creds.Host == "" {
		return nil, apperr.Configf(op, "sftp host is required")
	}
	if creds.User == "" {
		return nil, apperr.Configf(op, "sftp username is required")
	}
	if creds.Port < 0 || creds.Port > 65535 {
		return nil, apperr.Configf(op, "invalid sftp port %d", creds.Port)
	}

	hostKey, err := hostKeyCallback(opts.KnownHosts, logger)
	if err != nil {
		return nil, apperr.New(op, apperr.ErrConfiguration, err)
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	password := creds.Password
	return &Dialer{
		addr: creds.Addr(),
		config: &ssh.ClientConfig{
			User: creds.User,
			Auth: []ssh.AuthMethod{
				ssh.Password(password),
				ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
					answers := make([]string, len(questions))
					for i := range answers {
						answers[i] = password
					}
					return answers, nil
				}),
			},
			HostKeyCallback: hostKey,
			Timeout:         timeout,
		},
		timeout: timeout,
		logger:  logger,
	}, nil
}

func hostKeyCallback(knownHostsFile string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		logger.Warn("no known_hosts file configured, sftp host keys will not be verified")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts %s: %w", knownHostsFile, err)
	}
	return cb, nil
}

// Open dials the endpoint, authenticates and starts SFTP. The handshake
// is bounded by ctx's deadline as well as the dial timeout.
func (d *Dialer) Open(ctx context.Context) (Session, error) {
	const op = "open session"

	nd := net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, apperr.New(op, apperr.ErrSession, fmt.Errorf("dial %s: %w", d.addr, err))
	}

	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, apperr.New(op, apperr.ErrSession, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, d.addr, d.config)
	if err != nil {
		conn.Close()
		return nil, apperr.New(op, apperr.ErrSession, fmt.Errorf("ssh handshake with %s: %w", d.addr, err))
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, apperr.New(op, apperr.ErrSession, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, apperr.New(op, apperr.ErrSession, fmt.Errorf("start sftp on %s: %w", d.addr, err))
	}

	d.logger.Debug("sftp session opened", "addr", d.addr, "user", d.config.User)
	return NewSession(sc, client), nil
}
