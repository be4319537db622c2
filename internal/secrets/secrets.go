// Package secrets resolves catalog and SFTP credentials for one run, either
// from AWS Secrets Manager or from the static credentials block.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"

	"github.com/BadgerOps/dmfship/internal/apperr"
	"github.com/BadgerOps/dmfship/internal/config"
	"github.com/BadgerOps/dmfship/internal/remote"
)

// ManagerAPI is the part of the Secrets Manager client the resolver uses.
type ManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// DBCredentials locate and authenticate against the catalog database.
type DBCredentials struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	Params   url.Values
}

// PostgresDSN renders the credentials as a postgres:// URL for pgx.
func (d DBCredentials) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: d.Params.Encode(),
	}
	return u.String()
}

// Credentials is everything one run needs to reach its endpoints.
type Credentials struct {
	DB   DBCredentials
	SFTP remote.Credentials
}

// Resolver fetches credentials from Secrets Manager.
type Resolver struct {
	api    ManagerAPI
	logger *slog.Logger
}

// NewResolver wraps a Secrets Manager client.
func NewResolver(api ManagerAPI, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{api: api, logger: logger}
}

// NewManagerClient builds a Secrets Manager client from the default AWS
// credential chain.
func NewManagerClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// Resolve reads and parses the named secret. Secret values are never logged.
func (r *Resolver) Resolve(ctx context.Context, name string) (*Credentials, error) {
	const op = "resolve secret"

	if name == "" {
		return nil, apperr.Configf(op, "secret name is empty")
	}

	out, err := r.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "ResourceNotFoundException", "AccessDeniedException":
				return nil, apperr.New(op, apperr.ErrConfiguration, fmt.Errorf("%s: %s", name, apiErr.ErrorCode()))
			}
		}
		return nil, fmt.Errorf("%s %s: %w", op, name, err)
	}

	raw := aws.ToString(out.SecretString)
	if raw == "" && len(out.SecretBinary) > 0 {
		raw = string(out.SecretBinary)
	}
	if raw == "" {
		return nil, apperr.Configf(op, "secret %s is empty", name)
	}

	creds, err := Parse([]byte(raw))
	if err != nil {
		return nil, apperr.New(op, apperr.ErrConfiguration, fmt.Errorf("%s: %w", name, err))
	}

	r.logger.Debug("credentials resolved", "secret", name, "db_host", creds.DB.Host, "sftp_host", creds.SFTP.Host)
	return creds, nil
}

// secretDocument is the JSON layout of the delivery secret.
type secretDocument struct {
	DBURL        string   `json:"dbUrl"`
	DBUsername   string   `json:"dbUsername"`
	DBPassword   string   `json:"dbPassword"`
	SFTPHost     string   `json:"sftpHost"`
	SFTPPort     flexPort `json:"sftpPort"`
	SFTPUsername string   `json:"sftpUsername"`
	SFTPPassword string   `json:"sftpPassword"`
}

// flexPort accepts a port written as a JSON number or a string.
type flexPort int

func (p *flexPort) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("sftpPort: %w", err)
	}
	*p = flexPort(n)
	return nil
}

// Parse decodes a secret document.
func Parse(raw []byte) (*Credentials, error) {
	var doc secretDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding secret: %w", err)
	}

	db, err := ParseDBURL(doc.DBURL)
	if err != nil {
		return nil, err
	}
	db.User = doc.DBUsername
	db.Password = doc.DBPassword

	creds := &Credentials{
		DB: db,
		SFTP: remote.Credentials{
			Host:     doc.SFTPHost,
			Port:     int(doc.SFTPPort),
			User:     doc.SFTPUsername,
			Password: doc.SFTPPassword,
		},
	}
	if err := creds.check(true); err != nil {
		return nil, err
	}
	return creds, nil
}

// FromConfig builds credentials from the static credentials block. The
// database part is optional so a local sqlite catalog needs only the SFTP
// login.
func FromConfig(c config.CredentialsConfig) (*Credentials, error) {
	const op = "static credentials"

	var db DBCredentials
	if c.DBURL != "" {
		var err error
		db, err = ParseDBURL(c.DBURL)
		if err != nil {
			return nil, apperr.New(op, apperr.ErrConfiguration, err)
		}
		db.User = c.DBUser
		db.Password = c.DBPassword
	}

	creds := &Credentials{
		DB: db,
		SFTP: remote.Credentials{
			Host:     c.SFTPHost,
			Port:     c.SFTPPort,
			User:     c.SFTPUser,
			Password: c.SFTPPassword,
		},
	}
	if err := creds.check(c.DBURL != ""); err != nil {
		return nil, apperr.New(op, apperr.ErrConfiguration, err)
	}
	return creds, nil
}

func (c *Credentials) check(withDB bool) error {
	var missing []string
	if withDB && c.DB.User == "" {
		missing = append(missing, "dbUsername")
	}
	if c.SFTP.Host == "" {
		missing = append(missing, "sftpHost")
	}
	if c.SFTP.User == "" {
		missing = append(missing, "sftpUsername")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	if c.SFTP.Port == 0 {
		c.SFTP.Port = 22
	}
	return nil
}

// ParseDBURL parses a JDBC or plain PostgreSQL URL such as
// jdbc:postgresql://db.internal:5432/quill?sslmode=require.
func ParseDBURL(raw string) (DBCredentials, error) {
	if raw == "" {
		return DBCredentials{}, fmt.Errorf("dbUrl is empty")
	}
	u, err := url.Parse(strings.TrimPrefix(raw, "jdbc:"))
	if err != nil {
		return DBCredentials{}, fmt.Errorf("parsing dbUrl: %w", err)
	}
	switch u.Scheme {
	case "postgresql", "postgres":
	default:
		return DBCredentials{}, fmt.Errorf("dbUrl: unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return DBCredentials{}, fmt.Errorf("dbUrl: host is required")
	}

	port := 5432
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return DBCredentials{}, fmt.Errorf("dbUrl: invalid port %q", p)
		}
	}

	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return DBCredentials{}, fmt.Errorf("dbUrl: database name is required")
	}

	return DBCredentials{
		Host:   u.Hostname(),
		Port:   port,
		Name:   name,
		Params: u.Query(),
	}, nil
}
