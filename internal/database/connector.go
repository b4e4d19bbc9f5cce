package database

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
)

// Connection is a single live database session. TLS and wire protocol framing are
// entirely the transport's responsibility.
type Connection interface {
	// Exec runs a parameterized statement and returns the number of rows affected.
	Exec(ctx context.Context, sql string, args ...interface{}) (int64, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Connector establishes connections on behalf of the pool. Injected so that tests
// and alternative transports can replace the pgx implementation.
type Connector interface {
	Connect(ctx context.Context) (Connection, error)
}

// PostgresConfig holds libpq-style connection parameters plus an optional CA
// certificate for TLS verification.
type PostgresConfig struct {
	// Connection parameters, e.g. host, port, user, password, dbname, sslmode.
	Connection map[string]string
	// CaCertPath, when set, pins the given root CA for server verification.
	CaCertPath string
}

// CreateConnectionString renders config values as a libpq keyword/value string.
func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, 0, len(values))
	for k, v := range values {
		parts = append(parts, k+"='"+replacer.Replace(v)+"'")
	}
	return strings.Join(parts, " ")
}

// PgxConnector is the production Connector backed by pgx.
type PgxConnector struct {
	config *pgx.ConnConfig
}

func NewPgxConnector(config PostgresConfig) (*PgxConnector, error) {
	connConfig, err := pgx.ParseConfig(CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithMessage(err, "invalid postgres configuration")
	}
	if config.CaCertPath != "" {
		tlsConfig, err := tlsConfigFromCaCert(config.CaCertPath, connConfig.Host)
		if err != nil {
			return nil, err
		}
		connConfig.TLSConfig = tlsConfig
	}
	return &PgxConnector{config: connConfig}, nil
}

func tlsConfigFromCaCert(path string, serverName string) (*tls.Config, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "error reading CA certificate %s", path)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("no certificates found in %s", path)
	}
	return &tls.Config{RootCAs: pool, ServerName: serverName}, nil
}

func (c *PgxConnector) Connect(ctx context.Context) (Connection, error) {
	conn, err := pgx.ConnectConfig(ctx, c.config)
	if err != nil {
		return nil, &ConnectError{Cause: err}
	}
	return &pgxConnection{conn: conn}, nil
}

type pgxConnection struct {
	conn *pgx.Conn
}

func (c *pgxConnection) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConnection) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxConnection) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
