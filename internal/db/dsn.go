package db

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// WithDBName returns a DSN identical to the input but with the database path replaced.
// Supports postgres:// and postgresql:// schemes.
func WithDBName(dsn, database string) (string, error) {
	if dsn == "" {
		return "", errors.New("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse DSN")
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", errors.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	u.Path = "/" + strings.TrimPrefix(database, "/")
	return u.String(), nil
}
