package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUndefinedTable means the schema has not been migrated.
	ErrUndefinedTable = errors.New("table does not exist, run migrations")

	// ErrUnavailable covers connection loss and server shutdown.
	ErrUnavailable = errors.New("database unavailable")
)

// Wrap prefixes err with op and maps pgx failures onto the sentinels above.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01":
			return fmt.Errorf("%s: %w", op, ErrUndefinedTable)
		// class 08 is connection exception, 57P0x is operator intervention
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P0"):
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		default:
			return fmt.Errorf("%s: database error [%s]: %w", op, pgErr.Code, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
