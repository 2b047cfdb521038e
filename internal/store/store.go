package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("conflict")

// ConflictError names the unique field a write collided with.
type ConflictError struct {
	Field string
	Err   error
}

func (e *ConflictError) Error() string {
	if e.Field == "" {
		return "conflict"
	}
	return "conflict on " + e.Field
}

func (e *ConflictError) Unwrap() error { return e.Err }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ConflictField returns the colliding field of a unique violation, or "".
func ConflictField(err error) string {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Field
	}
	return ""
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db      *sql.DB
	q       querier
	dialect string
}

// New wraps db. driver is one of sqlite, pgx or mysql and selects the
// placeholder style and lock syntax.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, q: db, dialect: driver}
}

func (s *Store) Dialect() string { return s.dialect }

// WithTx runs fn against a Store bound to a single transaction.
func (s *Store) WithTx(ctx context.Context, fn func(*Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	txStore := &Store{db: s.db, q: tx, dialect: s.dialect}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) forUpdate() string {
	if s.dialect == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}

func (s *Store) rebind(query string) string {
	if s.dialect != "pgx" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

var uniqueFields = []struct {
	needles []string
	field   string
}{
	{[]string{"companies_identifier_key", "companies.identifier"}, "identifier"},
	{[]string{"companies_name_key", "companies.name"}, "company_name"},
	{[]string{"companies_phone_key", "companies.phone"}, "company_phone"},
	{[]string{"instance_usernames"}, "username"},
	{[]string{"users_email_key", "users.email"}, "email"},
	{[]string{"users_company_username_key", "users.username"}, "username"},
	{[]string{"user_sessions_refresh_token_hash_key", "user_sessions.refresh_token_hash"}, "refresh_token"},
	{[]string{"roles_company_name_key", "roles.company_id"}, "role"},
	{[]string{"ephemeral_entries"}, "entry_key"},
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &ConflictError{Field: uniqueField(pgErr.ConstraintName), Err: err}
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return &ConflictError{Field: uniqueField(myErr.Message), Err: err}
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return &ConflictError{Field: uniqueField(msg), Err: err}
	}
	return err
}

func uniqueField(detail string) string {
	for _, uf := range uniqueFields {
		for _, n := range uf.needles {
			if strings.Contains(detail, n) {
				return uf.field
			}
		}
	}
	return ""
}

// ts normalizes timestamps so SQLite text comparisons order correctly.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
