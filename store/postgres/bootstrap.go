package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// AdminCredentials is the superuser identity EnsureDatabase connects with.
type AdminCredentials struct {
	User     string
	Password string
}

// target is the application identity EnsureDatabase provisions, pulled apart
// from the app DSN once so every step below works from the same fields.
type target struct {
	base     *url.URL
	database string
	user     string
	password string
}

func parseTarget(appDSN string) (target, error) {
	u, err := url.Parse(appDSN)
	if err != nil {
		return target{}, fmt.Errorf("parse app dsn: %w", err)
	}
	tg := target{
		base:     u,
		database: strings.TrimPrefix(u.Path, "/"),
		user:     u.User.Username(),
	}
	tg.password, _ = u.User.Password()
	if tg.database == "" {
		return target{}, errors.New("app dsn has no database name")
	}
	if tg.user == "" {
		return target{}, errors.New("app dsn has no user")
	}
	return tg, nil
}

// adminDSN derives a DSN for admin, pointed at database, keeping the app
// DSN's host and query parameters (sslmode etc.) intact.
func (t target) adminDSN(admin AdminCredentials, database string) string {
	u := *t.base
	u.User = url.UserPassword(admin.User, admin.Password)
	u.Path = "/" + database
	return u.String()
}

// EnsureDatabase connects as the superuser and provisions the database and
// role named in appDSN: create both if absent, refresh the role password,
// and grant the role full access to the database and its public schema.
// Safe to run on every deploy.
func EnsureDatabase(ctx context.Context, appDSN string, admin AdminCredentials) error {
	tg, err := parseTarget(appDSN)
	if err != nil {
		return err
	}

	// Provisioning statements run against the maintenance database; the
	// schema grant at the end needs a second session inside the app database
	// itself.
	conn, err := pgx.Connect(ctx, tg.adminDSN(admin, "postgres"))
	if err != nil {
		return fmt.Errorf("connect as %s: %w", admin.User, err)
	}
	defer conn.Close(ctx)

	// Role first so the database grant that follows always has a grantee.
	if err := ensureAppRole(ctx, conn, tg); err != nil {
		return err
	}
	if err := ensureAppDatabase(ctx, conn, tg); err != nil {
		return err
	}

	appConn, err := pgx.Connect(ctx, tg.adminDSN(admin, tg.database))
	if err != nil {
		return fmt.Errorf("connect to %s as %s: %w", tg.database, admin.User, err)
	}
	defer appConn.Close(ctx)

	quotedUser := pgx.Identifier{tg.user}.Sanitize()
	if _, err := appConn.Exec(ctx, "GRANT ALL ON SCHEMA public TO "+quotedUser); err != nil {
		return fmt.Errorf("grant schema public to %s: %w", tg.user, err)
	}
	return nil
}

func ensureAppRole(ctx context.Context, conn *pgx.Conn, tg target) error {
	quotedUser := pgx.Identifier{tg.user}.Sanitize()
	if _, err := conn.Exec(ctx, "CREATE ROLE "+quotedUser+" WITH LOGIN NOINHERIT"); err != nil && !isDuplicate(err) {
		return fmt.Errorf("create role %s: %w", tg.user, err)
	}

	if tg.password != "" {
		// Role passwords cannot be bound as statement parameters; escape the
		// literal by hand.
		escaped := strings.ReplaceAll(tg.password, "'", "''")
		if _, err := conn.Exec(ctx, "ALTER ROLE "+quotedUser+" WITH PASSWORD '"+escaped+"'"); err != nil {
			return fmt.Errorf("set password for role %s: %w", tg.user, err)
		}
	}
	return nil
}

func ensureAppDatabase(ctx context.Context, conn *pgx.Conn, tg target) error {
	// CREATE DATABASE cannot run with IF NOT EXISTS; creating
	// unconditionally and treating the duplicate error as success keeps this
	// a single round trip and free of check-then-create races.
	quotedDB := pgx.Identifier{tg.database}.Sanitize()
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+quotedDB); err != nil && !isDuplicate(err) {
		return fmt.Errorf("create database %s: %w", tg.database, err)
	}
	quotedUser := pgx.Identifier{tg.user}.Sanitize()
	if _, err := conn.Exec(ctx, "GRANT ALL PRIVILEGES ON DATABASE "+quotedDB+" TO "+quotedUser); err != nil {
		return fmt.Errorf("grant database %s to %s: %w", tg.database, tg.user, err)
	}
	return nil
}

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.DuplicateObject || pgErr.Code == pgerrcode.DuplicateDatabase
}
