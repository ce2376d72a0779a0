package datastore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/NicolasHaas/linechat/pkg/model"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Fixed-width so lexical order on the TEXT column equals time order.
const dbTimeLayout = "2006-01-02 15:04:05.000000"

const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

//go:embed migrations
var migrations embed.FS

// Options selects the SQL backend.
type Options struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string // file path for sqlite, connection URL for postgres
}

// SQLStore is the database/sql backed DataStore.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, opts Options) (*SQLStore, error) {
	var (
		driverName string
		dsn        string
		dialect    goose.Dialect
	)
	switch strings.ToLower(opts.Driver) {
	case DriverSQLite, "":
		opts.Driver = DriverSQLite
		driverName, dsn, dialect = "sqlite", sqliteDSN(opts.DSN), goose.DialectSQLite3
	case DriverPostgres:
		driverName, dsn, dialect = "pgx", opts.DSN, goose.DialectPostgres
	default:
		return nil, fmt.Errorf("datastore: unsupported driver %q", opts.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("datastore: open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: ping: %w", err)
	}

	s := &SQLStore{db: db, dialect: strings.ToLower(opts.Driver)}
	if err := s.migrate(ctx, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite is a shorthand for Open with the sqlite driver.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	return Open(ctx, Options{Driver: DriverSQLite, DSN: path})
}

func sqliteDSN(path string) string {
	if path == "" {
		path = "linechat.db"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + sqlitePragmas
}

func (s *SQLStore) migrate(ctx context.Context, dialect goose.Dialect) error {
	fsys, err := fs.Sub(migrations, "migrations/"+s.dialect)
	if err != nil {
		return fmt.Errorf("datastore: migrations: %w", err)
	}
	provider, err := goose.NewProvider(dialect, s.db, fsys)
	if err != nil {
		return fmt.Errorf("datastore: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites '?' placeholders into the dialect's form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

func isUniqueViolation(err error) bool {
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return isSQLiteConstraint(liteErr, sqlite3.SQLITE_CONSTRAINT_UNIQUE, "UNIQUE constraint")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return isSQLiteConstraint(liteErr, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY, "FOREIGN KEY constraint")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

// isSQLiteConstraint matches the extended result code, falling back to the
// message when the connection reports only the primary SQLITE_CONSTRAINT code.
func isSQLiteConstraint(err *sqlite.Error, extended int, text string) bool {
	code := err.Code()
	if code == extended {
		return true
	}
	return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(err.Error(), text)
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Users ----

// CreateUser creates a new user and returns it with the assigned ID.
// It validates the username format before inserting.
func (s *SQLStore) CreateUser(ctx context.Context, username, passwordHash string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	if passwordHash == "" {
		return nil, fmt.Errorf("datastore: create user: empty password hash")
	}

	createdAt := storedTime(time.Now())
	var id int64
	err := s.db.QueryRowContext(ctx,
		s.rebind("INSERT INTO users (username, username_key, password_hash, created_at) VALUES (?, ?, ?, ?) RETURNING id"),
		username, model.UsernameKey(username), passwordHash, formatDBTime(createdAt),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	return &model.User{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    createdAt,
	}, nil
}

// GetUserByUsername retrieves a user by case-folded username.
func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	u := &model.User{}
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT id, username, password_hash, created_at FROM users WHERE username_key = ?"),
		model.UsernameKey(username),
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	if u.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

// GetUserWithMessages joins a user with its messages in one query.
func (s *SQLStore) GetUserWithMessages(ctx context.Context, username string) (*model.User, error) {
	const query = `
		SELECT u.id, u.username, u.password_hash, u.created_at,
		       m.id, m.text, m.created_at
		FROM users u
		LEFT JOIN messages m ON m.user_id = u.id
		WHERE u.username_key = ?
		ORDER BY m.created_at, m.id
	`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), model.UsernameKey(username))
	if err != nil {
		return nil, fmt.Errorf("datastore: get user with messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var u *model.User
	for rows.Next() {
		var (
			userID                  int64
			name, hash, userCreated string
			msgID                   sql.NullInt64
			msgText, msgCreated     sql.NullString
		)
		if err := rows.Scan(&userID, &name, &hash, &userCreated, &msgID, &msgText, &msgCreated); err != nil {
			return nil, fmt.Errorf("datastore: scan user with messages: %w", err)
		}
		if u == nil {
			created, err := parseDBTime(userCreated)
			if err != nil {
				return nil, fmt.Errorf("datastore: scan user with messages: %w", err)
			}
			u = &model.User{ID: userID, Username: name, PasswordHash: hash, CreatedAt: created}
		}
		if !msgID.Valid {
			continue
		}
		at, err := parseDBTime(msgCreated.String)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user with messages: %w", err)
		}
		u.Messages = append(u.Messages, model.Message{
			ID:        msgID.Int64,
			UserID:    userID,
			Text:      msgText.String,
			CreatedAt: at,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("datastore: get user with messages: %w", err)
	}
	return u, nil
}

// ListUsers returns all users.
func (s *SQLStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, username, password_hash, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		var u model.User
		var createdAt string
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		if u.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---- Messages ----

// SaveMessage appends a message for userID.
func (s *SQLStore) SaveMessage(ctx context.Context, userID int64, text string, at time.Time) (*model.Message, error) {
	m := &model.Message{UserID: userID, Text: text, CreatedAt: storedTime(at)}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("datastore: message failed validation: %w", err)
	}

	err := s.db.QueryRowContext(ctx,
		s.rebind("INSERT INTO messages (user_id, text, created_at) VALUES (?, ?, ?) RETURNING id"),
		m.UserID, m.Text, formatDBTime(m.CreatedAt),
	).Scan(&m.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrUnknownUser
		}
		return nil, fmt.Errorf("datastore: save message: %w", err)
	}
	return m, nil
}

// MessagesByUser lists a user's messages oldest first.
func (s *SQLStore) MessagesByUser(ctx context.Context, userID int64) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind("SELECT id, user_id, text, created_at FROM messages WHERE user_id = ? ORDER BY created_at, id"),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		if m.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Truncate deletes every message and user. Intended for tests that share a
// database.
func (s *SQLStore) Truncate(ctx context.Context) error {
	for _, table := range []string{"messages", "users"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("datastore: truncate %s: %w", table, err)
		}
	}
	return nil
}
