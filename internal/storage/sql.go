package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/qing1huan/DeepThink/internal/models"
)

//go:embed schema/*.sql
var schemas embed.FS

// Supported database drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// Path is the SQLite database file; ":memory:" keeps it in process.
	Path string
}

type dialect struct {
	name   string
	schema string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

var (
	postgresDialect = dialect{name: DriverPostgres, schema: "schema/postgres.sql", numbered: true}
	mysqlDialect    = dialect{name: DriverMySQL, schema: "schema/mysql.sql"}
	sqliteDialect   = dialect{name: DriverSQLite, schema: "schema/sqlite.sql"}
)

// SQLStorage implements Storage on database/sql for every supported dialect.
type SQLStorage struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

// New opens the storage selected by cfg.Driver.
func New(ctx context.Context, cfg DatabaseConfig, logger *zap.Logger) (Storage, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStorage(), nil
	case DriverPostgres:
		return NewPostgresStorage(ctx, cfg, logger)
	case DriverMySQL:
		return NewMySQLStorage(ctx, cfg, logger)
	case DriverSQLite:
		return NewSQLiteStorage(ctx, cfg.Path, logger)
	default:
		return nil, errors.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func NewPostgresStorage(ctx context.Context, config DatabaseConfig, logger *zap.Logger) (*SQLStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)
	return open(ctx, "postgres", connStr, postgresDialect, logger)
}

func NewMySQLStorage(ctx context.Context, config DatabaseConfig, logger *zap.Logger) (*SQLStorage, error) {
	mc := mysql.NewConfig()
	mc.User = config.User
	mc.Passwd = config.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", config.Host, config.Port)
	mc.DBName = config.DBName
	mc.ParseTime = true
	return open(ctx, "mysql", mc.FormatDSN(), mysqlDialect, logger)
}

func NewSQLiteStorage(ctx context.Context, path string, logger *zap.Logger) (*SQLStorage, error) {
	if path == "" {
		path = ":memory:"
	}
	return open(ctx, "sqlite", path, sqliteDialect, logger)
}

func open(ctx context.Context, driver, dsn string, d dialect, logger *zap.Logger) (*SQLStorage, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", d.name)
	}
	if d.name == DriverSQLite {
		// One connection keeps an in-memory database alive and serializes
		// writers.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "enable sqlite foreign keys")
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "connect to %s database", d.name)
	}

	s := &SQLStorage{db: db, dialect: d, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize schema")
	}
	logger.Info("Storage ready", zap.String("driver", d.name))
	return s, nil
}

func (s *SQLStorage) initializeSchema(ctx context.Context) error {
	raw, err := schemas.ReadFile(s.dialect.schema)
	if err != nil {
		return errors.Wrap(err, "read schema")
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "exec %q", firstLine(stmt))
		}
	}
	return nil
}

func (s *SQLStorage) CreateThread(ctx context.Context, title string) (string, error) {
	id := uuid.NewString()
	query := s.dialect.bind(`INSERT INTO dt_thread (id, title, created_at_ms) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, id, title, time.Now().UnixMilli()); err != nil {
		return "", errors.Wrap(err, "create thread")
	}
	return id, nil
}

func (s *SQLStorage) AppendMessage(ctx context.Context, threadID string, role models.Role, content string, reasoning *string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, s.dialect.bind(`SELECT COUNT(*) FROM dt_thread WHERE id = ?`), threadID).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "check thread")
	}
	if exists == 0 {
		return errors.Wrapf(ErrThreadNotFound, "append to %s", threadID)
	}

	var r sql.NullString
	if reasoning != nil {
		r = sql.NullString{String: *reasoning, Valid: true}
	}
	query := s.dialect.bind(`INSERT INTO dt_message (thread_id, role, content, reasoning, created_at_ms) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, threadID, string(role), content, r, time.Now().UnixMilli()); err != nil {
		return errors.Wrap(err, "append message")
	}
	return nil
}

func (s *SQLStorage) FetchThread(ctx context.Context, id string) (*ThreadRecord, error) {
	var (
		rec       ThreadRecord
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.bind(`SELECT id, title, created_at_ms FROM dt_thread WHERE id = ?`), id).
		Scan(&rec.ID, &rec.Title, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrThreadNotFound, "fetch %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetch thread")
	}
	rec.CreatedAt = time.UnixMilli(createdMs)

	rows, err := s.db.QueryContext(ctx, s.dialect.bind(
		`SELECT id, role, content, reasoning, created_at_ms FROM dt_message WHERE thread_id = ? ORDER BY id ASC`), id)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m         MessageRecord
			role      string
			reasoning sql.NullString
			ms        int64
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &reasoning, &ms); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.Role = models.Role(role)
		if reasoning.Valid {
			m.Reasoning = models.StringPtr(reasoning.String)
		}
		m.CreatedAt = time.UnixMilli(ms)
		rec.Messages = append(rec.Messages, m)
	}
	return &rec, rows.Err()
}

// DeleteThread removes a thread and its messages. Deleting a missing thread
// is not an error.
func (s *SQLStorage) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.bind(`DELETE FROM dt_message WHERE thread_id = ?`), id); err != nil {
		return errors.Wrap(err, "delete messages")
	}
	if _, err := tx.ExecContext(ctx, s.dialect.bind(`DELETE FROM dt_thread WHERE id = ?`), id); err != nil {
		return errors.Wrap(err, "delete thread")
	}
	return errors.Wrap(tx.Commit(), "commit delete")
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
