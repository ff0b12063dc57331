package journal

import (
	"context"
	"database/sql"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "mechx/internal/errors"
	"mechx/internal/journal/migrations"
)

// MySQLConfig configures the MySQL journal.
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SQLRepository stores records in the mech_requests table of a MySQL or
// SQLite database.
type SQLRepository struct {
	db      *sql.DB
	dialect dialect
}

// dialect holds what differs between the supported databases. name is also
// the migrations subdirectory.
type dialect struct {
	name   string
	upsert string
}

const insertRecordSQL = `INSERT INTO mech_requests
        (request_id, job_id, flow, tx_hash, sender, priority_mech, delivery_mech, payment_type, content_id, status, result, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

var (
	mysqlDialect = dialect{
		name: "mysql",
		upsert: insertRecordSQL + `
        ON DUPLICATE KEY UPDATE delivery_mech = VALUES(delivery_mech), status = VALUES(status), result = VALUES(result), updated_at = VALUES(updated_at)`,
	}
	sqliteDialect = dialect{
		name: "sqlite",
		upsert: insertRecordSQL + `
        ON CONFLICT(request_id) DO UPDATE SET delivery_mech = excluded.delivery_mech, status = excluded.status, result = excluded.result, updated_at = excluded.updated_at`,
	}
)

const selectRecordColumns = `request_id, job_id, flow, tx_hash, sender, priority_mech, delivery_mech, payment_type, content_id, status, result, created_at, updated_at`

// NewSQLRepository connects to MySQL, applies pending migrations and
// returns the repository.
func NewSQLRepository(ctx context.Context, cfg MySQLConfig) (*SQLRepository, error) {
	db, err := openMySQL(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return migrate(ctx, db, mysqlDialect)
}

// NewSQLiteRepository opens (or creates) the journal database at path. It
// suits single-host deployments that want queries without a MySQL server.
func NewSQLiteRepository(ctx context.Context, path string) (*SQLRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "sqlite journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create journal directory")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "configure sqlite")
		}
	}
	return migrate(ctx, db, sqliteDialect)
}

func migrate(ctx context.Context, db *sql.DB, d dialect) (*SQLRepository, error) {
	repo := &SQLRepository{db: db, dialect: d}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func openMySQL(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "mysql dsn is required")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open mysql")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping mysql")
	}
	return db, nil
}

// Save implements Repository. All records are written in one transaction.
func (s *SQLRepository) Save(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin journal transaction")
	}
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, s.dialect.upsert,
			rec.RequestID, rec.JobID, rec.Flow, rec.TxHash, rec.Sender, rec.PriorityMech,
			rec.DeliveryMech, rec.PaymentType, rec.ContentID, rec.Status, rec.Result,
			rec.CreatedAt, rec.UpdatedAt,
		); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write journal record",
				xerrors.WithMetadata("request_id", rec.RequestID))
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit journal transaction")
	}
	return nil
}

// Get implements Repository.
func (s *SQLRepository) Get(ctx context.Context, requestID string) (Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectRecordColumns+` FROM mech_requests WHERE request_id = ?`, requestID)
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query journal")
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, notFound(requestID)
	}
	return records[0], nil
}

// ListLatest implements Repository.
func (s *SQLRepository) ListLatest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectRecordColumns+` FROM mech_requests ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query journal")
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Close implements Repository.
func (s *SQLRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.RequestID, &r.JobID, &r.Flow, &r.TxHash, &r.Sender, &r.PriorityMech,
			&r.DeliveryMech, &r.PaymentType, &r.ContentID, &r.Status, &r.Result, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan journal record")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate journal records")
	}
	return records, nil
}

type migrationFile struct {
	version    string
	name       string
	statements []string
}

func (s *SQLRepository) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSchemaMigrationsSQL); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create schema_migrations")
	}
	applied, err := s.loadAppliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := loadMigrationFiles(s.dialect)
	if err != nil {
		return err
	}
	for _, m := range files {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

const createSchemaMigrationsSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

func (s *SQLRepository) loadAppliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query schema_migrations")
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan schema_migrations")
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate schema_migrations")
	}
	return applied, nil
}

func (s *SQLRepository) applyMigration(ctx context.Context, m migrationFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin migration")
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "apply migration",
				xerrors.WithMetadata("migration", m.name))
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, time.Now().Unix()); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "record migration")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit migration")
	}
	return nil
}

func loadMigrationFiles(d dialect) ([]migrationFile, error) {
	dir, err := fs.Sub(migrations.Files, d.name)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read migrations")
	}
	entries, err := fs.ReadDir(dir, ".")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read migrations",
			xerrors.WithMetadata("dialect", d.name))
	}
	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		raw, err := fs.ReadFile(dir, entry.Name())
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read migration")
		}
		statements := splitSQLStatements(string(raw))
		if len(statements) == 0 {
			continue
		}
		files = append(files, migrationFile{
			version:    parseMigrationVersion(entry.Name()),
			name:       entry.Name(),
			statements: statements,
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].version == files[j].version {
			return files[i].name < files[j].name
		}
		return files[i].version < files[j].version
	})
	return files, nil
}

func splitSQLStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}
