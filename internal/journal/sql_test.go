package journal

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
)

func TestSQLRepositorySaveUsesTransaction(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(mysqlDialect.upsert, mockResult{rowsAffected: 1}),
		execOp(mysqlDialect.upsert, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer db.Close()

	repo := &SQLRepository{db: db, dialect: mysqlDialect}
	err := repo.Save(context.Background(),
		Record{RequestID: "0x01", Status: StatusDelivered},
		Record{RequestID: "0x02", Status: StatusTimedOut},
	)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	drv.assertConsumed(t)
}

func TestSQLRepositoryGet(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+selectRecordColumns+` FROM mech_requests WHERE request_id = ?`, mockRowsData{
			columns: strings.Split(strings.ReplaceAll(selectRecordColumns, " ", ""), ","),
			values: [][]driver.Value{{
				"0x01", "job-1", "onchain", "0xfeed", "0xbb", "0xaa", "0xcc", "native", "f0170", StatusDelivered, "result", int64(1), int64(2),
			}},
		}),
		queryOp(`SELECT `+selectRecordColumns+` FROM mech_requests WHERE request_id = ?`, mockRowsData{
			columns: strings.Split(strings.ReplaceAll(selectRecordColumns, " ", ""), ","),
		}),
	})
	defer db.Close()

	repo := &SQLRepository{db: db, dialect: mysqlDialect}
	rec, err := repo.Get(context.Background(), "0x01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.DeliveryMech != "0xcc" || rec.Status != StatusDelivered || rec.UpdatedAt != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := repo.Get(context.Background(), "0x02"); err == nil {
		t.Fatal("expected not found")
	}
	drv.assertConsumed(t)
}

func TestSQLRepositoryRunsPendingMigrations(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles(mysqlDialect)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) != 1 || files[0].version != "0001" {
		t.Fatalf("unexpected migrations %+v", files)
	}

	db, drv := newMockDB(t, []mockOperation{
		execOp(createSchemaMigrationsSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(files[0].statements[0], mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer db.Close()

	repo := &SQLRepository{db: db, dialect: mysqlDialect}
	if err := repo.runMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	drv.assertConsumed(t)
}

func TestSQLRepositorySkipsAppliedMigrations(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(createSchemaMigrationsSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	})
	defer db.Close()

	repo := &SQLRepository{db: db, dialect: mysqlDialect}
	if err := repo.runMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	drv.assertConsumed(t)
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-journal-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()
	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
