// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage holds the partitions executors read from and the
// schema-only catalog the coordinator plans against. Both are plain
// database/sql databases: in-memory sqlite by default, PostgreSQL when a
// DSN is configured.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/queryservice"
	"github.com/multigres/multisplit/go/common/sqltypes"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	// DefaultBatchRows is used when StreamExecute is asked for batches of
	// zero rows.
	DefaultBatchRows = 256
)

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is one database.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

var _ queryservice.QueryService = (*Store)(nil)

// Open opens and pings a database. driver is DriverSQLite or
// DriverPostgres.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == DriverSQLite && strings.Contains(dsn, "mode=memory") {
		// An in-memory database lives as long as its last connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}
	return &Store{db: db, driver: driver, logger: logger}, nil
}

// OpenMemory opens a private in-memory sqlite database.
func OpenMemory(ctx context.Context, name string, logger *slog.Logger) (*Store, error) {
	if name == "" {
		name = uuid.NewString()
	}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", url.PathEscape(name))
	return Open(ctx, DriverSQLite, dsn, logger)
}

// OpenCatalog opens the schema-only catalog. Tables are created in it
// with CreateTable and never receive rows; Describe against it yields the
// result schema of a query.
func OpenCatalog(ctx context.Context, logger *slog.Logger) (*Store, error) {
	return OpenMemory(ctx, "catalog-"+uuid.NewString(), logger)
}

// Driver returns the database/sql driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Close closes the database.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

// CreateTable creates table name with the given columns.
func (s *Store) CreateTable(ctx context.Context, name string, columns sqltypes.Schema) error {
	if !identRE.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	if len(columns) == 0 {
		return fmt.Errorf("table %s has no columns", name)
	}
	defs := make([]string, len(columns))
	for i, c := range columns {
		if !identRE.MatchString(c.Name) {
			return fmt.Errorf("table %s: invalid column name %q", name, c.Name)
		}
		decl, err := s.columnDecl(c.Type)
		if err != nil {
			return fmt.Errorf("table %s column %s: %w", name, c.Name, err)
		}
		defs[i] = c.Name + " " + decl
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", name, strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}
	s.logger.DebugContext(ctx, "created table", "table", name, "columns", columns.String())
	return nil
}

// columnDecl returns a declared type that the driver reports back under a
// name TypeFromDatabaseName maps to t.
func (s *Store) columnDecl(t sqltypes.Type) (string, error) {
	switch t {
	case sqltypes.Boolean:
		return "BOOLEAN", nil
	case sqltypes.Int32:
		if s.driver == DriverPostgres {
			return "INTEGER", nil
		}
		return "INT", nil
	case sqltypes.Int64:
		return "BIGINT", nil
	case sqltypes.Float64:
		return "DOUBLE PRECISION", nil
	case sqltypes.String:
		return "TEXT", nil
	case sqltypes.Binary:
		if s.driver == DriverPostgres {
			return "BYTEA", nil
		}
		return "BLOB", nil
	case sqltypes.Date:
		return "DATE", nil
	case sqltypes.Timestamp:
		return "TIMESTAMP", nil
	}
	return "", fmt.Errorf("unknown column type %q", t)
}

func (s *Store) placeholder(i int) string {
	if s.driver == DriverPostgres {
		return fmt.Sprintf("$%d", i+1)
	}
	return "?"
}

// Insert adds rows to table in one transaction. Each row holds one value
// per column, in columns order.
func (s *Store) Insert(ctx context.Context, table string, columns []string, rows [][]any) error {
	if !identRE.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	marks := make([]string, len(columns))
	for i, c := range columns {
		if !identRE.MatchString(c) {
			return fmt.Errorf("invalid column name %q", c)
		}
		marks[i] = s.placeholder(i)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), strings.Join(marks, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin insert into %s: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	prep, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("failed to prepare insert into %s: %w", table, err)
	}
	defer prep.Close()

	for i, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("insert into %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
		if _, err := prep.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("insert into %s: row %d: %w", table, i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insert into %s: %w", table, err)
	}
	return nil
}

// Describe returns the result columns of query. Against the catalog no
// rows are read.
func (s *Store) Describe(ctx context.Context, query string) (sqltypes.Schema, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mterrors.Wrap(mterrors.KindPlanning, err, "describe")
	}
	defer rows.Close()
	return schemaOf(rows)
}

// StreamExecute implements queryservice.QueryService.
func (s *Store) StreamExecute(ctx context.Context, query string, batchRows int, callback func(context.Context, *sqltypes.Result) error) error {
	if batchRows <= 0 {
		batchRows = DefaultBatchRows
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		if cerr := mterrors.FromContext(ctx.Err(), "execute"); cerr != nil {
			return cerr
		}
		return mterrors.Wrap(mterrors.KindExecution, err, "execute")
	}
	defer rows.Close()

	fields, err := schemaOf(rows)
	if err != nil {
		return err
	}
	if err := callback(ctx, &sqltypes.Result{Fields: fields}); err != nil {
		return err
	}

	dest := make([]any, len(fields))
	ptrs := make([]any, len(fields))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	batch := make([]*sqltypes.Row, 0, batchRows)
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return mterrors.Wrap(mterrors.KindExecution, err, "scan row")
		}
		row := &sqltypes.Row{Values: make([]sqltypes.Value, len(fields))}
		for i, f := range fields {
			v, err := sqltypes.EncodeValue(f.Type, dest[i])
			if err != nil {
				return mterrors.Wrap(mterrors.KindExecution, err, "column "+f.Name)
			}
			row.Values[i] = v
		}
		batch = append(batch, row)
		if len(batch) == batchRows {
			if err := callback(ctx, &sqltypes.Result{Rows: batch}); err != nil {
				return err
			}
			batch = make([]*sqltypes.Row, 0, batchRows)
		}
	}
	if err := rows.Err(); err != nil {
		if cerr := mterrors.FromContext(ctx.Err(), "execute"); cerr != nil {
			return cerr
		}
		return mterrors.Wrap(mterrors.KindExecution, err, "read rows")
	}
	if len(batch) > 0 {
		return callback(ctx, &sqltypes.Result{Rows: batch})
	}
	return nil
}

func schemaOf(rows *sql.Rows) (sqltypes.Schema, error) {
	cols, err := rows.ColumnTypes()
	if err != nil {
		return nil, mterrors.Wrap(mterrors.KindExecution, err, "read column types")
	}
	schema := make(sqltypes.Schema, len(cols))
	for i, c := range cols {
		schema[i] = sqltypes.Field{
			Name: c.Name(),
			Type: sqltypes.TypeFromDatabaseName(c.DatabaseTypeName()),
		}
	}
	return schema, nil
}
