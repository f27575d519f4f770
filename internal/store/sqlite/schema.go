package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/store"
)

// table describes the discovered task table.
type table struct {
	name string

	// id is the id column. Tables without one get an integer id column
	// on discovery.
	id string
	// intID is set when ids are integers.
	intID bool
	// autoID is set when SQLite assigns ids on insert, which is only the
	// case for a sole INTEGER PRIMARY KEY declared AUTOINCREMENT. Other
	// integer ids are drawn from idsTable so removed ids are never reused.
	autoID bool

	group    string
	finished string
	rating   string

	// cols is every column in declaration order.
	cols []string
}

func (t *table) has(col string) bool {
	for _, c := range t.cols {
		if strings.EqualFold(c, col) {
			return true
		}
	}
	return false
}

// idExpr is the SQL expression that addresses a row by id.
func (t *table) idExpr() string {
	return quoteIdent(t.id)
}

// column is one row of PRAGMA table_info.
type column struct {
	typ string
	pk  int
}

// idsTable keeps the highest integer id handed out per task table.
const idsTable = "taskdash_ids"

// defaultSchema is used when the image has no user table.
const defaultSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	full_code TEXT NOT NULL,
	finished TEXT,
	rating TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_full_code ON tasks(full_code);
`

// discoverTable finds the task table and its columns, creating the default
// table for an empty image and adding missing marking columns.
func discoverTable(ctx context.Context, conn *sql.DB, opts store.SQLiteOptions) (*table, error) {
	name := opts.Table
	if name == "" {
		err := conn.QueryRowContext(ctx, `
			SELECT name FROM sqlite_master
			WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name <> ?
			ORDER BY name LIMIT 1`, idsTable).Scan(&name)
		if err == sql.ErrNoRows {
			if _, err := conn.ExecContext(ctx, defaultSchema); err != nil {
				return nil, store.WrapError(store.CodeStore, "failed to initialize schema", err)
			}
			name = DefaultTable
		} else if err != nil {
			return nil, store.WrapError(store.CodeStore, "failed to discover task table", err)
		}
	}

	t := &table{
		name:     name,
		group:    orDefault(opts.GroupColumn, record.FieldGroupKey),
		finished: orDefault(opts.FinishedColumn, record.FieldFinished),
		rating:   orDefault(opts.RatingColumn, record.FieldRating),
	}

	cols, err := loadColumns(ctx, conn, t)
	if err != nil {
		return nil, err
	}
	if len(t.cols) == 0 {
		return nil, store.NewError(store.CodeNotFound, "table %s not found", name)
	}

	if !t.has(t.group) {
		return nil, store.NewError(store.CodeNotFound, "group column %s not found in table %s", t.group, name)
	}

	idCol := orDefault(opts.IDColumn, record.FieldID)
	switch {
	case t.has(idCol):
		t.id = idCol
		info := cols[strings.ToLower(idCol)]
		t.intID = strings.Contains(info.typ, "INT")
		if info.typ == "INTEGER" && info.pk == 1 && primaryKeys(cols) == 1 {
			if t.autoID, err = autoincrement(ctx, conn, name); err != nil {
				return nil, err
			}
		}
	case opts.IDColumn != "":
		return nil, store.NewError(store.CodeNotFound, "id column %s not found in table %s", idCol, name)
	default:
		if err := addIDColumn(ctx, conn, t, idCol); err != nil {
			return nil, err
		}
		t.intID = true
	}

	if t.intID && !t.autoID {
		if err := prepareIDs(ctx, conn, t); err != nil {
			return nil, err
		}
	}

	for _, col := range []string{t.finished, t.rating} {
		if t.has(col) {
			continue
		}
		if err := addColumn(ctx, conn, t, col); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// loadColumns fills t.cols and returns column info keyed by lower-case
// column name.
func loadColumns(ctx context.Context, conn *sql.DB, t *table) (map[string]column, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(t.name)))
	if err != nil {
		return nil, store.WrapError(store.CodeStore, "failed to read table info", err)
	}
	defer rows.Close()

	cols := make(map[string]column)
	t.cols = t.cols[:0]
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, store.WrapError(store.CodeStore, "failed to scan table info", err)
		}
		t.cols = append(t.cols, name)
		cols[strings.ToLower(name)] = column{typ: strings.ToUpper(strings.TrimSpace(typ)), pk: pk}
	}
	if err := rows.Err(); err != nil {
		return nil, store.WrapError(store.CodeStore, "failed to read table info", err)
	}
	return cols, nil
}

func primaryKeys(cols map[string]column) int {
	n := 0
	for _, c := range cols {
		if c.pk > 0 {
			n++
		}
	}
	return n
}

// autoincrement reports whether the table was declared with AUTOINCREMENT.
func autoincrement(ctx context.Context, conn *sql.DB, name string) (bool, error) {
	var ddl sql.NullString
	err := conn.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&ddl)
	if err != nil {
		return false, store.WrapError(store.CodeStore, "failed to read table definition", err)
	}
	return strings.Contains(strings.ToUpper(ddl.String), "AUTOINCREMENT"), nil
}

// addIDColumn gives a table without ids an integer id column. prepareIDs
// numbers the existing rows.
func addIDColumn(ctx context.Context, conn execer, t *table, col string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s INTEGER", quoteIdent(t.name), quoteIdent(col))
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return store.WrapError(store.CodeStore, fmt.Sprintf("failed to add column %s", col), err)
	}
	t.cols = append(t.cols, col)
	t.id = col
	return nil
}

// prepareIDs numbers rows that have no id and records the highest id in
// idsTable. Missing ids are numbered above the current maximum, so they
// cannot collide with ids already in use.
func prepareIDs(ctx context.Context, conn *sql.DB, t *table) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return store.WrapError(store.CodeStore, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (tbl TEXT PRIMARY KEY, last INTEGER NOT NULL)`, idsTable),
		fmt.Sprintf(`UPDATE %[1]s SET %[2]s = (SELECT COALESCE(MAX(CAST(%[2]s AS INTEGER)), 0) FROM %[1]s) + rowid WHERE %[2]s IS NULL`,
			quoteIdent(t.name), quoteIdent(t.id)),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return store.WrapError(store.CodeStore, "failed to prepare ids", err)
		}
	}

	top, err := t.maxID(ctx, tx)
	if err != nil {
		return err
	}
	if err := t.saveLastID(ctx, tx, top); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return store.WrapError(store.CodeStore, "failed to commit transaction", err)
	}
	return nil
}

// nextID returns the next unused integer id. It must run in the
// transaction that inserts the row.
func (t *table) nextID(ctx context.Context, tx *sql.Tx) (int64, error) {
	top, err := t.maxID(ctx, tx)
	if err != nil {
		return 0, err
	}
	var last int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf("SELECT last FROM %s WHERE tbl = ?", idsTable), t.name).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return 0, store.WrapError(store.CodeStore, "failed to read last id", err)
	}
	next := max(top, last) + 1
	if err := t.saveLastID(ctx, tx, next); err != nil {
		return 0, err
	}
	return next, nil
}

type querier interface {
	execer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (t *table) maxID(ctx context.Context, q querier) (int64, error) {
	var top int64
	query := fmt.Sprintf("SELECT COALESCE(MAX(CAST(%s AS INTEGER)), 0) FROM %s", quoteIdent(t.id), quoteIdent(t.name))
	if err := q.QueryRowContext(ctx, query).Scan(&top); err != nil {
		return 0, store.WrapError(store.CodeStore, "failed to read highest id", err)
	}
	return top, nil
}

func (t *table) saveLastID(ctx context.Context, q querier, id int64) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (tbl, last) VALUES (?, ?)
		ON CONFLICT(tbl) DO UPDATE SET last = max(last, excluded.last)`, idsTable)
	if _, err := q.ExecContext(ctx, stmt, t.name, id); err != nil {
		return store.WrapError(store.CodeStore, "failed to save last id", err)
	}
	return nil
}

func addColumn(ctx context.Context, conn execer, t *table, col string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", quoteIdent(t.name), quoteIdent(col))
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return store.WrapError(store.CodeStore, fmt.Sprintf("failed to add column %s", col), err)
	}
	t.cols = append(t.cols, col)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
