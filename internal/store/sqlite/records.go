package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/store"
)

// Query implements store.Store. Rows come back in rowid order, which is
// insertion order for the tables this store creates.
func (s *Store) Query(ctx context.Context) ([]record.Record, error) {
	query := fmt.Sprintf(`SELECT rowid AS "__seq", * FROM %s ORDER BY rowid`, quoteIdent(s.table.name))
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, store.WrapError(store.CodeStore, "failed to query records", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, store.WrapError(store.CodeStore, "failed to read columns", err)
	}

	var recs []record.Record
	for rows.Next() {
		var seq int64
		vals := make([]sql.NullString, len(cols)-1)
		dest := make([]any, len(cols))
		dest[0] = &seq
		for i := range vals {
			dest[i+1] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, store.WrapError(store.CodeStore, "failed to scan record", err)
		}
		recs = append(recs, s.table.toRecord(seq, cols[1:], vals))
	}
	if err := rows.Err(); err != nil {
		return nil, store.WrapError(store.CodeStore, "failed to iterate records", err)
	}
	return recs, nil
}

func (t *table) toRecord(seq int64, cols []string, vals []sql.NullString) record.Record {
	r := record.Record{Seq: seq}
	for i, col := range cols {
		v := vals[i]
		switch {
		case strings.EqualFold(col, t.id):
			r.ID = v.String
		case strings.EqualFold(col, t.group):
			r.GroupKey = v.String
		case strings.EqualFold(col, t.finished):
			r.Finished = v.String
		case strings.EqualFold(col, t.rating):
			r.Rating = v.String
		case strings.EqualFold(col, record.FieldID):
			// never a descriptive field
		default:
			if !v.Valid {
				continue
			}
			if r.Fields == nil {
				r.Fields = make(map[string]string)
			}
			r.Fields[col] = v.String
		}
	}
	return r
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, id string, m record.Mutation) error {
	return s.BatchUpdate(ctx, []string{id}, m)
}

// BatchUpdate implements store.Store. The existence check and the update
// run in one transaction as a single UPDATE statement.
func (s *Store) BatchUpdate(ctx context.Context, ids []string, m record.Mutation) error {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil
	}

	args, err := s.table.idArgs(ids)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return store.WrapError(store.CodeStore, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	in := placeholders(len(ids))
	var found int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IN (%s)", quoteIdent(s.table.name), s.table.idExpr(), in)
	if err := tx.QueryRowContext(ctx, countQuery, args...).Scan(&found); err != nil {
		return store.WrapError(store.CodeStore, "failed to check records", err)
	}
	if found != len(ids) {
		return store.NewError(store.CodeNotFound, "%d of %d records not found", len(ids)-found, len(ids))
	}

	set, setArgs := s.table.setClause(m)
	if set != "" {
		update := fmt.Sprintf("UPDATE %s SET %s WHERE %s IN (%s)", quoteIdent(s.table.name), set, s.table.idExpr(), in)
		if _, err := tx.ExecContext(ctx, update, append(setArgs, args...)...); err != nil {
			return store.WrapError(store.CodeStore, "failed to update records", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return store.WrapError(store.CodeStore, "failed to commit transaction", err)
	}
	return s.persistWrite(ctx)
}

// setClause renders the SET list for m. Append keeps the history in one
// comma-joined column and only joins onto a non-blank value.
func (t *table) setClause(m record.Mutation) (string, []any) {
	var parts []string
	var args []any

	cols := map[string]string{
		record.FieldFinished: t.finished,
		record.FieldRating:   t.rating,
	}
	ops := m.Ops()
	fields := make([]string, 0, len(ops))
	for f := range ops {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, f := range fields {
		op := ops[f]
		col := quoteIdent(cols[f])
		switch op.Kind {
		case record.OpSet:
			parts = append(parts, col+" = ?")
			args = append(args, op.Value)
		case record.OpClear:
			parts = append(parts, col+" = NULL")
		case record.OpAppend:
			parts = append(parts, fmt.Sprintf(
				"%[1]s = CASE WHEN %[1]s IS NULL OR trim(%[1]s) = '' THEN ? ELSE %[1]s || '%[2]s' || ? END",
				col, record.HistorySeparator))
			args = append(args, op.Value, op.Value)
		}
	}
	return strings.Join(parts, ", "), args
}

// idArgs converts ids to statement arguments. Integer ids that do not
// parse cannot match any row.
func (t *table) idArgs(ids []string) ([]any, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		if !t.intID {
			args[i] = id
			continue
		}
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, store.NewError(store.CodeNotFound, "record %s not found", id)
		}
		args[i] = n
	}
	return args, nil
}

// Add implements store.Store. Columns for new descriptive fields are added
// on demand.
func (s *Store) Add(ctx context.Context, r record.Record) (string, error) {
	if strings.TrimSpace(r.GroupKey) == "" {
		return "", store.NewError(store.CodeInvalid, "full_code is required")
	}
	if _, ok := r.Fields[record.FieldID]; ok {
		return "", store.NewError(store.CodeInvalid, "fields must not carry %q", record.FieldID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, k := range names {
		if !s.table.has(k) {
			if err := addColumn(ctx, s.conn, s.table, k); err != nil {
				return "", err
			}
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", store.WrapError(store.CodeStore, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var cols []string
	var args []any
	add := func(col string, v any) {
		cols = append(cols, quoteIdent(col))
		args = append(args, v)
	}

	var id string
	switch {
	case s.table.autoID:
		// assigned by SQLite on insert
	case s.table.intID:
		n, err := s.table.nextID(ctx, tx)
		if err != nil {
			return "", err
		}
		id = strconv.FormatInt(n, 10)
		add(s.table.id, n)
	default:
		id = uuid.NewString()
		add(s.table.id, id)
	}
	add(s.table.group, r.GroupKey)
	if r.Finished != "" {
		add(s.table.finished, r.Finished)
	}
	if r.Rating != "" {
		add(s.table.rating, r.Rating)
	}
	for _, k := range names {
		add(k, r.Fields[k])
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(s.table.name), strings.Join(cols, ", "), placeholders(len(cols)))
	res, err := tx.ExecContext(ctx, insert, args...)
	if err != nil {
		return "", store.WrapError(store.CodeStore, "failed to insert record", err)
	}
	if s.table.autoID {
		n, err := res.LastInsertId()
		if err != nil {
			return "", store.WrapError(store.CodeStore, "failed to read inserted id", err)
		}
		id = strconv.FormatInt(n, 10)
	}
	if err := tx.Commit(); err != nil {
		return "", store.WrapError(store.CodeStore, "failed to commit transaction", err)
	}

	if err := s.persistWrite(ctx); err != nil {
		return id, err
	}
	return id, nil
}

// Remove implements store.Store.
func (s *Store) Remove(ctx context.Context, id string) error {
	args, err := s.table.idArgs([]string{id})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	del := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(s.table.name), s.table.idExpr())
	res, err := s.conn.ExecContext(ctx, del, args...)
	if err != nil {
		return store.WrapError(store.CodeStore, fmt.Sprintf("failed to delete record %s", id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.WrapError(store.CodeStore, "failed to read affected rows", err)
	}
	if n == 0 {
		return store.NewError(store.CodeNotFound, "record %s not found", id)
	}
	return s.persistWrite(ctx)
}

// ClearAll implements store.Store with one UPDATE inside a transaction.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return store.WrapError(store.CodeStore, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	set, args := s.table.setClause(record.ClearMarkings())
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s", quoteIdent(s.table.name), set), args...); err != nil {
		return store.WrapError(store.CodeStore, "failed to clear markings", err)
	}
	if err := tx.Commit(); err != nil {
		return store.WrapError(store.CodeStore, "failed to commit transaction", err)
	}
	return s.persistWrite(ctx)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
