package store

import (
	"context"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeQuerier scripts query results in call order and records the SQL it
// was handed, which is enough to exercise the stores' control flow without
// a database.
type fakeQuerier struct {
	rowResults  []pgx.Row
	rowsResults []pgx.Rows

	execSQL  []string
	querySQL []string
	rowSQL   []string
}

func (q *fakeQuerier) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	q.execSQL = append(q.execSQL, sql)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (q *fakeQuerier) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	q.querySQL = append(q.querySQL, sql)
	if len(q.rowsResults) == 0 {
		return &fakeRows{}, nil
	}
	r := q.rowsResults[0]
	q.rowsResults = q.rowsResults[1:]
	return r, nil
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	q.rowSQL = append(q.rowSQL, sql)
	if len(q.rowResults) == 0 {
		return scriptedRow{err: pgx.ErrNoRows}
	}
	r := q.rowResults[0]
	q.rowResults = q.rowResults[1:]
	return r
}

type scriptedRow struct {
	vals []any
	err  error
}

func (r scriptedRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignValues(r.vals, dest)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	return assignValues(r.rows[r.idx-1], dest)
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func assignValues(vals []any, dest []any) error {
	if len(vals) != len(dest) {
		return fmt.Errorf("scripted row has %d values, scan wants %d", len(vals), len(dest))
	}
	for i, v := range vals {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}
