package datarecording

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/structs"
)

// QueryParams narrows and orders a query. Where and OrderBy are SQL
// fragments without their keywords, e.g. "StartTime > ?" and "ID DESC".
type QueryParams struct {
	Where   string
	Args    []any
	OrderBy string

	// Limit of 0 returns every row. Offset only applies with a limit.
	Limit  int
	Offset int
}

func (p QueryParams) where() string {
	if p.Where == "" {
		return ""
	}

	return " WHERE " + p.Where
}

func (p QueryParams) tail() string {
	var b strings.Builder

	if p.OrderBy != "" {
		b.WriteString(" ORDER BY " + p.OrderBy)
	}

	if p.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", p.Limit)

		if p.Offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", p.Offset)
		}
	}

	return b.String()
}

// DataReader reads back tables written by a DataRecorder. A table has to be
// mapped to the struct it was recorded from before it can be queried.
type DataReader interface {
	MapTable(tableName string, sampleEntry any)
	ListTables() []string

	// Query returns pointers to decoded entries and the number of rows that
	// match params ignoring Limit and Offset.
	Query(ctx context.Context, tableName string, params QueryParams) (
		results []any,
		totalCount int,
		err error,
	)

	Close() error
}

type mappedTable struct {
	typ     reflect.Type
	columns []string
}

type sqliteReader struct {
	*sql.DB

	tables map[string]mappedTable
}

// NewReader opens a trace database.
func NewReader(dbFilename string) (DataReader, error) {
	db, err := sql.Open("sqlite3", dbFilename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbFilename, err)
	}

	return NewReaderWithDB(db), nil
}

// NewReaderWithDB reads from an open database.
func NewReaderWithDB(db *sql.DB) DataReader {
	return &sqliteReader{
		DB:     db,
		tables: make(map[string]mappedTable),
	}
}

func (r *sqliteReader) MapTable(tableName string, sampleEntry any) {
	r.tables[tableName] = mappedTable{
		typ:     reflect.TypeOf(sampleEntry),
		columns: structs.Names(sampleEntry),
	}
}

func (r *sqliteReader) ListTables() []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (r *sqliteReader) Query(
	ctx context.Context,
	tableName string,
	params QueryParams,
) ([]any, int, error) {
	t, ok := r.tables[tableName]
	if !ok {
		return nil, 0, fmt.Errorf("table %s is not mapped", tableName)
	}

	var total int

	err := r.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+tableName+params.where(),
		params.Args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := "SELECT " + strings.Join(t.columns, ", ") +
		" FROM " + tableName + params.where() + params.tail()

	rows, err := r.QueryContext(ctx, query, params.Args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []any

	for rows.Next() {
		entry := reflect.New(t.typ)

		dest := make([]any, len(t.columns))
		for i := range dest {
			dest[i] = entry.Elem().Field(i).Addr().Interface()
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, 0, err
		}

		results = append(results, entry.Interface())
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return results, total, nil
}
