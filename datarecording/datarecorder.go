// Package datarecording stores flat Go structs into SQLite tables. The
// engine's task tracer uses it to persist command traces for later
// inspection.
package datarecording

import (
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/structs"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// DataRecorder buffers entries and writes them into tables. Every entry of
// a table has the type of the sample the table was created with. Only flat
// structs with exported fields of basic kinds can be recorded.
type DataRecorder interface {
	CreateTable(tableName string, sampleEntry any)
	InsertData(tableName string, entry any)
	ListTables() []string

	// Flush writes the buffered entries in one transaction.
	Flush()

	// Close flushes and closes the database.
	Close() error
}

const defaultBatchSize = 100000

// New creates a DataRecorder writing to path + ".sqlite3". An empty path
// picks a unique name. It panics if the file already exists.
func New(path string) DataRecorder {
	if path == "" {
		path = "cqhci_trace_" + xid.New().String()
	}

	filename := path + ".sqlite3"
	if _, err := os.Stat(filename); err == nil {
		panic(fmt.Errorf("file %s already exists", filename))
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		panic(err)
	}

	fmt.Fprintf(os.Stderr, "Database created for recording: %s\n", filename)

	return NewWithDB(db)
}

// NewWithDB creates a DataRecorder on an open database.
func NewWithDB(db *sql.DB) DataRecorder {
	w := &sqliteWriter{
		DB:        db,
		batchSize: defaultBatchSize,
		tables:    make(map[string]*table),
	}

	atexit.Register(w.Flush)

	return w
}

type table struct {
	typ     reflect.Type
	insert  string
	pending [][]any
}

type sqliteWriter struct {
	*sql.DB

	lock      sync.Mutex
	tables    map[string]*table
	batchSize int
	pending   int
}

func recordable(k reflect.Kind) bool {
	switch k {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}

	return false
}

func entryMustBeFlat(entry any) {
	typ := reflect.TypeOf(entry)
	if typ == nil || typ.Kind() != reflect.Struct {
		panic(fmt.Sprintf("entry %T is not a struct", entry))
	}

	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)

		switch {
		case !f.IsExported():
			panic(fmt.Sprintf("field %s of %s is not exported", f.Name, typ))
		case !recordable(f.Type.Kind()):
			panic(fmt.Sprintf("field %s of %s has kind %s", f.Name, typ, f.Type.Kind()))
		}
	}
}

func (w *sqliteWriter) CreateTable(tableName string, sampleEntry any) {
	entryMustBeFlat(sampleEntry)

	w.lock.Lock()
	defer w.lock.Unlock()

	columns := structs.Names(sampleEntry)
	w.mustExec(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n);",
		tableName, strings.Join(columns, ",\n\t")))

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")

	w.tables[tableName] = &table{
		typ:    reflect.TypeOf(sampleEntry),
		insert: fmt.Sprintf("INSERT INTO %s VALUES (%s)", tableName, marks),
	}
}

func (w *sqliteWriter) InsertData(tableName string, entry any) {
	w.lock.Lock()
	defer w.lock.Unlock()

	t, ok := w.tables[tableName]
	if !ok {
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	if reflect.TypeOf(entry) != t.typ {
		panic(fmt.Sprintf("entry of type %T does not match table %s", entry, tableName))
	}

	v := reflect.ValueOf(entry)
	row := make([]any, v.NumField())
	for i := range row {
		row[i] = v.Field(i).Interface()
	}

	t.pending = append(t.pending, row)

	w.pending++
	if w.pending >= w.batchSize {
		w.flush()
	}
}

func (w *sqliteWriter) ListTables() []string {
	w.lock.Lock()
	defer w.lock.Unlock()

	names := make([]string, 0, len(w.tables))
	for name := range w.tables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (w *sqliteWriter) Flush() {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.flush()
}

func (w *sqliteWriter) flush() {
	if w.pending == 0 {
		return
	}

	tx, err := w.Begin()
	if err != nil {
		panic(err)
	}

	for _, t := range w.tables {
		if len(t.pending) == 0 {
			continue
		}

		stmt, err := tx.Prepare(t.insert)
		if err != nil {
			panic(err)
		}

		for _, row := range t.pending {
			if _, err := stmt.Exec(row...); err != nil {
				panic(err)
			}
		}

		stmt.Close()
		t.pending = nil
	}

	if err := tx.Commit(); err != nil {
		panic(err)
	}

	w.pending = 0
}

func (w *sqliteWriter) Close() error {
	w.Flush()
	return w.DB.Close()
}

func (w *sqliteWriter) mustExec(query string) {
	if _, err := w.Exec(query); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to execute: %s\n", query)
		panic(err)
	}
}
