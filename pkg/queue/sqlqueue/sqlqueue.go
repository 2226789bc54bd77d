// Package sqlqueue implements the ODBC-backed queue.Backend of spec
// §4.9.2: one SQL table per queue, column names matching the registered
// row type's field names. The corpus carries no genuine unixODBC Go
// binding, so the "odbc" connection type runs over database/sql with
// github.com/jackc/pgx/v5/stdlib registered as its driver (see
// DESIGN.md) — Connection.Driver still names the driver, keeping the
// abstraction pluggable the way spec §3 describes.
package sqlqueue

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cuemby/phineas/pkg/phlog"
	"github.com/cuemby/phineas/pkg/queue"
)

// Backend is the SQL-table-per-queue queue.Backend.
type Backend struct {
	db *sql.DB

	mu      sync.Mutex
	columns map[string]map[string]string // queue name -> field -> sql column
	cursors map[string]int64             // queue name -> transport cursor
}

// New opens conn.Resource (a DSN) with conn.Driver (defaulting to
// "pgx" when unset), matching queue.BackendFactory's signature for
// registration via queue.Registry.RegisterBackend(queue.ConnectionODBC, ...).
func New(conn *queue.Connection) (queue.Backend, error) {
	driver := conn.Driver
	if driver == "" {
		driver = "pgx"
	}
	db, err := sql.Open(driver, conn.Resource)
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: open %q: %w", conn.Name, err)
	}
	return &Backend{
		db:      db,
		columns: make(map[string]map[string]string),
		cursors: make(map[string]int64),
	}, nil
}

// Open queries SQLColumns-equivalent catalog information (information_schema
// on the database/sql-compatible backends in the corpus) and builds a
// mapping from queue-type field name to SQL column name. Missing fields
// are tolerated: each one is logged here and skipped on push and read.
func (b *Backend) Open(q *queue.Queue) error {
	rows, err := b.db.Query(
		`SELECT column_name FROM information_schema.columns WHERE table_name = $1`,
		strings.ToLower(q.Name))
	if err != nil {
		return fmt.Errorf("sqlqueue: %s: columns: %w", q.Name, err)
	}
	defer rows.Close()

	present := make(map[string]string)
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return fmt.Errorf("sqlqueue: %s: scan column: %w", q.Name, err)
		}
		present[strings.ToUpper(col)] = col
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlqueue: %s: columns: %w", q.Name, err)
	}

	mapping := make(map[string]string, len(q.Type.Fields))
	for _, field := range q.Type.Fields {
		if col, ok := present[field]; ok {
			mapping[field] = col
			continue
		}
		// fields absent from the table are skipped on push/read
		phlog.WithQueue(q.Name).Warn().Str("field", field).Msg("sqlqueue: no column for field, skipping it")
	}

	b.mu.Lock()
	b.columns[q.Name] = mapping
	b.cursors[q.Name] = 0
	b.mu.Unlock()
	return nil
}

// Push emits a parameterized UPDATE when row.RowID != 0, else an INSERT
// (spec §4.9.2). Every field value travels as a bound argument ($N),
// never interpolated into the statement text, since row fields (e.g.
// FROMPARTYID, ARGUMENTS, ERRORMESSAGE) can carry attacker-influenced
// envelope data.
func (b *Backend) Push(q *queue.Queue, row *queue.Row) (int64, error) {
	b.mu.Lock()
	mapping := b.columns[q.Name]
	b.mu.Unlock()
	idCol := mapping[q.Type.Fields[0]]
	if idCol == "" {
		return -1, fmt.Errorf("sqlqueue: %s: id column not mapped", q.Name)
	}

	if row.RowID == 0 {
		var maxID int64
		err := b.db.QueryRow(fmt.Sprintf(`SELECT COALESCE(MAX(%s), 0) FROM %s`, idCol, q.Name)).Scan(&maxID)
		if err != nil {
			return -1, fmt.Errorf("sqlqueue: %s: next id: %w", q.Name, err)
		}
		row.RowID = maxID + 1
		row.Set(q.Type.Fields[0], strconv.FormatInt(row.RowID, 10))

		cols := []string{idCol}
		args := []any{row.RowID}
		for _, f := range q.Type.Fields[1:] {
			col, ok := mapping[f]
			if !ok {
				continue
			}
			cols = append(cols, col)
			args = append(args, row.Get(f))
		}
		placeholders := make([]string, len(args))
		for i := range args {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", q.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if _, err := b.db.Exec(stmt, args...); err != nil {
			return -1, fmt.Errorf("sqlqueue: %s: insert: %w", q.Name, err)
		}
		return row.RowID, nil
	}

	var sets []string
	var args []any
	i := 1
	for _, f := range q.Type.Fields[1:] {
		col, ok := mapping[f]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, row.Get(f))
		i++
	}
	args = append(args, row.RowID)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d", q.Name, strings.Join(sets, ", "), idCol, i)
	if _, err := b.db.Exec(stmt, args...); err != nil {
		return -1, fmt.Errorf("sqlqueue: %s: update: %w", q.Name, err)
	}
	return row.RowID, nil
}

// Pop runs SELECT min(id) WHERE TRANSPORTSTATUS='queued' AND id > cursor
// for transport-bearing queues, advancing the cursor; SELECT max(id)
// otherwise (spec §4.9.2).
func (b *Backend) Pop(q *queue.Queue) (*queue.Row, error) {
	b.mu.Lock()
	mapping := b.columns[q.Name]
	cursor := b.cursors[q.Name]
	b.mu.Unlock()

	idCol := mapping[q.Type.Fields[0]]
	var targetID sql.NullInt64
	var err error
	if q.Type.TransportBearing {
		statusCol, ok := mapping["TRANSPORTSTATUS"]
		if !ok {
			return nil, fmt.Errorf("sqlqueue: %s: TRANSPORTSTATUS not mapped", q.Name)
		}
		stmt := fmt.Sprintf(`SELECT MIN(%s) FROM %s WHERE %s = 'queued' AND %s > $1`, idCol, q.Name, statusCol, idCol)
		err = b.db.QueryRow(stmt, cursor).Scan(&targetID)
	} else {
		stmt := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, idCol, q.Name)
		err = b.db.QueryRow(stmt).Scan(&targetID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: %s: pop: %w", q.Name, err)
	}
	if !targetID.Valid {
		return nil, nil
	}
	if q.Type.TransportBearing {
		b.mu.Lock()
		b.cursors[q.Name] = targetID.Int64
		b.mu.Unlock()
	}
	return b.Get(q, targetID.Int64)
}

func (b *Backend) Get(q *queue.Queue, id int64) (*queue.Row, error) {
	b.mu.Lock()
	mapping := b.columns[q.Name]
	b.mu.Unlock()
	return b.selectOne(q, mapping, fmt.Sprintf("%s = %d", mapping[q.Type.Fields[0]], id))
}

func (b *Backend) Next(q *queue.Queue, id int64) (*queue.Row, error) {
	b.mu.Lock()
	mapping := b.columns[q.Name]
	b.mu.Unlock()
	idCol := mapping[q.Type.Fields[0]]
	var nextID sql.NullInt64
	stmt := fmt.Sprintf(`SELECT MIN(%s) FROM %s WHERE %s > %d`, idCol, q.Name, idCol, id)
	if err := b.db.QueryRow(stmt).Scan(&nextID); err != nil {
		return nil, fmt.Errorf("sqlqueue: %s: next: %w", q.Name, err)
	}
	if !nextID.Valid {
		return nil, nil
	}
	return b.Get(q, nextID.Int64)
}

func (b *Backend) Prev(q *queue.Queue, id int64) (*queue.Row, error) {
	b.mu.Lock()
	mapping := b.columns[q.Name]
	b.mu.Unlock()
	idCol := mapping[q.Type.Fields[0]]
	var stmt string
	if id == 0 {
		stmt = fmt.Sprintf(`SELECT MAX(%s) FROM %s`, idCol, q.Name)
	} else {
		stmt = fmt.Sprintf(`SELECT MAX(%s) FROM %s WHERE %s < %d`, idCol, q.Name, idCol, id)
	}
	var prevID sql.NullInt64
	if err := b.db.QueryRow(stmt).Scan(&prevID); err != nil {
		return nil, fmt.Errorf("sqlqueue: %s: prev: %w", q.Name, err)
	}
	if !prevID.Valid {
		return nil, nil
	}
	return b.Get(q, prevID.Int64)
}

func (b *Backend) selectOne(q *queue.Queue, mapping map[string]string, where string) (*queue.Row, error) {
	var cols, fields []string
	for _, f := range q.Type.Fields {
		if col, ok := mapping[f]; ok {
			cols = append(cols, col)
			fields = append(fields, f)
		}
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), q.Name, where)
	row := b.db.QueryRow(stmt)

	scanDest := make([]interface{}, len(cols))
	scanVals := make([]sql.NullString, len(cols))
	for i := range scanDest {
		scanDest[i] = &scanVals[i]
	}
	if err := row.Scan(scanDest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlqueue: %s: select: %w", q.Name, err)
	}

	result := queue.NewRow(q.Type)
	for i, f := range fields {
		result.Set(f, scanVals[i].String)
	}
	id, err := strconv.ParseInt(result.Get(q.Type.Fields[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: %s: bad rowid: %w", q.Name, err)
	}
	result.RowID = id
	return result, nil
}

// Depth implements queue.Depther via SELECT COUNT(*).
func (b *Backend) Depth(q *queue.Queue) (int, error) {
	var count int
	if err := b.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, q.Name)).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlqueue: %s: depth: %w", q.Name, err)
	}
	return count, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}
