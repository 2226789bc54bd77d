// Package filequeue implements the file-backed queue.Backend: one
// tab-delimited text file per queue, first line the column header (spec
// §4.9.1). Grounded on the teacher's pkg/storage/boltdb.go bucket-per-
// queue structuring, adapted from a bbolt KV store to a flat append-only
// file because the row format is specified byte-for-byte.
package filequeue

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/phineas/pkg/queue"
)

// indexCapacity bounds the rolling rowid->offset index (spec §4.9.1:
// "capacity 500 (older entries evicted in FIFO order)").
const indexCapacity = 500

type indexEntry struct {
	rowid  int64
	offset int64
}

// queueState is the open, per-queue bookkeeping the backend keeps: the
// file handle, the rolling index, and (for transport-bearing queues) the
// transport cursor byte offset.
type queueState struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	index  []indexEntry // FIFO, oldest first
	byID   map[int64]int64
	cursor int64 // byte offset of first unconsumed "queued" row
	maxID  int64
}

// Backend is the file-backed queue.Backend. One Backend instance serves
// every queue registered against the same connection (a directory); each
// queue gets its own *queueState keyed by queue name.
type Backend struct {
	dir string

	mu     sync.Mutex
	queues map[string]*queueState
}

// New constructs a file-backed Backend rooted at dir, matching
// queue.BackendFactory's signature for registration via
// queue.Registry.RegisterBackend(queue.ConnectionFile, ...).
func New(conn *queue.Connection) (queue.Backend, error) {
	if err := os.MkdirAll(conn.Resource, 0o755); err != nil {
		return nil, fmt.Errorf("filequeue: create dir %q: %w", conn.Resource, err)
	}
	return &Backend{dir: conn.Resource, queues: make(map[string]*queueState)}, nil
}

func (b *Backend) state(q *queue.Queue) *queueState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[q.Name]
}

// Open reindexes the queue's file: for a fresh file it writes the header;
// for an existing one it seeks to end while recording (rowid, offset)
// pairs into the rolling index (spec §4.9.1).
func (b *Backend) Open(q *queue.Queue) error {
	path := filepath.Join(b.dir, q.Name+".txt")

	st := &queueState{path: path, byID: make(map[int64]int64)}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("filequeue: open %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("filequeue: stat %q: %w", path, err)
	}

	if info.Size() == 0 {
		if _, err := f.WriteString(strings.Join(q.Type.Fields, "\t") + "\n"); err != nil {
			f.Close()
			return fmt.Errorf("filequeue: write header %q: %w", path, err)
		}
	} else {
		if err := reindex(f, q, st); err != nil {
			f.Close()
			return err
		}
	}

	st.file = f
	b.mu.Lock()
	b.queues[q.Name] = st
	b.mu.Unlock()
	return nil
}

// reindex scans the whole file once at open time, validating the header
// against the registered row type and rebuilding the rowid->offset index
// and the transport cursor.
func reindex(f *os.File, q *queue.Queue, st *queueState) error {
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		return fmt.Errorf("filequeue: %s: missing header", q.Name)
	}
	header := strings.Split(scanner.Text(), "\t")
	if len(header) != len(q.Type.Fields) {
		return fmt.Errorf("filequeue: %s: header field count %d does not match registered type %q (%d)",
			q.Name, len(header), q.Type.Name, len(q.Type.Fields))
	}
	for i, f := range header {
		if f != q.Type.Fields[i] {
			return fmt.Errorf("filequeue: %s: header field %d is %q, want %q", q.Name, i, f, q.Type.Fields[i])
		}
	}

	var offset int64 = int64(len(scanner.Bytes()) + 1)
	cursorSet := false
	for scanner.Scan() {
		line := scanner.Text()
		cols := strings.SplitN(line, "\t", 2)
		id, err := strconv.ParseInt(cols[0], 10, 64)
		if err == nil {
			pushIndex(st, id, offset)
			if id > st.maxID {
				st.maxID = id
			}
		}
		if !cursorSet && q.Type.TransportBearing {
			st.cursor = offset
			cursorSet = true
		}
		offset += int64(len(line) + 1)
	}
	if q.Type.TransportBearing && !cursorSet {
		st.cursor = offset
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("filequeue: %s: scan: %w", q.Name, err)
	}
	if _, err := f.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

func pushIndex(st *queueState, id, offset int64) {
	st.byID[id] = offset
	st.index = append(st.index, indexEntry{rowid: id, offset: offset})
	if len(st.index) > indexCapacity {
		evicted := st.index[0]
		st.index = st.index[1:]
		if st.byID[evicted.rowid] == evicted.offset {
			delete(st.byID, evicted.rowid)
		}
	}
}

// Push appends the formatted row and updates the index. In-place update
// is not supported in the file backend: a push of an existing row
// overwrites by appending a new row with the same id, the index's
// last-write-wins (spec §4.9.1).
func (b *Backend) Push(q *queue.Queue, row *queue.Row) (int64, error) {
	st := b.state(q)
	if st == nil {
		return -1, fmt.Errorf("filequeue: %s: not open", q.Name)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if row.RowID == 0 {
		st.maxID++
		row.RowID = st.maxID
		row.Set(q.Type.Fields[0], strconv.FormatInt(row.RowID, 10))
	} else if row.RowID > st.maxID {
		st.maxID = row.RowID
	}

	offset, err := st.file.Seek(0, 2)
	if err != nil {
		return -1, fmt.Errorf("filequeue: %s: seek end: %w", q.Name, err)
	}
	line := row.Format() + "\n"
	if _, err := st.file.WriteString(line); err != nil {
		return -1, fmt.Errorf("filequeue: %s: append: %w", q.Name, err)
	}
	pushIndex(st, row.RowID, offset)
	return row.RowID, nil
}

// Pop streams forward from the transport cursor for transport-bearing
// queues (spec §4.9.1); for non-transport-bearing queues it returns the
// row with the maximum live id.
func (b *Backend) Pop(q *queue.Queue) (*queue.Row, error) {
	st := b.state(q)
	if st == nil {
		return nil, fmt.Errorf("filequeue: %s: not open", q.Name)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if !q.Type.TransportBearing {
		if st.maxID == 0 {
			return nil, nil
		}
		return readRowAt(st, q, st.byID[st.maxID])
	}

	for {
		line, nextOffset, ok, err := readLineAt(st, st.cursor)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		row, err := parseLine(q.Type, line)
		if err != nil {
			return nil, err
		}
		st.cursor = nextOffset
		if _, present := st.byID[row.RowID]; !present {
			continue
		}
		if row.Get("TRANSPORTSTATUS") == "queued" {
			return row, nil
		}
	}
}

func (b *Backend) Get(q *queue.Queue, id int64) (*queue.Row, error) {
	st := b.state(q)
	if st == nil {
		return nil, fmt.Errorf("filequeue: %s: not open", q.Name)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	offset, ok := st.byID[id]
	if !ok {
		return nil, nil
	}
	return readRowAt(st, q, offset)
}

// Next/Prev scan the in-memory index, skipping ids no longer present
// (spec §4.9: "scan forward/backward skipping deleted ids").
func (b *Backend) Next(q *queue.Queue, id int64) (*queue.Row, error) {
	st := b.state(q)
	if st == nil {
		return nil, fmt.Errorf("filequeue: %s: not open", q.Name)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	best := int64(-1)
	for rowid := range st.byID {
		if rowid > id && (best == -1 || rowid < best) {
			best = rowid
		}
	}
	if best == -1 {
		return nil, nil
	}
	return readRowAt(st, q, st.byID[best])
}

func (b *Backend) Prev(q *queue.Queue, id int64) (*queue.Row, error) {
	st := b.state(q)
	if st == nil {
		return nil, fmt.Errorf("filequeue: %s: not open", q.Name)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	limit := id
	if id == 0 {
		limit = st.maxID + 1
	}
	best := int64(-1)
	for rowid := range st.byID {
		if rowid < limit && rowid > best {
			best = rowid
		}
	}
	if best == -1 {
		return nil, nil
	}
	return readRowAt(st, q, st.byID[best])
}

// Depth implements queue.Depther. It reports the size of the rolling
// rowid->offset index, which is an approximation of total row count
// capped at indexCapacity — exact for queues smaller than the index,
// a lower bound for larger ones.
func (b *Backend) Depth(q *queue.Queue) (int, error) {
	st := b.state(q)
	if st == nil {
		return 0, fmt.Errorf("filequeue: %s: not open", q.Name)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.byID), nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, st := range b.queues {
		if err := st.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func readRowAt(st *queueState, q *queue.Queue, offset int64) (*queue.Row, error) {
	line, _, ok, err := readLineAt(st, offset)
	if err != nil || !ok {
		return nil, err
	}
	return parseLine(q.Type, line)
}

func readLineAt(st *queueState, offset int64) (line string, nextOffset int64, ok bool, err error) {
	if _, err := st.file.Seek(offset, 0); err != nil {
		return "", 0, false, fmt.Errorf("filequeue: seek %d: %w", offset, err)
	}
	r := bufio.NewReader(st.file)
	text, readErr := r.ReadString('\n')
	if len(text) == 0 {
		if readErr != nil {
			return "", 0, false, nil
		}
	}
	text = strings.TrimSuffix(text, "\n")
	if text == "" && readErr != nil {
		return "", 0, false, nil
	}
	return text, offset + int64(len(text)) + 1, true, nil
}

func parseLine(t *queue.RowType, line string) (*queue.Row, error) {
	cols := strings.Split(line, "\t")
	if len(cols) != len(t.Fields) {
		return nil, fmt.Errorf("filequeue: %s: row has %d columns, want %d", t.Name, len(cols), len(t.Fields))
	}
	row := queue.NewRow(t)
	for i, f := range t.Fields {
		row.Values[f] = cols[i]
	}
	id, err := strconv.ParseInt(cols[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("filequeue: %s: bad rowid %q: %w", t.Name, cols[0], err)
	}
	row.RowID = id
	return row, nil
}
