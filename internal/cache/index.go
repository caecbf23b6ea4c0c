package cache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// indexRow is the metadata-only view of an entry kept in index.db.
type indexRow struct {
	id         Identity
	object     string
	size       int64
	meta       Metadata
	category   Category
	storedAt   time.Time
	accessedAt time.Time
	expiresAt  time.Time
	seq        int64
}

func (r *indexRow) entry() *Entry {
	return &Entry{
		Identity:   r.id,
		Metadata:   r.meta,
		StoredAt:   r.storedAt,
		AccessedAt: r.accessedAt,
		ExpiresAt:  r.expiresAt,
		Size:       r.size,
	}
}

// candidate is a trim candidate together with its position in the scan order.
type candidate struct {
	id   Identity
	size int64
	key  int64 // value of the ordering column
	seq  int64
}

// scanOrder selects the column a trim or clear scan walks through.
type scanOrder string

const (
	orderAccessed scanOrder = "accessed_at"
	orderStored   scanOrder = "stored_at"
	orderSeq      scanOrder = "seq"
)

// index persists entry metadata in SQLite.
type index struct {
	write *sql.DB // single-writer connection
	read  *sql.DB // multi-reader pool
}

func openIndex(path string) (*index, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	dsn := "file:" + path + "?" + pragmas

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &index{write: write, read: read}, nil
}

// runMigrations applies the embedded goose migrations.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

func (ix *index) close() error {
	return errors.Join(ix.write.Close(), ix.read.Close())
}

const rowColumns = `identity, object, size, metadata, category, stored_at, accessed_at, expires_at, seq`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (*indexRow, error) {
	var (
		r                             indexRow
		id, meta                      string
		storedAt, accessedAt, expires int64
	)
	if err := sc.Scan(&id, &r.object, &r.size, &meta, &r.category, &storedAt, &accessedAt, &expires, &r.seq); err != nil {
		return nil, err
	}
	r.id = Identity(id)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &r.meta); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", r.id.Short(), err)
		}
	}
	r.storedAt = fromNanos(storedAt)
	r.accessedAt = fromNanos(accessedAt)
	r.expiresAt = fromNanos(expires)
	return &r, nil
}

// get returns the row for id, or nil when there is none.
func (ix *index) get(ctx context.Context, id Identity) (*indexRow, error) {
	return getRow(ctx, ix.read, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRow(ctx context.Context, q queryRower, id Identity) (*indexRow, error) {
	row := q.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM entries WHERE identity = ?`, string(id))
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// put upserts r and returns the row it replaced, if any.
func (ix *index) put(ctx context.Context, r *indexRow) (*indexRow, error) {
	meta, err := encodeMetadata(r.meta)
	if err != nil {
		return nil, err
	}

	tx, err := ix.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	old, err := getRow(ctx, tx, r.id)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO entries (`+rowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity) DO UPDATE SET
			object = excluded.object,
			size = excluded.size,
			metadata = excluded.metadata,
			category = excluded.category,
			stored_at = excluded.stored_at,
			accessed_at = excluded.accessed_at,
			expires_at = excluded.expires_at,
			seq = excluded.seq`,
		string(r.id), r.object, r.size, meta, int(r.category),
		toNanos(r.storedAt), toNanos(r.accessedAt), toNanos(r.expiresAt), r.seq,
	)
	if err != nil {
		return nil, err
	}
	return old, tx.Commit()
}

// delete removes the row for id. Deleting a missing row is not an error.
func (ix *index) delete(ctx context.Context, id Identity) error {
	_, err := ix.write.ExecContext(ctx, `DELETE FROM entries WHERE identity = ?`, string(id))
	return err
}

// touch advances accessed_at for the given identities in one transaction.
// Rows that were re-stored after the recorded access keep their newer timestamp.
func (ix *index) touch(ctx context.Context, accesses map[Identity]time.Time) error {
	if len(accesses) == 0 {
		return nil
	}
	tx, err := ix.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `UPDATE entries SET accessed_at = ? WHERE identity = ? AND accessed_at < ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, at := range accesses {
		n := toNanos(at)
		if _, err := stmt.ExecContext(ctx, n, string(id), n); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// candidates returns up to limit rows after cursor (key, seq) in the given order.
// When before is non-zero only rows stored before it are returned.
func (ix *index) candidates(ctx context.Context, order scanOrder, afterKey, afterSeq int64, before time.Time, limit int) ([]candidate, error) {
	var (
		query string
		args  []any
	)
	switch order {
	case orderSeq:
		query = `SELECT identity, size, seq, seq FROM entries WHERE seq > ?`
		args = append(args, afterSeq)
	default:
		col := string(order)
		query = `SELECT identity, size, ` + col + `, seq FROM entries WHERE (` + col + `, seq) > (?, ?)`
		args = append(args, afterKey, afterSeq)
	}
	if !before.IsZero() {
		query += ` AND stored_at < ?`
		args = append(args, toNanos(before))
	}
	if order == orderSeq {
		query += ` ORDER BY seq LIMIT ?`
	} else {
		query += ` ORDER BY ` + string(order) + `, seq LIMIT ?`
	}
	args = append(args, limit)

	rows, err := ix.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var (
			c  candidate
			id string
		)
		if err := rows.Scan(&id, &c.size, &c.key, &c.seq); err != nil {
			return nil, err
		}
		c.id = Identity(id)
		out = append(out, c)
	}
	return out, rows.Err()
}

// totals returns the entry count and byte sum per category.
func (ix *index) totals(ctx context.Context) (map[Category]CategoryUsage, error) {
	rows, err := ix.read.QueryContext(ctx,
		`SELECT category, COUNT(*), COALESCE(SUM(size), 0) FROM entries GROUP BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Category]CategoryUsage)
	for rows.Next() {
		var (
			cat Category
			u   CategoryUsage
		)
		if err := rows.Scan(&cat, &u.Entries, &u.Bytes); err != nil {
			return nil, err
		}
		out[cat] = u
	}
	return out, rows.Err()
}

// maxSeq returns the highest sequence number in use.
func (ix *index) maxSeq(ctx context.Context) (int64, error) {
	var n int64
	err := ix.read.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM entries`).Scan(&n)
	return n, err
}

// objects returns the object path of every row, keyed by object.
func (ix *index) objects(ctx context.Context) (map[string]Identity, error) {
	rows, err := ix.read.QueryContext(ctx, `SELECT identity, object FROM entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Identity)
	for rows.Next() {
		var id, object string
		if err := rows.Scan(&id, &object); err != nil {
			return nil, err
		}
		out[object] = Identity(id)
	}
	return out, rows.Err()
}

func encodeMetadata(m Metadata) (string, error) {
	if m.StatusCode == 0 && len(m.Header) == 0 && m.MIMEType == "" && m.Policy == StorageAllowed {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
