package oracle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"

	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
	"github.com/johndauphine/oracle-mssql-migrate/internal/typemap"
)

// DefaultFetchSize is the number of rows pulled from the cursor per fetch.
const DefaultFetchSize = 5000

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	// FetchSize bounds how many rows are buffered at once.
	FetchSize int
	// QueryOptions are driver-specific arguments appended to the bind
	// parameters (godror fetch tuning, see FetchOptions).
	QueryOptions []any
}

// Reader streams the rows of one query. It owns its *sql.DB and is not
// restartable: after the stream ends a new Reader is needed to read again.
type Reader struct {
	db   *sql.DB
	opts ReaderOptions

	rows      *sql.Rows
	cols      []driver.ColumnDescriptor
	buf       []driver.RawRow
	pos       int
	delivered int64
	exhausted bool
	err       error
	closed    bool
}

// NewReader wraps db, taking ownership of it.
func NewReader(db *sql.DB, opts ReaderOptions) *Reader {
	if opts.FetchSize <= 0 {
		opts.FetchSize = DefaultFetchSize
	}
	return &Reader{db: db, opts: opts}
}

// Open executes query and returns the result set's column descriptors.
func (r *Reader) Open(ctx context.Context, query string, args ...any) ([]driver.ColumnDescriptor, error) {
	if r.closed {
		return nil, errors.New("reader is closed")
	}
	if r.rows != nil {
		return nil, errors.New("reader already opened; open a new reader to re-run a query")
	}

	queryArgs := make([]any, 0, len(args)+len(r.opts.QueryOptions))
	queryArgs = append(queryArgs, args...)
	queryArgs = append(queryArgs, r.opts.QueryOptions...)

	rows, err := r.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, &driver.QueryExecutionError{Query: query, Err: err}
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, &driver.QueryExecutionError{Query: query, Err: fmt.Errorf("reading column metadata: %w", err)}
	}

	r.rows = rows
	r.cols = describeColumns(types)
	r.buf = make([]driver.RawRow, 0, r.opts.FetchSize)
	return r.cols, nil
}

func describeColumns(types []*sql.ColumnType) []driver.ColumnDescriptor {
	cols := make([]driver.ColumnDescriptor, len(types))
	for i, ct := range types {
		precision, scale, _ := ct.DecimalSize()
		length, _ := ct.Length()
		nullable, ok := ct.Nullable()
		if !ok {
			nullable = true
		}
		cols[i] = typemap.ClassifyOracle(ct.Name(), ct.DatabaseTypeName(),
			int(precision), int(scale), int(length), nullable)
	}
	return cols
}

// CountRows runs SELECT COUNT(*) over query so progress can show a total.
// It must be called before Open.
func (r *Reader) CountRows(ctx context.Context, query string, args ...any) (int64, error) {
	if r.closed {
		return 0, errors.New("reader is closed")
	}
	var n int64
	q := "SELECT COUNT(*) FROM (" + TrimStatement(query) + ")"
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, &driver.QueryExecutionError{Query: q, Err: err}
	}
	return n, nil
}

// Columns returns the descriptors resolved by Open.
func (r *Reader) Columns() []driver.ColumnDescriptor { return r.cols }

// Next returns the next row, or io.EOF once the result set is exhausted.
// Rows are fetched in chunks of FetchSize; ctx is checked before each fetch.
// A fetch failure is returned as *driver.SourceReadError after the rows
// fetched before it, and ends the stream.
func (r *Reader) Next(ctx context.Context) (driver.RawRow, error) {
	if r.rows == nil {
		return nil, errors.New("reader is not open")
	}
	if r.pos < len(r.buf) {
		row := r.buf[r.pos]
		r.buf[r.pos] = nil
		r.pos++
		r.delivered++
		return row, nil
	}
	if r.exhausted {
		if r.err != nil {
			return nil, r.err
		}
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.fetch()
	return r.Next(ctx)
}

// fetch refills the buffer with up to FetchSize rows.
func (r *Reader) fetch() {
	r.buf = r.buf[:0]
	r.pos = 0
	n := len(r.cols)

	for len(r.buf) < r.opts.FetchSize {
		if !r.rows.Next() {
			r.exhausted = true
			if err := r.rows.Err(); err != nil {
				r.fail(err)
			}
			return
		}
		row := make(driver.RawRow, n)
		dest := make([]any, n)
		for i := range row {
			dest[i] = &row[i]
		}
		if err := r.rows.Scan(dest...); err != nil {
			r.exhausted = true
			r.fail(fmt.Errorf("scanning row: %w", err))
			return
		}
		for i, v := range row {
			nv, err := normalizeValue(v)
			if err != nil {
				r.exhausted = true
				r.fail(fmt.Errorf("column %s: %w", r.cols[i].Name, err))
				return
			}
			row[i] = nv
		}
		r.buf = append(r.buf, row)
	}
}

func (r *Reader) fail(err error) {
	r.err = &driver.SourceReadError{Row: r.delivered + int64(len(r.buf)), Err: err}
}

// Delivered returns the number of rows returned by Next so far.
func (r *Reader) Delivered() int64 { return r.delivered }

// Close releases the cursor and the connection. It is safe to call more
// than once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.buf = nil

	var result *multierror.Error
	if r.rows != nil {
		if err := r.rows.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing cursor: %w", err))
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing connection: %w", err))
		}
	}
	return result.ErrorOrNil()
}
