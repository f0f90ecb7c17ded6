package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
	"github.com/johndauphine/oracle-mssql-migrate/internal/logging"
)

// Method selects how a batch is sent to SQL Server.
type Method string

const (
	// MethodInsert sends parameterized multi-row INSERT statements.
	MethodInsert Method = "insert"
	// MethodBulk streams rows through the TDS bulk copy protocol.
	MethodBulk Method = "bulk"
)

const (
	// maxParams stays below SQL Server's 2100 parameter ceiling per request.
	maxParams = 2000
	// maxRowsPerStatement is the row limit of a table value constructor.
	maxRowsPerStatement = 1000
	// savepointName marks the row being retried in row-by-row mode.
	savepointName = "row_sp"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	Schema  string // default: dbo
	Table   string
	Columns []driver.TargetColumn
	Method  Method // default: insert
	// PartialRetry re-sends a batch that failed on a constraint row by row
	// so only the offending rows are rejected.
	PartialRetry bool
	// Classifier overrides ClassifyError.
	Classifier driver.Classifier
	// IdentityInsert wraps the insert in SET IDENTITY_INSERT ON/OFF. Bulk
	// copy cannot keep identity values, so it requires MethodInsert.
	IdentityInsert bool
	// RowsPerStatement caps rows per INSERT (at most 1000, and fewer for
	// wide tables so the statement stays under the parameter limit).
	RowsPerStatement int
	// RowsPerBatch is passed to bulk copy as a server hint.
	RowsPerBatch int
}

// Writer inserts coerced batches into one SQL Server table. Each batch is
// one transaction on a dedicated connection.
type Writer struct {
	db      *sql.DB
	opts    WriterOptions
	table   string
	columns []string
	prefix  string
	perStmt int
}

// NewWriter validates opts and prepares the insert statement layout. The
// writer takes ownership of db.
func NewWriter(db *sql.DB, opts WriterOptions) (*Writer, error) {
	if opts.Schema == "" {
		opts.Schema = DefaultSchema
	}
	if err := driver.ValidateIdentifier(opts.Schema); err != nil {
		return nil, fmt.Errorf("invalid schema name: %w", err)
	}
	if err := driver.ValidateIdentifier(opts.Table); err != nil {
		return nil, fmt.Errorf("invalid table name: %w", err)
	}
	if len(opts.Columns) == 0 {
		return nil, errors.New("target table has no columns")
	}
	if len(opts.Columns) > maxParams {
		return nil, fmt.Errorf("target table has %d columns, more than the %d parameters allowed per statement",
			len(opts.Columns), maxParams)
	}
	switch opts.Method {
	case "":
		opts.Method = MethodInsert
	case MethodInsert, MethodBulk:
	default:
		return nil, fmt.Errorf("unknown insert method %q (use insert or bulk)", opts.Method)
	}
	if opts.Method == MethodBulk && opts.IdentityInsert {
		return nil, errors.New("identity insert is not supported with the bulk insert method")
	}
	if opts.Classifier == nil {
		opts.Classifier = ClassifyError
	}

	w := &Writer{
		db:    db,
		opts:  opts,
		table: QualifyTable(opts.Schema, opts.Table),
	}
	w.setColumns(opts.Columns)
	return w, nil
}

// setColumns lays out the insert statement for cols, in order.
func (w *Writer) setColumns(cols []driver.TargetColumn) {
	w.opts.Columns = cols
	w.columns = make([]string, len(cols))
	quoted := make([]string, len(cols))
	for i, c := range cols {
		w.columns[i] = c.Name
		quoted[i] = QuoteIdentifier(c.Name)
	}
	w.prefix = fmt.Sprintf("INSERT INTO %s (%s) VALUES ", w.table, strings.Join(quoted, ", "))

	w.perStmt = maxParams / len(cols)
	if w.perStmt > maxRowsPerStatement {
		w.perStmt = maxRowsPerStatement
	}
	if w.opts.RowsPerStatement > 0 && w.opts.RowsPerStatement < w.perStmt {
		w.perStmt = w.opts.RowsPerStatement
	}
}

// MatchColumns narrows the writer to the query's columns, in query order.
// It must be called before the first Write. Table columns the query does not
// name are left to their defaults.
func (w *Writer) MatchColumns(src []driver.ColumnDescriptor) ([]driver.TargetColumn, error) {
	cols, err := MatchColumns(w.opts.Columns, src)
	if err != nil {
		return nil, fmt.Errorf("matching query columns to %s: %w", w.table, err)
	}
	w.setColumns(cols)
	return cols, nil
}

// MatchColumns pairs each source column with the table column of the same
// name, compared case-insensitively as SQL Server does by default. It fails
// when a source column has no table column or two source columns share one.
func MatchColumns(table []driver.TargetColumn, src []driver.ColumnDescriptor) ([]driver.TargetColumn, error) {
	if len(src) == 0 {
		return nil, errors.New("query returns no columns")
	}
	byName := make(map[string]driver.TargetColumn, len(table))
	for _, c := range table {
		byName[strings.ToLower(c.Name)] = c
	}

	out := make([]driver.TargetColumn, len(src))
	seen := make(map[string]bool, len(src))
	var missing []string
	for i, c := range src {
		key := strings.ToLower(c.Name)
		if seen[key] {
			return nil, fmt.Errorf("query returns column %q more than once", c.Name)
		}
		seen[key] = true
		tc, ok := byName[key]
		if !ok {
			missing = append(missing, c.Name)
			continue
		}
		out[i] = tc
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no target column for query column(s) %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Table returns the quoted, schema-qualified target table name.
func (w *Writer) Table() string { return w.table }

// Name returns the unquoted schema.table form that ParseTableName accepts.
func (w *Writer) Name() string { return w.opts.Schema + "." + w.opts.Table }

// Columns returns the target column layout.
func (w *Writer) Columns() []driver.TargetColumn { return w.opts.Columns }

// Write commits b in a single transaction. When the batch fails on a
// constraint and PartialRetry is set, the rows are re-sent one at a time
// under savepoints and the failing rows are reported as rejections.
func (w *Writer) Write(ctx context.Context, b *driver.Batch) driver.BatchOutcome {
	if b == nil || b.Len() == 0 {
		return driver.Committed(0)
	}

	conn, err := w.db.Conn(ctx)
	if err != nil {
		return w.failed(fmt.Sprintf("acquiring connection for batch %d", b.Seq), err)
	}
	defer conn.Close()

	if w.opts.Method == MethodBulk {
		err = w.bulkCopy(ctx, conn, b)
	} else {
		err = w.insertBatch(ctx, conn, b)
	}
	if err == nil {
		return driver.Committed(b.Len())
	}

	class := w.opts.Classifier(err)
	if class == driver.ClassConstraint && w.opts.PartialRetry {
		logging.Debug("Batch %d hit a constraint violation, retrying %d rows individually: %v", b.Seq, b.Len(), err)
		return w.insertRowByRow(ctx, conn, b)
	}
	return driver.Failed(&driver.TargetWriteError{
		Class: class,
		Op:    fmt.Sprintf("writing batch %d to %s", b.Seq, w.table),
		Err:   err,
	})
}

func (w *Writer) failed(op string, err error) driver.BatchOutcome {
	return driver.Failed(&driver.TargetWriteError{Class: w.opts.Classifier(err), Op: op, Err: err})
}

func (w *Writer) insertBatch(ctx context.Context, conn *sql.Conn, b *driver.Batch) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := w.setIdentityInsert(ctx, tx, true); err != nil {
		return err
	}
	for start := 0; start < len(b.Rows); start += w.perStmt {
		end := start + w.perStmt
		if end > len(b.Rows) {
			end = len(b.Rows)
		}
		rows := b.Rows[start:end]
		if _, err := tx.ExecContext(ctx, w.insertStatement(len(rows)), w.insertArgs(rows)...); err != nil {
			return err
		}
	}
	if err := w.setIdentityInsert(ctx, tx, false); err != nil {
		return err
	}
	return tx.Commit()
}

// insertStatement builds INSERT ... VALUES (@p1, @p2), (@p3, @p4) for n rows.
func (w *Writer) insertStatement(n int) string {
	ncols := len(w.columns)
	var sb strings.Builder
	sb.Grow(len(w.prefix) + n*ncols*7)
	sb.WriteString(w.prefix)
	p := 1
	for r := 0; r < n; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < ncols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(ParameterPlaceholder(p))
			p++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

func (w *Writer) insertArgs(rows []driver.CoercedRow) []any {
	args := make([]any, 0, len(rows)*len(w.columns))
	for _, row := range rows {
		args = append(args, row.Values...)
	}
	return args
}

func (w *Writer) setIdentityInsert(ctx context.Context, tx *sql.Tx, on bool) error {
	if !w.opts.IdentityInsert {
		return nil
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET IDENTITY_INSERT %s %s", w.table, state)); err != nil {
		return fmt.Errorf("setting IDENTITY_INSERT %s: %w", state, err)
	}
	return nil
}

func (w *Writer) bulkCopy(ctx context.Context, conn *sql.Conn, b *driver.Batch) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rowsPerBatch := w.opts.RowsPerBatch
	if rowsPerBatch <= 0 {
		rowsPerBatch = b.Len()
	}
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(w.table, mssql.BulkOptions{
		RowsPerBatch: rowsPerBatch,
	}, w.columns...))
	if err != nil {
		return fmt.Errorf("preparing bulk copy: %w", err)
	}
	defer stmt.Close()

	for _, row := range b.Rows {
		if _, err := stmt.ExecContext(ctx, convertRowForBulkCopy(row.Values)...); err != nil {
			return err
		}
	}
	// An empty exec flushes the bulk copy.
	if _, err := stmt.ExecContext(ctx); err != nil {
		return err
	}
	return tx.Commit()
}

// convertRowForBulkCopy turns civil values into time.Time, which is what
// the bulk copy encoder accepts for date and datetime columns.
func convertRowForBulkCopy(row []any) []any {
	result := make([]any, len(row))
	for i, v := range row {
		switch val := v.(type) {
		case civil.Date:
			result[i] = val.In(time.UTC)
		case civil.DateTime:
			result[i] = val.In(time.UTC)
		default:
			result[i] = v
		}
	}
	return result
}

// insertRowByRow re-sends every row of b in one transaction, guarding each
// insert with a savepoint. Rows that fail on a constraint are rolled back to
// the savepoint and rejected; any other failure fails the whole batch.
func (w *Writer) insertRowByRow(ctx context.Context, conn *sql.Conn, b *driver.Batch) driver.BatchOutcome {
	op := fmt.Sprintf("writing batch %d to %s row by row", b.Seq, w.table)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return w.failed(op, fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	if err := w.setIdentityInsert(ctx, tx, true); err != nil {
		return w.failed(op, err)
	}

	stmt := w.insertStatement(1)
	var rejected []driver.RowRejection
	for i, row := range b.Rows {
		if _, err := tx.ExecContext(ctx, "SAVE TRANSACTION "+savepointName); err != nil {
			return w.failed(op, fmt.Errorf("creating savepoint: %w", err))
		}
		_, err := tx.ExecContext(ctx, stmt, row.Values...)
		if err == nil {
			continue
		}
		class := w.opts.Classifier(err)
		if class != driver.ClassConstraint {
			return driver.Failed(&driver.TargetWriteError{Class: class, Op: op, Err: err})
		}
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TRANSACTION "+savepointName); rbErr != nil {
			return w.failed(op, fmt.Errorf("rolling back to savepoint: %w", rbErr))
		}
		rejected = append(rejected, driver.RowRejection{
			Index: i,
			Err:   &driver.TargetWriteError{Class: class, Op: fmt.Sprintf("inserting row %d", row.Ordinal), Err: err},
		})
	}

	if err := w.setIdentityInsert(ctx, tx, false); err != nil {
		return w.failed(op, err)
	}
	if err := tx.Commit(); err != nil {
		return w.failed(op, fmt.Errorf("committing: %w", err))
	}
	if len(rejected) == 0 {
		return driver.Committed(b.Len())
	}
	logging.Warn("Batch %d: %d of %d rows rejected by %s", b.Seq, len(rejected), b.Len(), w.table)
	return driver.PartiallyRejected(b.Len()-len(rejected), rejected)
}

// Close closes the underlying connection pool.
func (w *Writer) Close() error {
	return w.db.Close()
}
