package mssql

import (
	"context"
	sqldriver "database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
)

// Server error numbers caused by the data in a row.
var constraintErrors = map[int32]bool{
	2627: true, // PRIMARY KEY / UNIQUE constraint
	2601: true, // duplicate key in unique index
	547:  true, // FOREIGN KEY / CHECK constraint
	515:  true, // NULL into NOT NULL column
	8152: true, // string or binary data would be truncated
	2628: true, // string or binary data would be truncated (2019+)
	242:  true, // datetime out of range
	241:  true, // date/time conversion failed
	245:  true, // conversion failed
	8114: true, // error converting data type
	8115: true, // arithmetic overflow
	220:  true, // arithmetic overflow for data type
}

// Server error numbers that are expected to clear on retry.
var transientErrors = map[int32]bool{
	1205:  true, // deadlock victim
	1222:  true, // lock request timeout
	-2:    true, // client timeout
	233:   true, // connection closed by server
	64:    true, // connection lost
	10053: true, // transport aborted
	10054: true, // connection reset
	10060: true, // connection timed out
	10928: true, // resource limit (Azure)
	10929: true, // resource limit (Azure)
	40197: true, // service error (Azure)
	40501: true, // service busy (Azure)
	40613: true, // database unavailable (Azure)
	49918: true, // not enough resources (Azure)
	49919: true, // too many operations (Azure)
	49920: true, // service busy (Azure)
}

// ClassifyError is the default policy for deciding how the orchestrator and
// the row-by-row fallback react to a target failure. Unknown errors are
// fatal.
func ClassifyError(err error) driver.ErrorClass {
	if err == nil {
		return driver.ClassFatal
	}
	var numbered interface{ SQLErrorNumber() int32 }
	if errors.As(err, &numbered) {
		n := numbered.SQLErrorNumber()
		switch {
		case constraintErrors[n]:
			return driver.ClassConstraint
		case transientErrors[n]:
			return driver.ClassRecoverable
		}
		return driver.ClassFatal
	}

	if errors.Is(err, sqldriver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return driver.ClassRecoverable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return driver.ClassRecoverable
	}
	return driver.ClassFatal
}
