//go:build cgo

package oracle

import (
	"fmt"
	"io"

	"github.com/godror/godror"
)

// normalizeValue converts godror-specific values to plain Go types.
func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case godror.Number:
		// Keep NUMBER as text so no precision is lost before coercion.
		return val.String(), nil
	case *godror.Lob:
		data, err := io.ReadAll(val)
		if err != nil {
			return nil, fmt.Errorf("reading LOB: %w", err)
		}
		if val.IsClob {
			return string(data), nil
		}
		return data, nil
	}
	return v, nil
}

// FetchOptions returns the godror query options that fix the number of rows
// fetched per round trip.
func FetchOptions(fetchSize, prefetch int) []any {
	if fetchSize <= 0 {
		return nil
	}
	return []any{godror.FetchArraySize(fetchSize), godror.PrefetchCount(prefetch)}
}
