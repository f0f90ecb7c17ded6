//go:build !cgo

package oracle

// godror needs cgo; without it values pass through unchanged.
func normalizeValue(v any) (any, error) { return v, nil }

// FetchOptions returns nothing when godror is not compiled in.
func FetchOptions(_, _ int) []any { return nil }
